package user

import (
	"context"
	"net/mail"
	"time"

	"github.com/pkg/errors"

	"github.com/shuleapp/shule/core"
)

var (
	// errors
	ErrNotFound       = errors.New("user not found")
	ErrRoleNotFound   = errors.New("role not found")
	ErrEmailExists    = errors.New("a user with this email already exists")
	ErrUsernameExists = errors.New("a user with this username already exists")

	// ErrInvalidCredentials is returned for an unknown username, a wrong
	// password and an inactive account alike, so callers cannot probe which
	// one it was.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrWrongPassword is returned when the current password supplied on a
	// password change does not match.
	ErrWrongPassword = errors.New("current password is incorrect")
)

type (
	Repository interface {
		CheckUsernameUniqueness(ctx context.Context, username, email string, excludedUsers ...User) error
		CreateUser(ctx context.Context, usr User) (User, error)
		QueryAllUsers(ctx context.Context) ([]User, error)
		GetUserByID(ctx context.Context, id string) (User, error)
		GetUserByUsername(ctx context.Context, username string) (User, error)
		GetUserByEmail(ctx context.Context, email string) (User, error)
		GetUserByUsernameOrEmail(ctx context.Context, username string) (User, error)
		// FilterUsers applies AND operation on available QueryFilter fields.
		// QueryFilter.Search does a case-insensitive match on one of
		// User.Username, User.Email, User.FirstName or User.LastName.
		FilterUsers(ctx context.Context, filter QueryFilter, orderings ...core.DBOrdering) ([]User, error)
		// UpdateUser updates the non-zero fields of usr; isActive is applied
		// when non-nil.
		UpdateUser(ctx context.Context, usr User, isActive *bool) (User, error)
		SetLastLogin(ctx context.Context, id string, t time.Time) error
		DeleteUsersByID(ctx context.Context, ids ...string) error
	}

	// RoleRepository is the role registry: seeded at bootstrap, read on every
	// user fetch.
	RoleRepository interface {
		QueryAllRoles(ctx context.Context) ([]Role, error)
		GetRoleByName(ctx context.Context, name string) (Role, error)
		CreateRole(ctx context.Context, role Role) (Role, error)
	}

	Service struct {
		repo    Repository
		roles   RoleRepository
		mailSvc core.EmailService
		conf    *core.Config
		log     core.Logger
	}
)

func NewService(conf *core.Config, log core.Logger, repo Repository, roles RoleRepository, mailSvc core.EmailService) *Service {
	return &Service{
		repo:    repo,
		roles:   roles,
		mailSvc: mailSvc,
		conf:    conf,
		log:     log,
	}
}

func (svc *Service) checkUniqueness(ctx context.Context, uname, email string, exclUsers ...User) error {
	if err := svc.repo.CheckUsernameUniqueness(ctx, uname, email, exclUsers...); err != nil {
		var field string
		switch errors.Cause(err) {
		case ErrUsernameExists:
			field = "username"
		case ErrEmailExists:
			field = "email"
		default:
			return err
		}
		return core.NewValidationError(err, core.FieldError{Field: field, Error: err.Error()})
	}
	return nil
}

func (svc *Service) getRole(ctx context.Context, name string) (Role, error) {
	role, err := svc.roles.GetRoleByName(ctx, name)
	if err != nil {
		if errors.Cause(err) == ErrRoleNotFound {
			return Role{}, core.NewValidationError(err, core.FieldError{Field: "role", Error: err.Error()})
		}
		return Role{}, errors.Wrap(err, "finding role by name")
	}
	return role, nil
}

func (svc *Service) Create(ctx context.Context, nu NewUser) (User, error) {
	role, err := svc.getRole(ctx, nu.Role)
	if err != nil {
		return User{}, err
	}

	now := time.Now().UTC()
	usr := User{
		Username:  nu.Username,
		Email:     nu.Email,
		FirstName: nu.FirstName,
		LastName:  nu.LastName,
		Phone:     nu.Phone,
		RoleName:  role.Name,
		Role:      role,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := usr.SetPassword(nu.Password); err != nil {
		return User{}, errors.Wrap(err, "hashing password")
	}
	return svc.repo.CreateUser(ctx, usr)
}

func (svc *Service) QueryAll(ctx context.Context) ([]User, error) {
	return svc.repo.QueryAllUsers(ctx)
}

func (svc *Service) GetByID(ctx context.Context, id string) (User, error) {
	return svc.repo.GetUserByID(ctx, id)
}

func (svc *Service) GetByUsername(ctx context.Context, uname string) (User, error) {
	return svc.repo.GetUserByUsername(ctx, core.CleanString(uname, true /* lower */))
}

func (svc *Service) GetByEmail(ctx context.Context, email string) (User, error) {
	return svc.repo.GetUserByEmail(ctx, core.CleanString(email, true /* lower */))
}

func (svc *Service) GetByUsernameOrEmail(ctx context.Context, uname string) (User, error) {
	return svc.repo.GetUserByUsernameOrEmail(ctx, core.CleanString(uname, true /* lower */))
}

func (svc *Service) Filter(ctx context.Context, filter QueryFilter, orderings ...core.DBOrdering) ([]User, error) {
	return svc.repo.FilterUsers(ctx, filter, orderings...)
}

func (svc *Service) Update(ctx context.Context, id string, uu UpdateUser) (User, error) {
	usr := User{
		ID:        id,
		Username:  uu.Username,
		Email:     uu.Email,
		FirstName: uu.FirstName,
		LastName:  uu.LastName,
		Phone:     uu.Phone,
		UpdatedAt: time.Now().UTC(),
	}
	if uu.Role != "" {
		role, err := svc.getRole(ctx, uu.Role)
		if err != nil {
			return User{}, err
		}
		usr.RoleName = role.Name
	}
	if uu.Password != "" {
		if err := usr.SetPassword(uu.Password); err != nil {
			return User{}, errors.Wrap(err, "hashing password")
		}
	}
	return svc.repo.UpdateUser(ctx, usr, uu.IsActive)
}

func (svc *Service) Delete(ctx context.Context, ids ...string) error {
	return svc.repo.DeleteUsersByID(ctx, ids...)
}

// Authenticate checks the given credentials against the store. The failure is
// ErrInvalidCredentials whether the user is unknown, inactive or the password
// wrong. On success the last login timestamp is persisted best-effort: a
// failed write is logged but never fails the login.
func (svc *Service) Authenticate(ctx context.Context, uname, pwd string) (User, error) {
	usr, err := svc.GetByUsernameOrEmail(ctx, uname)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return User{}, ErrInvalidCredentials
		}
		return User{}, errors.Wrap(err, "finding user by username or email")
	}
	if err = usr.CheckPassword(pwd); err != nil {
		return User{}, ErrInvalidCredentials
	}
	if !usr.IsActive {
		return User{}, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	if err = svc.repo.SetLastLogin(ctx, usr.ID, now); err != nil {
		svc.log.Warn("setting last login for "+usr.Username, err)
	} else {
		usr.LastLogin = now
	}
	return usr, nil
}

// ChangePassword sets a new password after checking the current one.
func (svc *Service) ChangePassword(ctx context.Context, usr User, cp ChangePassword) error {
	if err := usr.CheckPassword(cp.CurrentPassword); err != nil {
		return ErrWrongPassword
	}

	upd := User{ID: usr.ID, UpdatedAt: time.Now().UTC()}
	if err := upd.SetPassword(cp.NewPassword); err != nil {
		return errors.Wrap(err, "hashing password")
	}
	if _, err := svc.repo.UpdateUser(ctx, upd, nil); err != nil {
		return errors.Wrap(err, "updating user")
	}
	return nil
}

// RequestPasswordReset emails a reset link to the given address when it
// belongs to an active account.
func (svc *Service) RequestPasswordReset(ctx context.Context, email string) error {
	usr, err := svc.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if !usr.IsActive {
		return ErrNotFound
	}

	token, err := MakeToken(svc.conf, usr)
	if err != nil {
		return errors.Wrap(err, "making reset token")
	}

	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: usr.FirstName + " " + usr.LastName, Address: usr.Email}},
		Subject:      "Password Reset",
		TemplateName: "password-reset",
		TemplateData: struct {
			Username string
			UID      string
			Token    string
		}{usr.Username, EncodeUID(usr), token},
	})
	return nil
}

// ResetPassword completes the reset flow: the token is verified against the
// user's current hash and last login, so it is single-use in effect.
func (svc *Service) ResetPassword(ctx context.Context, rp ResetUserPassword) error {
	uid, err := decodeUID(rp.UID)
	if err != nil {
		return core.NewValidationError(errInvalidToken)
	}
	usr, err := svc.GetByID(ctx, uid)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return core.NewValidationError(errInvalidToken)
		}
		return errors.Wrap(err, "finding user by ID")
	}
	if err = verifyToken(svc.conf, usr, rp.Token); err != nil {
		return core.NewValidationError(err)
	}

	upd := User{ID: usr.ID, UpdatedAt: time.Now().UTC()}
	if err = upd.SetPassword(rp.Password); err != nil {
		return errors.Wrap(err, "hashing password")
	}
	if _, err = svc.repo.UpdateUser(ctx, upd, nil); err != nil {
		return errors.Wrap(err, "updating user")
	}
	return nil
}

// EnsureDefaultRoles creates any of the default roles missing from the
// registry. It never mutates existing roles.
func (svc *Service) EnsureDefaultRoles(ctx context.Context) error {
	for _, role := range DefaultRoles {
		if _, err := svc.roles.GetRoleByName(ctx, role.Name); err != nil {
			if errors.Cause(err) != ErrRoleNotFound {
				return errors.Wrap(err, "finding role "+role.Name)
			}
			role.CreatedAt = time.Now().UTC()
			if _, err = svc.roles.CreateRole(ctx, role); err != nil {
				return errors.Wrap(err, "creating role "+role.Name)
			}
		}
	}
	return nil
}

func (svc *Service) QueryRoles(ctx context.Context) ([]Role, error) {
	return svc.roles.QueryAllRoles(ctx)
}

func (svc *Service) GetRoleByName(ctx context.Context, name string) (Role, error) {
	return svc.roles.GetRoleByName(ctx, name)
}
