package user

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/shuleapp/shule/core"
)

// Role names. The set is closed; roles are seeded at bootstrap and
// referenced by name.
const (
	RoleAdmin   = "admin"
	RoleTeacher = "teacher"
	RoleParent  = "parent"
	RoleStudent = "student"

	// PermissionWildcard grants every permission, unconditionally.
	PermissionWildcard = "*"
)

var AllRoles = []string{RoleAdmin, RoleTeacher, RoleParent, RoleStudent}

// DefaultRoles is the role registry seeded at system bootstrap.
var DefaultRoles = []Role{
	{
		Name:        RoleAdmin,
		Description: "System administrator with all permissions",
		Permissions: []string{PermissionWildcard},
	},
	{
		Name:        RoleTeacher,
		Description: "Teacher with limited permissions",
		Permissions: []string{
			"students:read", "students:update",
			"absences:create", "absences:read", "absences:update",
			"incidents:create", "incidents:read", "incidents:update",
		},
	},
	{
		Name:        RoleParent,
		Description: "Parent with read-only access",
		Permissions: []string{"students:read", "absences:read", "incidents:read"},
	},
	{
		Name:        RoleStudent,
		Description: "Student with limited access",
		Permissions: []string{"students:read"},
	},
}

// Role is a named bundle of permission strings. A permission is either the
// wildcard or an explicit "resource:action" string.
type Role struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	Permissions []string  `json:"permissions" db:"permissions"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"` // UTC
}

// Allows reports whether the role grants perm. Matching is literal: only the
// wildcard member or an exact string satisfies it.
func (r Role) Allows(perm string) bool {
	for _, p := range r.Permissions {
		if p == PermissionWildcard || p == perm {
			return true
		}
	}
	return false
}

type User struct {
	ID           string    `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	Email        string    `json:"email" db:"email"`
	FirstName    string    `json:"first_name" db:"first_name"`
	LastName     string    `json:"last_name" db:"last_name"`
	Phone        string    `json:"phone,omitempty" db:"phone"`
	RoleName     string    `json:"-" db:"role_name"`
	Role         Role      `json:"role"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	PasswordHash []byte    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"` // UTC
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"` // UTC
	LastLogin    time.Time `json:"last_login" db:"last_login"` // UTC
}

func (u *User) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

func (u *User) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(pwd))
}

func (u *User) IsAdmin() bool {
	return u.RoleName == RoleAdmin
}

// Identity is the per-request context resolved by the session middleware.
// It is always rebuilt from the store, never from token claims.
type Identity struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	RoleName    string   `json:"role"`
	Permissions []string `json:"permissions"`
}

func NewIdentity(usr User) Identity {
	return Identity{
		ID:          usr.ID,
		Username:    usr.Username,
		Email:       usr.Email,
		RoleName:    usr.Role.Name,
		Permissions: usr.Role.Permissions,
	}
}

// HasRole reports whether the identity's role is one of roles.
// Permissions play no part here: a wildcard grants no role membership.
func (idt Identity) HasRole(roles ...string) bool {
	for _, role := range roles {
		if idt.RoleName == role {
			return true
		}
	}
	return false
}

// Can reports whether the identity holds perm, either explicitly or via the
// wildcard.
func (idt Identity) Can(perm string) bool {
	for _, p := range idt.Permissions {
		if p == PermissionWildcard || p == perm {
			return true
		}
	}
	return false
}

// NewUser contains information needed to create a new User.
type NewUser struct {
	Username        string `json:"username" validate:"required,min=3,alphanum_"`
	Email           string `json:"email" validate:"required,email"`
	FirstName       string `json:"first_name" validate:"required"`
	LastName        string `json:"last_name" validate:"required"`
	Phone           string `json:"phone"`
	Role            string `json:"role" validate:"required,rolename"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
}

func (nu *NewUser) Validate(ctx context.Context, validate *validator.Validate, svc *Service) error {
	nu.Username = core.CleanString(nu.Username, true /* lower */)
	nu.Email = core.CleanString(nu.Email, true /* lower */)
	nu.FirstName = core.CleanString(nu.FirstName)
	nu.LastName = core.CleanString(nu.LastName)
	nu.Phone = core.CleanString(nu.Phone)

	if err := validate.Struct(nu); err != nil {
		return err
	}
	return svc.checkUniqueness(ctx, nu.Username, nu.Email)
}

// UpdateUser defines what information may be provided to modify an existing User.
type UpdateUser struct {
	Username        string `json:"username" validate:"omitempty,min=3,alphanum_"`
	Email           string `json:"email" validate:"omitempty,email"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	Phone           string `json:"phone"`
	Role            string `json:"role" validate:"omitempty,rolename"`
	IsActive        *bool  `json:"is_active"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm" validate:"required_with=Password,eqfield=Password"`
}

func (uu *UpdateUser) Validate(ctx context.Context, origUsr User, validate *validator.Validate, svc *Service) error {
	if uname := core.CleanString(uu.Username, true /* lower */); uname != "" {
		uu.Username = uname
	} else {
		uu.Username = origUsr.Username
	}
	if email := core.CleanString(uu.Email, true /* lower */); email != "" {
		uu.Email = email
	} else {
		uu.Email = origUsr.Email
	}
	uu.FirstName = core.CleanString(uu.FirstName)
	uu.LastName = core.CleanString(uu.LastName)
	uu.Phone = core.CleanString(uu.Phone)

	if err := validate.Struct(uu); err != nil {
		return err
	}
	return svc.checkUniqueness(ctx, uu.Username, uu.Email, origUsr)
}

type Login struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (l *Login) Validate(validate *validator.Validate) error {
	l.Username = core.CleanString(l.Username, true /* lower */)
	return validate.Struct(l)
}

type ChangePassword struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

func (cp ChangePassword) Validate(validate *validator.Validate) error {
	return validate.Struct(cp)
}

type ResetUserPassword struct {
	Token           string `json:"token,omitempty" validate:"required"`
	UID             string `json:"uid,omitempty" validate:"required"`
	Password        string `json:"password,omitempty" validate:"required"`
	PasswordConfirm string `json:"password_confirm,omitempty" validate:"required,eqfield=Password"`
}

func (rp ResetUserPassword) Validate(validate *validator.Validate) error {
	return validate.Struct(rp)
}

type QueryFilter struct {
	Search      string    `query:"search"`
	Roles       []string  `query:"role"`
	IsActive    *bool     `query:"is_active"`
	CreatedFrom time.Time `query:"created_from"`
	CreatedTo   time.Time `query:"created_to"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.Search == "" && qf.Roles == nil && qf.IsActive == nil && qf.CreatedFrom.IsZero() && qf.CreatedTo.IsZero()
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
}
