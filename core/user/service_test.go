package user_test

import (
	"context"
	"net/mail"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/shuleapp/shule/core"
	"github.com/shuleapp/shule/core/user"
	emailsvc "github.com/shuleapp/shule/services/email"
	dummydb "github.com/shuleapp/shule/storage/database/dummy"
)

func testValidate(t *testing.T) *validator.Validate {
	t.Helper()

	validate := validator.New()
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	return validate
}

type nopLogger struct{}

func (nopLogger) Enable(bool)                  {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Fatal(string, ...interface{}) {}

func newTestService(t *testing.T) *user.Service {
	t.Helper()
	return newTestServiceWithRepo(t, func(repo user.Repository) user.Repository { return repo })
}

// newTestServiceWithRepo builds a service over the in-memory store, letting
// the caller wrap the user repository to inject failures.
func newTestServiceWithRepo(t *testing.T, wrap func(user.Repository) user.Repository) *user.Service {
	t.Helper()

	conf := &core.Config{
		Env:                       "TEST",
		TestMode:                  true,
		AppName:                   "Shule",
		SecretKey:                 "secret",
		FrontendBaseURL:           "http://localhost:3000",
		DefaultFromEmail:          mail.Address{Name: "Shule", Address: "noreply@localhost"},
		PasswordResetTimeoutDelta: 3 * 24 * time.Hour,
	}

	db, err := dummydb.Open()
	if err != nil {
		t.Fatalf("dummydb.Open(): %v", err)
	}
	svc := user.NewService(
		conf, nopLogger{},
		wrap(dummydb.NewUserRepository(db)),
		dummydb.NewRoleRepository(db),
		emailsvc.NewConsoleServiceMock(conf),
	)
	if err = svc.EnsureDefaultRoles(context.Background()); err != nil {
		t.Fatalf("EnsureDefaultRoles(): %v", err)
	}
	return svc
}

func createUser(t *testing.T, svc *user.Service, uname, email, role, pwd string, isActive bool) user.User {
	t.Helper()

	usr, err := svc.Create(context.Background(), user.NewUser{
		Username:        uname,
		Email:           email,
		FirstName:       "Test",
		LastName:        "User",
		Role:            role,
		Password:        pwd,
		PasswordConfirm: pwd,
	})
	if err != nil {
		t.Fatalf("svc.Create(%s): %v", uname, err)
	}
	if !isActive {
		deactivated := false
		if usr, err = svc.Update(context.Background(), usr.ID, user.UpdateUser{IsActive: &deactivated}); err != nil {
			t.Fatalf("svc.Update(%s): %v", uname, err)
		}
	}
	return usr
}

func TestServiceCreateResolvesRole(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	usr := createUser(t, svc, "juma", "juma@shule.app", user.RoleTeacher, "Aw3$0m3Pass", true)
	if usr.Role.Name != user.RoleTeacher || !usr.Role.Allows("students:update") {
		t.Errorf("usr.Role = %+v; want resolved teacher role", usr.Role)
	}
	if !usr.IsActive {
		t.Error("new users should be active")
	}

	// unknown role is a field error
	_, err := svc.Create(ctx, user.NewUser{
		Username: "bob", Email: "bob@shule.app", FirstName: "B", LastName: "B",
		Role: "janitor", Password: "Aw3$0m3Pass", PasswordConfirm: "Aw3$0m3Pass",
	})
	vErr, ok := err.(*core.ValidationError)
	if !ok {
		t.Fatalf("err = %v; want *core.ValidationError", err)
	}
	if len(vErr.Fields) != 1 || vErr.Fields[0].Field != "role" {
		t.Errorf("vErr.Fields = %+v; want single role error", vErr.Fields)
	}
}

func TestServiceAuthenticate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	createUser(t, svc, "asha", "asha@shule.app", user.RoleParent, "Aw3$0m3Pass", true)
	createUser(t, svc, "gone", "gone@shule.app", user.RoleParent, "Aw3$0m3Pass", false)

	// all failures collapse to the same error
	for _, tt := range []struct {
		name, uname, pwd string
	}{
		{"unknown user", "nobody", "Aw3$0m3Pass"},
		{"wrong password", "asha", "wr0ng&pass"},
		{"inactive account", "gone", "Aw3$0m3Pass"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Authenticate(ctx, tt.uname, tt.pwd); err != user.ErrInvalidCredentials {
				t.Errorf("Authenticate() error = %v; want %v", err, user.ErrInvalidCredentials)
			}
		})
	}

	// success records the login time
	before := time.Now().UTC()
	usr, err := svc.Authenticate(ctx, "asha", "Aw3$0m3Pass")
	if err != nil {
		t.Fatalf("Authenticate(): %v", err)
	}
	if usr.LastLogin.Before(before) {
		t.Errorf("LastLogin = %v; want >= %v", usr.LastLogin, before)
	}

	// email works as the login name too
	if _, err = svc.Authenticate(ctx, "Asha@shule.app", "Aw3$0m3Pass"); err != nil {
		t.Errorf("Authenticate() by email: %v", err)
	}
}

// brokenLoginStampRepo fails every last-login write.
type brokenLoginStampRepo struct {
	user.Repository
}

func (brokenLoginStampRepo) SetLastLogin(context.Context, string, time.Time) error {
	return errors.New("store is down")
}

// The last-login write is best-effort: a failed write is logged but never
// fails the login.
func TestServiceAuthenticateSurvivesLastLoginWriteFailure(t *testing.T) {
	svc := newTestServiceWithRepo(t, func(repo user.Repository) user.Repository {
		return brokenLoginStampRepo{repo}
	})
	ctx := context.Background()

	createUser(t, svc, "juma", "juma@shule.app", user.RoleTeacher, "Aw3$0m3Pass", true)

	usr, err := svc.Authenticate(ctx, "juma", "Aw3$0m3Pass")
	if err != nil {
		t.Fatalf("Authenticate(): %v", err)
	}
	if usr.Username != "juma" {
		t.Errorf("Authenticate() user = %v; want juma", usr.Username)
	}
	if !usr.LastLogin.IsZero() {
		t.Errorf("LastLogin = %v; want zero when the write failed", usr.LastLogin)
	}
}

func TestServiceChangePassword(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	usr := createUser(t, svc, "zawadi", "zawadi@shule.app", user.RoleStudent, "0ldP@ssw0rd!", true)

	if err := svc.ChangePassword(ctx, usr, user.ChangePassword{CurrentPassword: "n0pe", NewPassword: "N3w$ecret9"}); err != user.ErrWrongPassword {
		t.Errorf("ChangePassword() error = %v; want %v", err, user.ErrWrongPassword)
	}
	if err := svc.ChangePassword(ctx, usr, user.ChangePassword{CurrentPassword: "0ldP@ssw0rd!", NewPassword: "N3w$ecret9"}); err != nil {
		t.Fatalf("ChangePassword(): %v", err)
	}

	if _, err := svc.Authenticate(ctx, "zawadi", "0ldP@ssw0rd!"); err != user.ErrInvalidCredentials {
		t.Error("old password still authenticates")
	}
	if _, err := svc.Authenticate(ctx, "zawadi", "N3w$ecret9"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}
}

func TestServicePasswordReset(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	createUser(t, svc, "tatu", "tatu@shule.app", user.RoleParent, "0ldP@ssw0rd!", true)
	createUser(t, svc, "gone", "gone@shule.app", user.RoleParent, "0ldP@ssw0rd!", false)

	if err := svc.RequestPasswordReset(ctx, "nobody@shule.app"); err != user.ErrNotFound {
		t.Errorf("RequestPasswordReset(unknown) error = %v; want %v", err, user.ErrNotFound)
	}
	if err := svc.RequestPasswordReset(ctx, "gone@shule.app"); err != user.ErrNotFound {
		t.Errorf("RequestPasswordReset(inactive) error = %v; want %v", err, user.ErrNotFound)
	}
	if err := svc.RequestPasswordReset(ctx, "tatu@shule.app"); err != nil {
		t.Errorf("RequestPasswordReset(): %v", err)
	}

	// a bogus uid/token pair is a validation error
	err := svc.ResetPassword(ctx, user.ResetUserPassword{
		UID: "bm9wZQ", Token: "bad-token", Password: "N3w$ecret9", PasswordConfirm: "N3w$ecret9",
	})
	if _, ok := err.(*core.ValidationError); !ok {
		t.Errorf("ResetPassword() error = %T(%v); want *core.ValidationError", err, err)
	}
}

func TestServiceEnsureDefaultRolesIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// run twice on top of the seeded setup
	if err := svc.EnsureDefaultRoles(ctx); err != nil {
		t.Fatalf("EnsureDefaultRoles(): %v", err)
	}
	roles, err := svc.QueryRoles(ctx)
	if err != nil {
		t.Fatalf("QueryRoles(): %v", err)
	}
	if len(roles) != len(user.DefaultRoles) {
		t.Errorf("roles = %d; want %d", len(roles), len(user.DefaultRoles))
	}

	// existing roles are never mutated
	admin, err := svc.GetRoleByName(ctx, user.RoleAdmin)
	if err != nil {
		t.Fatalf("GetRoleByName(): %v", err)
	}
	if !admin.Allows("anything:whatsoever") {
		t.Error("admin role lost the wildcard")
	}
}

func TestServiceUniqueness(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	createUser(t, svc, "first", "first@shule.app", user.RoleStudent, "Aw3$0m3Pass", true)

	nu := &user.NewUser{
		Username: "first", Email: "other@shule.app", FirstName: "F", LastName: "L",
		Role: user.RoleStudent, Password: "Aw3$0m3Pass", PasswordConfirm: "Aw3$0m3Pass",
	}
	err := nu.Validate(ctx, testValidate(t), svc)
	vErr, ok := err.(*core.ValidationError)
	if !ok {
		t.Fatalf("err = %T(%v); want *core.ValidationError", err, err)
	}
	if len(vErr.Fields) != 1 || vErr.Fields[0].Field != "username" {
		t.Errorf("vErr.Fields = %+v; want username error", vErr.Fields)
	}
}
