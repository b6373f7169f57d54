package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/mail"
	"strconv"
	"testing"
	"time"

	"github.com/shuleapp/shule/core"
	"github.com/shuleapp/shule/core/user"
	emailsvc "github.com/shuleapp/shule/services/email"
	dummydb "github.com/shuleapp/shule/storage/database/dummy"
)

type nopLogger struct{}

func (nopLogger) Enable(bool)                  {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Fatal(string, ...interface{}) {}

func setup(t *testing.T) *commandLine {
	t.Helper()

	conf := &core.Config{
		Env:                       "TEST",
		TestMode:                  true,
		AppName:                   "Shule",
		SecretKey:                 "secret",
		DefaultFromEmail:          mail.Address{Name: "Shule", Address: "noreply@localhost"},
		PasswordResetTimeoutDelta: 3 * 24 * time.Hour,
	}

	db, err := dummydb.Open()
	if err != nil {
		t.Fatalf("dummydb.Open(): %v", err)
	}
	usrSvc := user.NewService(
		conf, nopLogger{},
		dummydb.NewUserRepository(db),
		dummydb.NewRoleRepository(db),
		emailsvc.NewConsoleServiceMock(conf),
	)
	if err = usrSvc.EnsureDefaultRoles(context.Background()); err != nil {
		t.Fatalf("EnsureDefaultRoles(): %v", err)
	}

	return &commandLine{usrSvc: usrSvc}
}

func createUser(t *testing.T, cli *commandLine, uname, email, role, pwd string) user.User {
	t.Helper()

	usr, err := cli.usrSvc.Create(context.Background(), user.NewUser{
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
	return usr
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
	extra      interface{}
}

func Test_commandLine_migrate(t *testing.T) {
	cli := setup(t)

	gooseRunFunc = func(command string, db *sql.DB, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to", "down-to":
			if len(args) == 0 {
				return fmt.Errorf("%s must be of form: goose [OPTIONS] DRIVER DBSTRING %s VERSION", command, command)
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		case "create":
			if len(args) == 0 {
				return fmt.Errorf("create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]")
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	tests := []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "create: no args", args: []string{"migrate", "create"}, wantErrStr: "create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]"},
		{name: "down-to: no args", args: []string{"migrate", "down-to"}, wantErrStr: "down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-to", args: []string{"migrate", "up-to", "2"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "down-to", args: []string{"migrate", "down-to", "1"}},
		{name: "redo", args: []string{"migrate", "redo"}},
		{name: "reset", args: []string{"migrate", "reset"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "version", args: []string{"migrate", "version"}},
		{name: "create", args: []string{"migrate", "create", "course", "sql"}},
		{name: "fix", args: []string{"migrate", "fix"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			if err := cli.run(args); err != nil {
				if tt.wantErr != nil {
					if err != tt.wantErr {
						t.Errorf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
					}
				} else if tt.wantErrStr != "" {
					if err.Error() != tt.wantErrStr {
						t.Errorf("cli.run() error.Error() = %s, wantErrStr %s", err.Error(), tt.wantErrStr)
					}
				} else {
					t.Errorf("cli.run() unexpected error = %v", err)
				}
			}
		})
	}
}

func Test_commandLine_resetPassword(t *testing.T) {
	cli := setup(t)

	usr := createUser(t, cli, "awe", "awe@shule.app", user.RoleTeacher, "0r1gin@lPwd")

	type extra struct {
		pwd string
	}
	tests := []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "no args", args: []string{"resetpassword"}, wantErr: errHelp},
		{name: "username but no password", args: []string{"resetpassword", "-username", "lol"}, wantErr: errHelp},
		{name: "user not found", args: []string{"resetpassword", "-username", "lol"}, extra: extra{pwd: "lol"}, wantErr: user.ErrNotFound},
		{name: "reset with username", args: []string{"resetpassword", "-username", usr.Username}, extra: extra{pwd: "n3wP@ss1"}},
		{name: "reset with email", args: []string{"resetpassword", "-username", usr.Email}, extra: extra{pwd: "n3wP@ss2"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		readPasswordFunc = func(fd int) ([]byte, error) {
			if extra, ok := tt.extra.(extra); ok {
				return []byte(extra.pwd), nil
			}
			return nil, nil
		}

		t.Run(tt.name, func(t *testing.T) {
			err := cli.run(args)
			if err == nil {
				refreshedUsr, err := cli.usrSvc.GetByID(context.Background(), usr.ID)
				if err != nil {
					t.Fatalf("GetByID() failed, %v", err)
				}
				if cErr := refreshedUsr.CheckPassword(tt.extra.(extra).pwd); cErr != nil {
					t.Error("failed to update new password")
				}
			} else if err != tt.wantErr {
				t.Errorf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func Test_commandLine_addUser(t *testing.T) {
	cli := setup(t)

	readPasswordFunc = func(fd int) ([]byte, error) { return []byte("@dminP@ss1"), nil }

	// creates a fresh admin
	if err := cli.run([]string{"admin", "adduser", "-username", "boss", "-email", "boss@shule.app"}); err != nil {
		t.Fatalf("cli.run(): %v", err)
	}
	usr, err := cli.usrSvc.GetByUsername(context.Background(), "boss")
	if err != nil {
		t.Fatalf("GetByUsername(): %v", err)
	}
	if !usr.IsAdmin() || !usr.IsActive {
		t.Errorf("usr = %+v; want an active admin", usr)
	}

	// deactivate, then adduser again: reactivates and resets the password
	deactivated := false
	if _, err = cli.usrSvc.Update(context.Background(), usr.ID, user.UpdateUser{IsActive: &deactivated}); err != nil {
		t.Fatalf("svc.Update(): %v", err)
	}
	readPasswordFunc = func(fd int) ([]byte, error) { return []byte("@dminP@ss2"), nil }
	if err = cli.run([]string{"admin", "adduser", "-username", "boss", "-email", "boss@shule.app"}); err != nil {
		t.Fatalf("cli.run(): %v", err)
	}
	if usr, err = cli.usrSvc.GetByUsername(context.Background(), "boss"); err != nil {
		t.Fatalf("GetByUsername(): %v", err)
	}
	if !usr.IsActive {
		t.Error("adduser did not reactivate the account")
	}
	if cErr := usr.CheckPassword("@dminP@ss2"); cErr != nil {
		t.Error("adduser did not reset the password")
	}

	// unknown role is a validation error
	if err = cli.run([]string{"admin", "adduser", "-username", "newbie", "-email", "newbie@shule.app", "-role", "janitor"}); err == nil {
		t.Error("cli.run() accepted an unknown role")
	}
}
