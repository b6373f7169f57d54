package main

import (
	"context"

	"github.com/pkg/errors"

	"github.com/shuleapp/shule/core"
	"github.com/shuleapp/shule/core/user"
)

// addUser creates a user with the given role, or reactivates and updates an
// existing one.
func (cli *commandLine) addUser(uname, email, role, pwd string) error {
	ctx := context.Background()
	uname = core.CleanString(uname, true /* lower */)
	email = core.CleanString(email, true /* lower */)

	usr, err := cli.usrSvc.GetByUsernameOrEmail(ctx, uname)
	if err != nil {
		if errors.Cause(err) != user.ErrNotFound {
			return err
		}
		_, err = cli.usrSvc.Create(ctx, user.NewUser{
			Username:        uname,
			Email:           email,
			FirstName:       uname,
			LastName:        uname,
			Role:            role,
			Password:        pwd,
			PasswordConfirm: pwd,
		})
		return err
	}

	active := true
	_, err = cli.usrSvc.Update(ctx, usr.ID, user.UpdateUser{
		Email:           email,
		Role:            role,
		IsActive:        &active,
		Password:        pwd,
		PasswordConfirm: pwd,
	})
	return err
}
