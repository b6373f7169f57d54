package main

import "context"

func (cli *commandLine) seedRoles() error {
	return cli.usrSvc.EnsureDefaultRoles(context.Background())
}
