// Package dummydb provides an in-memory database used in tests and as a
// stand-in store when no Postgres is available.
package dummydb

import (
	"sync"

	"github.com/shuleapp/shule/core/user"
)

type (
	DB struct {
		user *userTable
		role *roleTable
	}

	userTable struct {
		sync.RWMutex
		table map[string]*user.User
	}

	roleTable struct {
		sync.RWMutex
		table map[string]*user.Role // keyed by name
	}
)

func Open() (*DB, error) {
	db := &DB{
		user: &userTable{table: make(map[string]*user.User)},
		role: &roleTable{table: make(map[string]*user.Role)},
	}
	return db, nil
}
