package dummydb

import (
	"context"

	"github.com/google/uuid"

	"github.com/shuleapp/shule/core/user"
)

type roleRepository struct {
	db *roleTable
}

var _ user.RoleRepository = (*roleRepository)(nil) // interface compliance check

func NewRoleRepository(db *DB) user.RoleRepository {
	return &roleRepository{db: db.role}
}

func (repo *roleRepository) QueryAllRoles(_ context.Context) ([]user.Role, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	roles := make([]user.Role, 0, len(repo.db.table))
	for _, r := range repo.db.table {
		roles = append(roles, *r)
	}
	return roles, nil
}

func (repo *roleRepository) GetRoleByName(_ context.Context, name string) (user.Role, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if role, ok := repo.db.table[name]; ok {
		return *role, nil
	}
	return user.Role{}, user.ErrRoleNotFound
}

func (repo *roleRepository) CreateRole(_ context.Context, role user.Role) (user.Role, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if role.ID == "" {
		role.ID = uuid.New().String()
	}
	repo.db.table[role.Name] = &role
	return role, nil
}
