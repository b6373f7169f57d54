package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/shuleapp/shule/core/user"
)

type roleRepository struct {
	db *sqlx.DB
}

var _ user.RoleRepository = (*roleRepository)(nil) // interface compliance check

func NewRoleRepository(db *sqlx.DB) *roleRepository {
	return &roleRepository{db: db}
}

type roleRow struct {
	ID          string         `db:"id"`
	Name        string         `db:"name"`
	Description string         `db:"description"`
	Permissions pq.StringArray `db:"permissions"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r roleRow) role() user.Role {
	return user.Role{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Permissions: r.Permissions,
		CreatedAt:   r.CreatedAt,
	}
}

const selectRoles = `SELECT id, name, description, permissions, created_at FROM roles`

func (repo roleRepository) QueryAllRoles(ctx context.Context) ([]user.Role, error) {
	var rows []roleRow
	if err := repo.db.SelectContext(ctx, &rows, selectRoles+` ORDER BY name`); err != nil {
		return nil, errors.Wrap(err, "querying roles")
	}
	roles := make([]user.Role, 0, len(rows))
	for _, row := range rows {
		roles = append(roles, row.role())
	}
	return roles, nil
}

func (repo roleRepository) GetRoleByName(ctx context.Context, name string) (user.Role, error) {
	var row roleRow
	if err := repo.db.GetContext(ctx, &row, selectRoles+` WHERE name = $1`, name); err != nil {
		if err == sql.ErrNoRows {
			return user.Role{}, user.ErrRoleNotFound
		}
		return user.Role{}, errors.Wrap(err, "getting role by name")
	}
	return row.role(), nil
}

func (repo roleRepository) CreateRole(ctx context.Context, role user.Role) (user.Role, error) {
	role.ID = uuid.New().String()
	q := `INSERT INTO roles (id, name, description, permissions, created_at) VALUES ($1, $2, $3, $4, $5)`
	if _, err := repo.db.ExecContext(ctx, q, role.ID, role.Name, role.Description, pq.Array(role.Permissions), role.CreatedAt); err != nil {
		return user.Role{}, errors.Wrap(err, "inserting role")
	}
	return role, nil
}
