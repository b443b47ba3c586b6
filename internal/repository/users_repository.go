package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/poplovexz/qiyewenjian-sub002/internal/database"
	"github.com/poplovexz/qiyewenjian-sub002/internal/errors"
)

// UsersRepository reads the user directory. The directory is owned by the
// identity side of the platform; this service only upserts the entries
// declared in its own configuration.
type UsersRepository struct {
	db database.Querier
}

// NewUsersRepository creates a new UsersRepository.
func NewUsersRepository(db database.Querier) *UsersRepository {
	return &UsersRepository{db: db}
}

// GetUser returns a user by id, active or not.
func (r *UsersRepository) GetUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, name, department, active, roles
		FROM directory_users
		WHERE id = $1
	`

	u := &User{}
	err := r.db.QueryRow(ctx, query, id).Scan(&u.ID, &u.Name, &u.Department, &u.Active, &u.Roles)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("user", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}

// ListActiveUsersByRole returns active holders of a role ordered by id.
func (r *UsersRepository) ListActiveUsersByRole(ctx context.Context, role string) ([]*User, error) {
	query := `
		SELECT id, name, department, active, roles
		FROM directory_users
		WHERE active = TRUE AND $1 = ANY(roles)
		ORDER BY id ASC
	`

	rows, err := r.db.Query(ctx, query, role)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list users by role")
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u := &User{}
		if err := rows.Scan(&u.ID, &u.Name, &u.Department, &u.Active, &u.Roles); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user")
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate users")
	}
	return out, nil
}

// UpsertUser inserts or replaces a directory entry.
func (r *UsersRepository) UpsertUser(ctx context.Context, u *User) error {
	query := `
		INSERT INTO directory_users (id, name, department, active, roles, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE
		SET name       = EXCLUDED.name,
		    department = EXCLUDED.department,
		    active     = EXCLUDED.active,
		    roles      = EXCLUDED.roles,
		    updated_at = NOW()
	`

	roles := u.Roles
	if roles == nil {
		roles = []string{}
	}
	if _, err := r.db.Exec(ctx, query, u.ID, u.Name, u.Department, u.Active, roles); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert user")
	}
	return nil
}
