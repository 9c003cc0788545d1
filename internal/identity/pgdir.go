package identity

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/flowline/model"
)

// PgDirectory is a PostgreSQL-backed Directory using pgx/v5.
type PgDirectory struct {
	pool *pgxpool.Pool
}

// NewPgDirectory creates a new PostgreSQL user directory.
func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

const userColumns = `id, email, full_name, role, active, created_at`

// Get retrieves a user by ID.
func (d *PgDirectory) Get(ctx context.Context, userID string) (model.User, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	u, err := scanUser(row)
	if err == pgx.ErrNoRows {
		return model.User{}, model.Errorf(model.ErrUserNotFound, "user %q not found", userID)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// GetByEmail retrieves a user by email.
func (d *PgDirectory) GetByEmail(ctx context.Context, email string) (model.User, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	u, err := scanUser(row)
	if err == pgx.ErrNoRows {
		return model.User{}, model.Errorf(model.ErrUserNotFound, "user with email %q not found", email)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user by email: %w", err)
	}
	return u, nil
}

// List returns all active users ordered by email.
func (d *PgDirectory) List(ctx context.Context) ([]model.User, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE active ORDER BY email ASC`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// HealthCheck verifies database connectivity.
func (d *PgDirectory) HealthCheck(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

func scanUser(row pgx.Row) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.Role, &u.Active, &u.CreatedAt)
	return u, err
}

var _ Directory = (*PgDirectory)(nil)
