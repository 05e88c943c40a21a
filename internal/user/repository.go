package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const userColumns = `
	id, username, email, COALESCE(password_hash, ''), COALESCE(phone_number, ''),
	COALESCE(address, ''), COALESCE(bio, ''), COALESCE(avatar_url, ''),
	login_attempts, status, created_at, updated_at
`

func (r *Repository) GetByID(ctx context.Context, id int64) (User, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

func (r *Repository) GetByUsername(ctx context.Context, username string) (User, error) {
	return r.getOne(ctx, `WHERE username = $1`, username)
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (User, error) {
	return r.getOne(ctx, `WHERE email = $1`, email)
}

// GetByLogin resolves a login identifier that may be either an email or a
// username, trying email first.
func (r *Repository) GetByLogin(ctx context.Context, login string) (User, error) {
	u, err := r.GetByEmail(ctx, login)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}
	return r.GetByUsername(ctx, login)
}

func (r *Repository) getOne(ctx context.Context, where string, arg any) (User, error) {
	var u User
	err := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users `+where, arg).Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.PhoneNumber,
		&u.Address, &u.Bio, &u.AvatarURL,
		&u.LoginAttempts, &u.Status, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("query user: %w", err)
	}

	if u.Roles, err = r.loadRoles(ctx, u.ID); err != nil {
		return User{}, err
	}

	return u, nil
}

func (r *Repository) loadRoles(ctx context.Context, userID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT r.name
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query user roles: %w", err)
	}
	defer rows.Close()

	roles := make([]string, 0, 2)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}

	return roles, nil
}

func (r *Repository) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)`, username)
}

func (r *Repository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)`, email)
}

func (r *Repository) exists(ctx context.Context, query, arg string) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, arg).Scan(&exists); err != nil {
		return false, fmt.Errorf("query user existence: %w", err)
	}
	return exists, nil
}

// Create inserts the user and its role assignments in one transaction,
// creating any role rows that do not exist yet. The generated id and
// timestamps are written back into u.
func (r *Repository) Create(ctx context.Context, u *User) error {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create user tx: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (username, email, password_hash, phone_number, address, bio, avatar_url, login_attempts, status, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, 0, $8, $9, $9)
		RETURNING id
	`, u.Username, u.Email, u.PasswordHash, u.PhoneNumber, u.Address, u.Bio, u.AvatarURL, u.Status, now).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	if err := assignRoles(ctx, tx, u.ID, u.Roles); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create user tx: %w", err)
	}

	u.CreatedAt = now
	u.UpdatedAt = now
	return nil
}

// Update rewrites the user's mutable columns and replaces its role set.
func (r *Repository) Update(ctx context.Context, u *User) error {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update user tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE users
		SET username = $2, email = $3, password_hash = NULLIF($4, ''), phone_number = $5,
			address = $6, bio = $7, avatar_url = $8, status = $9, updated_at = $10
		WHERE id = $1
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.PhoneNumber, u.Address, u.Bio, u.AvatarURL, u.Status, now)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = $1`, u.ID); err != nil {
		return fmt.Errorf("clear user roles: %w", err)
	}
	if err := assignRoles(ctx, tx, u.ID, u.Roles); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update user tx: %w", err)
	}

	u.UpdatedAt = now
	return nil
}

func assignRoles(ctx context.Context, tx *sql.Tx, userID int64, roles []string) error {
	for _, name := range roles {
		var roleID int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO roles (name)
			VALUES ($1)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id
		`, name).Scan(&roleID)
		if err != nil {
			return fmt.Errorf("ensure role %s: %w", name, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_roles (user_id, role_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, userID, roleID); err != nil {
			return fmt.Errorf("assign role %s: %w", name, err)
		}
	}
	return nil
}

// IncrementLoginAttempts bumps the failed-login counter after a rejected
// password. The counter lives on the user row; the auth service only asks
// for increments and resets.
func (r *Repository) IncrementLoginAttempts(ctx context.Context, username string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET login_attempts = login_attempts + 1, updated_at = $2
		WHERE username = $1
	`, username, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("increment login attempts: %w", err)
	}
	return nil
}

func (r *Repository) ResetLoginAttempts(ctx context.Context, username string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET login_attempts = 0, updated_at = $2
		WHERE username = $1
	`, username, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}
	return nil
}

func (r *Repository) List(ctx context.Context, limit, offset int) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		ORDER BY created_at ASC, id ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0, limit)
	for rows.Next() {
		var u User
		if err := rows.Scan(
			&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.PhoneNumber,
			&u.Address, &u.Bio, &u.AvatarURL,
			&u.LoginAttempts, &u.Status, &u.CreatedAt, &u.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	for i := range users {
		if users[i].Roles, err = r.loadRoles(ctx, users[i].ID); err != nil {
			return nil, err
		}
	}

	return users, nil
}

func (r *Repository) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return total, nil
}
