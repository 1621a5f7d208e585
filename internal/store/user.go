package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/userdir/apiserver/types"
)

const pqUniqueViolation = "23505"

// UserRepository handles persistence for users.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (types.User, error) {
	const query = `
		SELECT username, full_name, age, city, role, password_hash, avatar_key, created_at, updated_at
		FROM users
		WHERE username = $1`
	var user types.User
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&user.Username,
		&user.FullName,
		&user.Age,
		&user.City,
		&user.Role,
		&user.PasswordHash,
		&user.AvatarKey,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return user, nil
}

// List returns every user record. No ordering is guaranteed.
func (r *UserRepository) List(ctx context.Context) ([]types.User, error) {
	const query = `
		SELECT username, full_name, age, city, role, password_hash, avatar_key, created_at, updated_at
		FROM users`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		var user types.User
		if err := rows.Scan(
			&user.Username,
			&user.FullName,
			&user.Age,
			&user.City,
			&user.Role,
			&user.PasswordHash,
			&user.AvatarKey,
			&user.CreatedAt,
			&user.UpdatedAt,
		); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	const query = `
		INSERT INTO users (username, full_name, age, city, role, password_hash, avatar_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.ExecContext(
		ctx,
		query,
		user.Username,
		user.FullName,
		user.Age,
		user.City,
		user.Role,
		user.PasswordHash,
		user.AvatarKey,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return types.User{}, ErrDuplicateUsername
		}
		return types.User{}, err
	}
	return user, nil
}

// UpdateProfile updates the three mutable profile fields. Role, password,
// and avatar are never touched here. A missing username is a silent no-op.
func (r *UserRepository) UpdateProfile(ctx context.Context, username, fullName string, age int, city string) error {
	const query = `
		UPDATE users
		SET full_name = $1,
			age = $2,
			city = $3,
			updated_at = $4
		WHERE username = $5`
	_, err := r.db.ExecContext(ctx, query, fullName, age, city, time.Now(), username)
	return err
}

func (r *UserRepository) SetRole(ctx context.Context, username string, role types.Role) error {
	const query = `
		UPDATE users
		SET role = $1,
			updated_at = $2
		WHERE username = $3`
	result, err := r.db.ExecContext(ctx, query, role, time.Now(), username)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

func (r *UserRepository) SetAvatarKey(ctx context.Context, username, key string) error {
	const query = `
		UPDATE users
		SET avatar_key = $1,
			updated_at = $2
		WHERE username = $3`
	result, err := r.db.ExecContext(ctx, query, key, time.Now(), username)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// Delete removes the user record. Cascading the avatar deletion is the
// service layer's job; the store returns ErrNotFound for a missing row.
func (r *UserRepository) Delete(ctx context.Context, username string) error {
	const query = `DELETE FROM users WHERE username = $1`
	result, err := r.db.ExecContext(ctx, query, username)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
