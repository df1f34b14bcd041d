package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/casalink/casalink/internal/common"
	"github.com/casalink/casalink/internal/dbx"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetUser(ctx context.Context, email string) (*User, error) {
	query :=
		`SELECT email, display_name, password_hash, ignore_tfa, session_timeout_ms, scope
		 FROM users
		 WHERE email = $1
		 `

	user := &User{}
	var timeoutMS int64
	err := r.db.QueryRowContext(ctx, query, email).
		Scan(&user.Email, &user.DisplayName, &user.PasswordHash, &user.IgnoreTFA, &timeoutMS, &user.Scope)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	user.SessionTimeout = time.Duration(timeoutMS) * time.Millisecond
	return user, nil
}

func (r *PostgresRepository) GetUsers(ctx context.Context) ([]*User, error) {
	query :=
		`SELECT email, display_name, password_hash, ignore_tfa, session_timeout_ms, scope
		 FROM users
		 ORDER BY email
		 `

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*User
	for rows.Next() {
		user := &User{}
		var timeoutMS int64
		if err := rows.Scan(&user.Email, &user.DisplayName, &user.PasswordHash,
			&user.IgnoreTFA, &timeoutMS, &user.Scope); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		user.SessionTimeout = time.Duration(timeoutMS) * time.Millisecond
		result = append(result, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return result, nil
}

func (r *PostgresRepository) CreateUser(ctx context.Context, user *User) error {
	query :=
		`INSERT INTO users (email, display_name, password_hash, ignore_tfa, session_timeout_ms, scope)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 `

	_, err := r.db.ExecContext(ctx, query,
		user.Email, user.DisplayName, user.PasswordHash, user.IgnoreTFA,
		user.SessionTimeout.Milliseconds(), user.Scope)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

func (r *PostgresRepository) DeleteUser(ctx context.Context, email string) error {
	query := `DELETE FROM users WHERE email = $1`

	if _, err := r.db.ExecContext(ctx, query, email); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}
