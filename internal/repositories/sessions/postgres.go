package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/casalink/casalink/internal/common"
	"github.com/casalink/casalink/internal/dbx"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetSession(ctx context.Context, keyHash string) (*Session, error) {
	query :=
		`SELECT key_hash, created_at, email FROM sessions
		 WHERE key_hash = $1
		 `

	session := &Session{}
	err := r.db.QueryRowContext(ctx, query, keyHash).
		Scan(&session.KeyHash, &session.CreatedAt, &session.Email)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return session, nil
}

func (r *PostgresRepository) GetSessions(ctx context.Context) ([]*Session, error) {
	query := `SELECT key_hash, created_at, email FROM sessions`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*Session
	for rows.Next() {
		session := &Session{}
		if err := rows.Scan(&session.KeyHash, &session.CreatedAt, &session.Email); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		result = append(result, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return result, nil
}

func (r *PostgresRepository) CreateSession(ctx context.Context, session *Session) error {
	query :=
		`INSERT INTO sessions (key_hash, created_at, email)
		 VALUES ($1, $2, $3)
		 `

	_, err := r.db.ExecContext(ctx, query, session.KeyHash, session.CreatedAt, session.Email)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

func (r *PostgresRepository) DeleteSession(ctx context.Context, keyHash string) error {
	query := `DELETE FROM sessions WHERE key_hash = $1`

	if _, err := r.db.ExecContext(ctx, query, keyHash); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}
