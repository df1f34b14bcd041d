package users

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/casalink/casalink/internal/common"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

const selectUserQ = `(?s)^SELECT\s+email,\s*display_name,\s*password_hash,\s*ignore_tfa,\s*session_timeout_ms,\s*scope\s+FROM\s+users\s+WHERE\s+email\s*=\s*\$1\s*$`

func TestGetUser_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"email", "display_name", "password_hash", "ignore_tfa", "session_timeout_ms", "scope"}).
		AddRow("alice@casa.net", "Alice", "$2a$hash", false, int64(3600000), "userAuth")
	mock.ExpectQuery(selectUserQ).
		WithArgs("alice@casa.net").
		WillReturnRows(rows)

	got, err := repo.GetUser(context.Background(), "alice@casa.net")
	if err != nil {
		t.Fatalf("GetUser error: %v", err)
	}
	if got.Email != "alice@casa.net" || got.DisplayName != "Alice" {
		t.Fatalf("unexpected user: %+v", got)
	}
	if got.SessionTimeout != time.Hour {
		t.Fatalf("unexpected session timeout: %v", got.SessionTimeout)
	}
	if got.Scope != ScopeUser {
		t.Fatalf("unexpected scope: %v", got.Scope)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(selectUserQ).
		WithArgs("ghost@casa.net").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetUser(context.Background(), "ghost@casa.net")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
}

func TestGetUser_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(selectUserQ).
		WithArgs("alice@casa.net").
		WillReturnError(errors.New("db down"))

	_, err := repo.GetUser(context.Background(), "alice@casa.net")
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestGetUsers_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^SELECT\s+email,\s*display_name,\s*password_hash,\s*ignore_tfa,\s*session_timeout_ms,\s*scope\s+FROM\s+users\s+ORDER\s+BY\s+email\s*$`

	rows := sqlmock.NewRows([]string{"email", "display_name", "password_hash", "ignore_tfa", "session_timeout_ms", "scope"}).
		AddRow("admin@casa.net", "Admin", "h1", true, int64(60000), "adminAuth").
		AddRow("bob@casa.net", "Bob", "h2", false, int64(120000), "userAuth")
	mock.ExpectQuery(q).WillReturnRows(rows)

	got, err := repo.GetUsers(context.Background())
	if err != nil {
		t.Fatalf("GetUsers error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 users, got %d", len(got))
	}
	if got[0].Scope != ScopeAdmin || got[1].SessionTimeout != 2*time.Minute {
		t.Fatalf("unexpected users: %+v, %+v", got[0], got[1])
	}
}

func TestCreateUser_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^INSERT\s+INTO\s+users\s*\(email,\s*display_name,\s*password_hash,\s*ignore_tfa,\s*session_timeout_ms,\s*scope\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5,\s*\$6\)\s*$`

	mock.ExpectExec(q).
		WithArgs("alice@casa.net", "Alice", "hash", false, int64(3600000), "userAuth").
		WillReturnResult(sqlmock.NewResult(0, 1))

	u := &User{
		Email:          "alice@casa.net",
		DisplayName:    "Alice",
		PasswordHash:   "hash",
		SessionTimeout: time.Hour,
		Scope:          ScopeUser,
	}
	if err := repo.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser error: %v", err)
	}
}

func TestCreateUser_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^INSERT\s+INTO\s+users`

	mock.ExpectExec(q).
		WillReturnError(errors.New("duplicate key"))

	u := &User{Email: "alice@casa.net", SessionTimeout: time.Hour, Scope: ScopeUser}
	err := repo.CreateUser(context.Background(), u)
	if err == nil || !regexp.MustCompile(`db error: .*duplicate key`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestDeleteUser_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^DELETE\s+FROM\s+users\s+WHERE\s+email\s*=\s*\$1\s*$`

	mock.ExpectExec(q).
		WithArgs("alice@casa.net").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.DeleteUser(context.Background(), "alice@casa.net"); err != nil {
		t.Fatalf("DeleteUser error: %v", err)
	}
}
