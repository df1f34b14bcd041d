// Package users defines the user model and the credential-store contract
// for it. Users are created and edited by administrative tooling; the core
// only reads them.
package users

import (
	"context"
	"time"
)

// Scope is the authorization level of a user.
type Scope string

const (
	ScopeAdmin Scope = "adminAuth"
	ScopeUser  Scope = "userAuth"
)

// User is an account known to a hub. PasswordHash is a bcrypt hash;
// SessionTimeout bounds the age of any session owned by this user.
type User struct {
	Email          string
	DisplayName    string
	PasswordHash   string
	IgnoreTFA      bool
	SessionTimeout time.Duration
	Scope          Scope
}

type Repository interface {
	GetUser(ctx context.Context, email string) (*User, error)
	GetUsers(ctx context.Context) ([]*User, error)
	CreateUser(ctx context.Context, user *User) error
	DeleteUser(ctx context.Context, email string) error
}
