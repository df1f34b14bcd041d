package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/casalink/casalink/internal/common"
	"github.com/casalink/casalink/internal/cryptox"
	"github.com/casalink/casalink/internal/repositories/sessions"
	"github.com/casalink/casalink/internal/repositories/users"
)

// Credentials are what a client submits to the login endpoint.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CookieSink receives the session cookie on successful login. It exists so
// the service can be driven from tests and from transports other than
// net/http.
type CookieSink interface {
	SetCookie(cookie *http.Cookie)
}

// ResponseWriterSink adapts an http.ResponseWriter into a CookieSink.
type ResponseWriterSink struct {
	W http.ResponseWriter
}

func (s ResponseWriterSink) SetCookie(cookie *http.Cookie) {
	http.SetCookie(s.W, cookie)
}

// AuthenticationService verifies credentials and manages session cookies.
type AuthenticationService struct {
	users         users.Repository
	sessions      *SessionManager
	hasher        cryptox.PasswordHasher
	secureCookies bool
}

func NewAuthenticationService(userRepo users.Repository, sm *SessionManager, hasher cryptox.PasswordHasher, secureCookies bool) *AuthenticationService {
	return &AuthenticationService{
		users:         userRepo,
		sessions:      sm,
		hasher:        hasher,
		secureCookies: secureCookies,
	}
}

// Login verifies the credentials and, on success, issues a session and sets
// the session cookie on the sink. An unknown email and a wrong password
// produce the identical error so a caller cannot probe which accounts exist.
func (s *AuthenticationService) Login(ctx context.Context, sink CookieSink, creds Credentials) (*users.User, error) {
	user, err := s.users.GetUser(ctx, creds.Email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrBadCredentials
		}
		return nil, common.ErrorInternal
	}

	if !s.hasher.Check(creds.Password, user.PasswordHash) {
		return nil, common.ErrBadCredentials
	}

	key, err := s.sessions.GenerateSession(ctx, user)
	if err != nil {
		return nil, common.ErrorInternal
	}

	sink.SetCookie(s.sessionCookie(key, user.SessionTimeout))
	return user, nil
}

// Logout removes the session behind the raw key and expires the cookie on
// the sink. Unknown keys log out cleanly.
func (s *AuthenticationService) Logout(ctx context.Context, sink CookieSink, key string) error {
	if err := s.sessions.DeleteSession(ctx, key); err != nil {
		return common.ErrorInternal
	}
	sink.SetCookie(s.expiredCookie())
	return nil
}

// Authenticate resolves a raw session key to its session and owning user.
// Unknown keys return common.ErrorNotFound; keys past the owner's timeout
// are purged and return common.ErrSessionExpired.
func (s *AuthenticationService) Authenticate(ctx context.Context, key string) (*sessions.Session, *users.User, error) {
	session, err := s.sessions.GetSession(ctx, key)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, nil, common.ErrorNotFound
		}
		return nil, nil, common.ErrorInternal
	}

	user, err := s.users.GetUser(ctx, session.Email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			// Owner deleted after the session was issued.
			return nil, nil, common.ErrSessionExpired
		}
		return nil, nil, common.ErrorInternal
	}

	stale, err := s.sessions.expireIfStale(ctx, session, user)
	if err != nil {
		return nil, nil, common.ErrorInternal
	}
	if stale {
		return nil, nil, common.ErrSessionExpired
	}

	return session, user, nil
}

func (s *AuthenticationService) sessionCookie(key string, timeout time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     common.SessionCookieName,
		Value:    key,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(timeout / time.Second),
	}
}

func (s *AuthenticationService) expiredCookie() *http.Cookie {
	return &http.Cookie{
		Name:     common.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	}
}
