package hub

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/casalink/casalink/internal/auth"
	"github.com/casalink/casalink/internal/common"
	"github.com/casalink/casalink/internal/logging"
	"github.com/casalink/casalink/internal/repositories/users"
)

// API is the hub's local HTTP surface. The same handler serves LAN clients
// directly and remote clients through the relay responder.
type API struct {
	auth   *auth.AuthenticationService
	logger logging.Logger
}

func NewAPI(authService *auth.AuthenticationService, logger logging.Logger) *API {
	return &API{auth: authService, logger: logger}
}

// Handler builds the API routing table.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /API/auth/login", a.handleLogin)
	mux.HandleFunc("DELETE /API/auth/logout", a.handleLogout)
	mux.HandleFunc("GET /API/users/profile", a.handleProfile)
	return mux
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds auth.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := a.auth.Login(r.Context(), auth.ResponseWriterSink{W: w}, creds)
	if err != nil {
		if errors.Is(err, common.ErrBadCredentials) {
			writeError(w, http.StatusForbidden, common.ErrBadCredentials.Error())
			return
		}
		a.logger.Error(r.Context(), "login failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, profileView(user))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	if key == "" {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}

	if err := a.auth.Logout(r.Context(), auth.ResponseWriterSink{W: w}, key); err != nil {
		a.logger.Error(r.Context(), "logout failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, profileView(user))
}

// authenticate resolves the request's session cookie to a user, writing the
// appropriate error response when it cannot.
func (a *API) authenticate(w http.ResponseWriter, r *http.Request) (*users.User, bool) {
	key := sessionKey(r)
	if key == "" {
		writeError(w, http.StatusUnauthorized, "no session")
		return nil, false
	}

	_, user, err := a.auth.Authenticate(r.Context(), key)
	if err != nil {
		switch {
		case errors.Is(err, common.ErrorNotFound), errors.Is(err, common.ErrSessionExpired):
			writeError(w, http.StatusUnauthorized, "session invalid or expired")
		default:
			a.logger.Error(r.Context(), "authentication failed", "error", err.Error())
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return nil, false
	}
	return user, true
}

func sessionKey(r *http.Request) string {
	cookie, err := r.Cookie(common.SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

type userProfile struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Scope       string `json:"scope"`
}

func profileView(u *users.User) userProfile {
	return userProfile{Email: u.Email, DisplayName: u.DisplayName, Scope: string(u.Scope)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
