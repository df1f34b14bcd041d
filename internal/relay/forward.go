package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/casalink/casalink/internal/common"
	"github.com/casalink/casalink/internal/logging"
	"github.com/casalink/casalink/internal/protocol"
	"github.com/google/uuid"
)

const loginPath = "/API/auth/login"

// maxForwardBody bounds the request body a remote client may push through
// the relay.
const maxForwardBody = 2 << 20

// Forwarder relays API requests from remote clients to the hub that owns
// the requesting user, and turns the hub's answer back into an HTTP
// response.
type Forwarder struct {
	config   *Config
	registry *Registry
	logger   logging.Logger
}

func NewForwarder(cfg *Config, registry *Registry, logger logging.Logger) *Forwarder {
	return &Forwarder{config: cfg, registry: registry, logger: logger}
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxForwardBody))
	if err != nil {
		http.Error(w, "error reading request body", http.StatusBadRequest)
		return
	}

	sessionKey := ""
	if cookie, err := r.Cookie(common.SessionCookieName); err == nil {
		sessionKey = cookie.Value
	}

	hub, ok := f.resolveHub(r, sessionKey, body)
	if !ok {
		http.Error(w, "user name or password incorrect", http.StatusForbidden)
		return
	}

	requestID := uuid.NewString()
	handle, err := hub.Table().Register(requestID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	req := &protocol.HTTPRequest{
		RequestID:   requestID,
		HTTPMethod:  r.Method,
		HTTPPath:    r.URL.RequestURI(),
		HTTPBody:    body,
		HTTPSession: sessionKey,
	}
	if err := hub.Send(protocol.NewHTTPRequestMessage(req)); err != nil {
		hub.Table().Expire(requestID)
		f.logger.Warn(ctx, "forward send failed", "mac", hub.Mac(), "error", err.Error())
		http.Error(w, "hub unavailable", http.StatusBadGateway)
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, f.config.ForwardTimeout)
	defer cancel()

	resp, err := handle.Wait(waitCtx)
	if err != nil {
		switch {
		case errors.Is(err, common.ErrRequestTimeout):
			http.Error(w, "hub did not answer in time", http.StatusGatewayTimeout)
		case errors.Is(err, common.ErrConnectionLost):
			http.Error(w, "hub connection lost", http.StatusBadGateway)
		default:
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	f.writeResponse(w, r, hub, sessionKey, resp)
}

// resolveHub picks the hub a request should go to: by the session that
// issued it, or, for a login attempt, by the email in the request body.
func (f *Forwarder) resolveHub(r *http.Request, sessionKey string, body []byte) (*Hub, bool) {
	if sessionKey != "" {
		if hub, ok := f.registry.HubForSession(sessionKey); ok {
			return hub, true
		}
	}

	if r.Method == http.MethodPost && r.URL.Path == loginPath {
		var creds struct {
			Email string `json:"email"`
		}
		if err := json.Unmarshal(body, &creds); err == nil && creds.Email != "" {
			return f.registry.HubForUser(creds.Email)
		}
	}

	return nil, false
}

func (f *Forwarder) writeResponse(w http.ResponseWriter, r *http.Request, hub *Hub, oldSession string, resp *protocol.HTTPResponse) {
	if resp.HTTPSession != nil {
		f.registry.RememberSession(resp.HTTPSession.Key, hub.Mac())
		http.SetCookie(w, &http.Cookie{
			Name:     common.SessionCookieName,
			Value:    resp.HTTPSession.Key,
			Path:     "/",
			HttpOnly: true,
			Secure:   r.TLS != nil,
			SameSite: http.SameSiteStrictMode,
			MaxAge:   int(time.Duration(resp.HTTPSession.MaxAge) * time.Millisecond / time.Second),
		})
	}

	// A successful logout invalidates the routing entry for the session.
	if oldSession != "" && resp.HTTPStatus < 300 &&
		r.Method == http.MethodDelete && r.URL.Path == "/API/auth/logout" {
		f.registry.ForgetSession(oldSession)
	}

	if len(resp.HTTPBody) > 0 && !bytes.Equal(resp.HTTPBody, []byte("null")) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.HTTPStatus)
		w.Write(resp.HTTPBody)
		return
	}
	w.WriteHeader(resp.HTTPStatus)
}
