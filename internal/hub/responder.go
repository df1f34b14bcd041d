package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/casalink/casalink/internal/common"
	"github.com/casalink/casalink/internal/logging"
	"github.com/casalink/casalink/internal/protocol"
)

// Responder executes requests forwarded from the relay against the hub's
// local API handler and packages the outcome as a response message. A
// session cookie set by the handler travels back explicitly, since the
// remote client's cookie jar is on the far side of the relay.
type Responder struct {
	api    http.Handler
	logger logging.Logger
}

func NewResponder(api http.Handler, logger logging.Logger) *Responder {
	return &Responder{api: api, logger: logger}
}

// Respond runs one forwarded request and returns the message to send back.
// It never returns an error to the wire; handler panics aside, every
// forwarded request gets an answer.
func (rd *Responder) Respond(ctx context.Context, req *protocol.HTTPRequest) *protocol.LocalMessage {
	httpReq, err := http.NewRequestWithContext(ctx, req.HTTPMethod, req.HTTPPath, bytes.NewReader(req.HTTPBody))
	if err != nil {
		rd.logger.Warn(ctx, "unplayable forwarded request", "requestId", req.RequestID, "error", err.Error())
		return protocol.NewHTTPResponseMessage(&protocol.HTTPResponse{
			RequestID:  req.RequestID,
			HTTPStatus: http.StatusBadRequest,
		})
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.HTTPSession != "" {
		httpReq.AddCookie(&http.Cookie{Name: common.SessionCookieName, Value: req.HTTPSession})
	}

	rec := newRecorder()
	rd.api.ServeHTTP(rec, httpReq)

	resp := &protocol.HTTPResponse{
		RequestID:  req.RequestID,
		HTTPStatus: rec.status,
		HTTPBody:   jsonBody(rec.body.Bytes()),
	}

	if session := sessionCookie(rec.cookies()); session != nil {
		resp.HTTPSession = &protocol.HTTPSession{
			Key:    session.Value,
			MaxAge: int64(session.MaxAge) * 1000,
		}
	}

	return protocol.NewHTTPResponseMessage(resp)
}

// recorder captures what the API handler writes so it can be repackaged
// for the wire. Only the parts the relay needs are kept.
type recorder struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header), status: http.StatusOK}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) Write(p []byte) (int, error) { return r.body.Write(p) }

func (r *recorder) WriteHeader(statusCode int) { r.status = statusCode }

func (r *recorder) cookies() []*http.Cookie {
	parsed := http.Response{Header: r.header}
	return parsed.Cookies()
}

// jsonBody makes a handler body safe to embed in the response message.
// Handlers answer JSON; plain-text error bodies are re-encoded as a JSON
// string.
func jsonBody(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return trimmed
	}
	encoded, err := json.Marshal(string(trimmed))
	if err != nil {
		return nil
	}
	return encoded
}

// sessionCookie finds a freshly issued session cookie among the handler's
// Set-Cookie headers. Expired cookies (logout) are not echoed.
func sessionCookie(cookies []*http.Cookie) *http.Cookie {
	for _, c := range cookies {
		if c.Name == common.SessionCookieName && c.Value != "" && c.MaxAge > 0 {
			return c
		}
	}
	return nil
}
