package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/casalink/casalink/internal/channel"
	"github.com/casalink/casalink/internal/common"
	"github.com/casalink/casalink/internal/cryptox"
	"github.com/casalink/casalink/internal/logging"
	"github.com/casalink/casalink/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMac = "aabbccddeeff"

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func testConfig() *Config {
	return &Config{
		EndpointAddr:   ":0",
		ForwardTimeout: 200 * time.Millisecond,
		QueueSize:      8,
		Hubs: []HubCredential{
			{MacAddress: testMac, AuthKeyHash: cryptox.HashToken("hub-secret")},
		},
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	app, err := NewApp(testConfig())
	require.NoError(t, err)
	app.logger = testLogger()
	app.acceptor.logger = testLogger()
	app.acceptor.router.logger = testLogger()
	app.forward.logger = testLogger()
	app.registry.logger = testLogger()
	app.feeds.logger = testLogger()
	return app
}

// attachHub runs the hub side of the handshake against the acceptor over an
// in-memory pipe and returns the hub end once the channel is attached.
func attachHub(t *testing.T, a *Acceptor, mac, authKey string) channel.MessageConn {
	t.Helper()

	relaySide, hubSide := channel.NewMemoryPipe()

	go func() {
		gotMac, err := a.handshake(context.Background(), relaySide)
		if err != nil {
			relaySide.Close()
			return
		}
		hub := a.registry.Attach(context.Background(), gotMac, relaySide)
		a.readLoop(hub)
		a.registry.Detach(context.Background(), hub)
	}()

	// readyToInitialization
	data, err := hubSide.ReadMessage()
	require.NoError(t, err)
	ready, err := protocol.DecodeHub(data)
	require.NoError(t, err)
	require.Equal(t, protocol.HubMessageReadyToInitialization, ready.Type)

	init, err := protocol.EncodeLocal(protocol.NewInitializationMessage(mac, authKey))
	require.NoError(t, err)
	require.NoError(t, hubSide.WriteMessage(init))

	data, err = hubSide.ReadMessage()
	require.NoError(t, err)
	verdict, err := protocol.DecodeHub(data)
	require.NoError(t, err)
	require.Equal(t, protocol.HubMessageAuthenticated, verdict.Type)

	return hubSide
}

func sendLocal(t *testing.T, conn channel.MessageConn, msg *protocol.LocalMessage) {
	t.Helper()
	data, err := protocol.EncodeLocal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(data))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHandshake_AcceptsKnownHub(t *testing.T) {
	app := newTestApp(t)
	hubSide := attachHub(t, app.acceptor, testMac, "hub-secret")
	defer hubSide.Close()

	waitFor(t, func() bool { _, ok := app.registry.Get(testMac); return ok })
}

func TestHandshake_RejectsBadKey(t *testing.T) {
	app := newTestApp(t)

	relaySide, hubSide := channel.NewMemoryPipe()
	defer hubSide.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := app.acceptor.handshake(context.Background(), relaySide)
		errCh <- err
	}()

	_, err := hubSide.ReadMessage()
	require.NoError(t, err)

	init, err := protocol.EncodeLocal(protocol.NewInitializationMessage(testMac, "wrong-key"))
	require.NoError(t, err)
	require.NoError(t, hubSide.WriteMessage(init))

	data, err := hubSide.ReadMessage()
	require.NoError(t, err)
	verdict, err := protocol.DecodeHub(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.HubMessageAuthenticationFailed, verdict.Type)
	assert.ErrorIs(t, <-errCh, ErrHubRejected)

	_, attached := app.registry.Get(testMac)
	assert.False(t, attached)
}

func TestAttach_ReplacesExistingChannel(t *testing.T) {
	app := newTestApp(t)

	first := attachHub(t, app.acceptor, testMac, "hub-secret")
	waitFor(t, func() bool { _, ok := app.registry.Get(testMac); return ok })
	firstHub, _ := app.registry.Get(testMac)

	second := attachHub(t, app.acceptor, testMac, "hub-secret")
	defer second.Close()

	waitFor(t, func() bool {
		hub, ok := app.registry.Get(testMac)
		return ok && hub != firstHub
	})

	// The replaced channel is closed from the relay side.
	_, err := first.ReadMessage()
	assert.Error(t, err)
}

func TestForward_RoundTrip(t *testing.T) {
	app := newTestApp(t)
	hubSide := attachHub(t, app.acceptor, testMac, "hub-secret")
	defer hubSide.Close()

	sendLocal(t, hubSide, protocol.NewLocalUsersMessage([]string{"alice@casa.net"}, "sync-1"))
	waitFor(t, func() bool {
		hub, ok := app.registry.Get(testMac)
		return ok && hub.hasUser("alice@casa.net")
	})

	// Hub side answers the forwarded login with a session, skipping the
	// user sync ack.
	go func() {
		var req *protocol.HTTPRequest
		for req == nil {
			data, err := hubSide.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.DecodeHub(data)
			if err != nil {
				return
			}
			if msg.Type == protocol.HubMessageHTTPRequest {
				req = msg.Message.HTTPRequest
			}
		}
		resp := &protocol.HTTPResponse{
			RequestID:  req.RequestID,
			HTTPStatus: http.StatusOK,
			HTTPBody:   json.RawMessage(`{"displayName":"Alice"}`),
			HTTPSession: &protocol.HTTPSession{
				Key:    "issued-session-key",
				MaxAge: 300000,
			},
		}
		out, err := protocol.EncodeLocal(protocol.NewHTTPResponseMessage(resp))
		if err != nil {
			return
		}
		hubSide.WriteMessage(out)
	}()

	body := strings.NewReader(`{"email":"alice@casa.net","password":"pw"}`)
	r := httptest.NewRequest(http.MethodPost, loginPath, body)
	w := httptest.NewRecorder()
	app.forward.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"displayName":"Alice"}`, w.Body.String())

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, common.SessionCookieName, cookies[0].Name)
	assert.Equal(t, "issued-session-key", cookies[0].Value)
	assert.Equal(t, 300, cookies[0].MaxAge)

	// The issued session now routes straight back to the hub.
	hub, ok := app.registry.HubForSession("issued-session-key")
	require.True(t, ok)
	assert.Equal(t, testMac, hub.Mac())
}

func TestForward_LogoutForgetsSession(t *testing.T) {
	app := newTestApp(t)
	hubSide := attachHub(t, app.acceptor, testMac, "hub-secret")
	defer hubSide.Close()

	app.registry.RememberSession("issued-session-key", testMac)

	// The hub confirms the logout.
	go func() {
		for {
			data, err := hubSide.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.DecodeHub(data)
			if err != nil || msg.Type != protocol.HubMessageHTTPRequest {
				continue
			}
			resp := &protocol.HTTPResponse{
				RequestID:  msg.Message.HTTPRequest.RequestID,
				HTTPStatus: http.StatusOK,
			}
			out, err := protocol.EncodeLocal(protocol.NewHTTPResponseMessage(resp))
			if err != nil {
				return
			}
			hubSide.WriteMessage(out)
			return
		}
	}()

	r := httptest.NewRequest(http.MethodDelete, "/API/auth/logout", nil)
	r.AddCookie(&http.Cookie{Name: common.SessionCookieName, Value: "issued-session-key"})
	w := httptest.NewRecorder()
	app.forward.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	_, ok := app.registry.HubForSession("issued-session-key")
	assert.False(t, ok)
}

func TestForward_UnknownUserIs403(t *testing.T) {
	app := newTestApp(t)
	hubSide := attachHub(t, app.acceptor, testMac, "hub-secret")
	defer hubSide.Close()

	body := strings.NewReader(`{"email":"nobody@casa.net","password":"pw"}`)
	r := httptest.NewRequest(http.MethodPost, loginPath, body)
	w := httptest.NewRecorder()
	app.forward.ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "user name or password incorrect")
}

func TestForward_TimeoutIs504(t *testing.T) {
	app := newTestApp(t)
	hubSide := attachHub(t, app.acceptor, testMac, "hub-secret")
	defer hubSide.Close()

	sendLocal(t, hubSide, protocol.NewLocalUsersMessage([]string{"alice@casa.net"}, "sync-2"))
	waitFor(t, func() bool {
		hub, ok := app.registry.Get(testMac)
		return ok && hub.hasUser("alice@casa.net")
	})

	// The hub never answers.
	body := strings.NewReader(`{"email":"alice@casa.net","password":"pw"}`)
	r := httptest.NewRequest(http.MethodPost, loginPath, body)
	w := httptest.NewRecorder()
	app.forward.ServeHTTP(w, r)

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)

	hub, _ := app.registry.Get(testMac)
	assert.Equal(t, 0, hub.Table().Len())
}

func TestForward_ConnectionLostMidRequestIs502(t *testing.T) {
	app := newTestApp(t)
	hubSide := attachHub(t, app.acceptor, testMac, "hub-secret")

	sendLocal(t, hubSide, protocol.NewLocalUsersMessage([]string{"alice@casa.net"}, "sync-3"))
	waitFor(t, func() bool {
		hub, ok := app.registry.Get(testMac)
		return ok && hub.hasUser("alice@casa.net")
	})

	// The hub drops the connection after the forwarded request reaches it.
	go func() {
		for {
			data, err := hubSide.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.DecodeHub(data)
			if err != nil {
				return
			}
			if msg.Type == protocol.HubMessageHTTPRequest {
				hubSide.Close()
				return
			}
		}
	}()

	body := strings.NewReader(`{"email":"alice@casa.net","password":"pw"}`)
	r := httptest.NewRequest(http.MethodPost, loginPath, body)
	w := httptest.NewRecorder()
	app.forward.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadGateway, w.Code)

	waitFor(t, func() bool { _, ok := app.registry.Get(testMac); return !ok })
}

// gateConn blocks each write until the test releases it, exposing the
// queue behavior behind Hub.Send.
type gateConn struct {
	gate   chan struct{}
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newGateConn() *gateConn {
	return &gateConn{
		gate:   make(chan struct{}),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *gateConn) ReadMessage() ([]byte, error) {
	<-c.closed
	return nil, errors.New("closed")
}

func (c *gateConn) WriteMessage(data []byte) error {
	select {
	case <-c.gate:
		c.out <- data
		return nil
	case <-c.closed:
		return errors.New("closed")
	}
}

func (c *gateConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestHubSend_DropsOldestWhenQueueIsFull(t *testing.T) {
	registry := NewRegistry(testLogger(), 2)
	conn := newGateConn()
	defer conn.Close()

	hub := registry.Attach(context.Background(), testMac, conn)

	request := func(id string) *protocol.HubMessage {
		return protocol.NewHTTPRequestMessage(&protocol.HTTPRequest{
			RequestID:  id,
			HTTPMethod: http.MethodGet,
			HTTPPath:   "/API/users/profile",
		})
	}

	// The pump takes the first message and blocks writing it.
	require.NoError(t, hub.Send(request("req-1")))
	waitFor(t, func() bool { return hub.QueuedMessages() == 0 })

	require.NoError(t, hub.Send(request("req-2")))
	require.NoError(t, hub.Send(request("req-3")))
	require.NoError(t, hub.Send(request("req-4")))
	assert.Equal(t, 2, hub.QueuedMessages())

	var got []string
	for i := 0; i < 3; i++ {
		conn.gate <- struct{}{}
		msg, err := protocol.DecodeHub(<-conn.out)
		require.NoError(t, err)
		got = append(got, msg.Message.HTTPRequest.RequestID)
	}

	// req-2 was the oldest queued message when req-4 arrived.
	assert.Equal(t, []string{"req-1", "req-3", "req-4"}, got)
	assert.Equal(t, 0, hub.QueuedMessages())
}

func TestDetach_CancelsPendingRequests(t *testing.T) {
	app := newTestApp(t)
	hubSide := attachHub(t, app.acceptor, testMac, "hub-secret")

	waitFor(t, func() bool { _, ok := app.registry.Get(testMac); return ok })
	hub, _ := app.registry.Get(testMac)

	handle, err := hub.Table().Register("req-1")
	require.NoError(t, err)

	hubSide.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = handle.Wait(ctx)
	assert.ErrorIs(t, err, common.ErrConnectionLost)

	waitFor(t, func() bool { _, ok := app.registry.Get(testMac); return !ok })
}

func TestRouter_FeedFanOut(t *testing.T) {
	app := newTestApp(t)
	hubSide := attachHub(t, app.acceptor, testMac, "hub-secret")
	defer hubSide.Close()

	events, cancel := app.feeds.Subscribe(testMac, 4)
	defer cancel()

	sendLocal(t, hubSide, protocol.NewFeedMessage(protocol.FeedTypeMinions, json.RawMessage(`{"minionId":"m1"}`)))

	select {
	case ev := <-events:
		assert.Equal(t, testMac, ev.Mac)
		assert.Equal(t, protocol.FeedTypeMinions, ev.Feed.FeedType)
		assert.JSONEq(t, `{"minionId":"m1"}`, string(ev.Feed.FeedContent))
	case <-time.After(2 * time.Second):
		t.Fatal("feed event not delivered")
	}
}

func TestFeedBus_DropsWhenSubscriberIsSlow(t *testing.T) {
	bus := NewFeedBus(testLogger())

	events, cancel := bus.Subscribe("", 1)
	defer cancel()

	ev := FeedEvent{Mac: testMac, Feed: protocol.Feed{FeedType: protocol.FeedTypeTimings, FeedContent: json.RawMessage(`{}`)}}
	bus.Publish(context.Background(), ev)
	bus.Publish(context.Background(), ev)

	assert.Len(t, events, 1)
}

func TestRouter_LocalUsersWithRequestIDIsAcked(t *testing.T) {
	app := newTestApp(t)
	hubSide := attachHub(t, app.acceptor, testMac, "hub-secret")
	defer hubSide.Close()

	sendLocal(t, hubSide, protocol.NewLocalUsersMessage([]string{"alice@casa.net"}, "sync-1"))

	data, err := hubSide.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.DecodeHub(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.HubMessageAck, msg.Type)
}
