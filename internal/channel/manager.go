package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casalink/casalink/internal/logging"
	"github.com/casalink/casalink/internal/protocol"
)

// State is the connection lifecycle position of a Manager.
type State int32

const (
	StateDisconnected State = iota
	StateHandshaking
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// errHandshakeRejected marks a relay-side refusal, as opposed to a
// transport failure.
var errHandshakeRejected = errors.New("handshake rejected by relay")

// Handler receives every validated relay→hub message while the Manager is
// connected.
type Handler interface {
	HandleHubMessage(ctx context.Context, msg *protocol.HubMessage)
}

// Config configures a Manager.
type Config struct {
	// RelayURL is passed verbatim to the Dialer.
	RelayURL string

	// Dialer opens connections; in production a WebsocketDialer.
	Dialer Dialer

	// Handshake identifies and authenticates this hub to the relay.
	Handshake protocol.Initialization

	// Handler receives inbound messages. Required.
	Handler Handler

	// OnConnected runs after every accepted handshake; the hub uses it to
	// re-push its local user list on each reconnect.
	OnConnected func(ctx context.Context)

	// Logger is required.
	Logger logging.Logger

	// QueueSize bounds the outbound queue. When the queue is full the
	// oldest message is dropped and the drop is logged; senders never
	// block on a dead link. Defaults to 64.
	QueueSize int

	// InitialBackoff and MaxBackoff bound the reconnect delay: the delay
	// starts at InitialBackoff, doubles per failed attempt, and is capped
	// at MaxBackoff. A session that reached Connected resets the delay.
	// Default 1s / 60s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// HandshakeTimeout bounds the wait for the relay's verdict. Default 10s.
	HandshakeTimeout time.Duration
}

// Manager owns the hub side of the relay link: it dials, performs the
// initialization handshake, pumps messages both ways, and reconnects with
// exponential backoff. It is the only component that touches the wire.
type Manager struct {
	cfg    Config
	logger logging.Logger

	state atomic.Int32

	mu    sync.Mutex
	queue [][]byte
	wake  chan struct{}
}

// NewManager validates cfg and returns a Manager in StateDisconnected.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("channel: Dialer is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("channel: Handler is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("channel: Logger is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With("module", "channel"),
		wake:   make(chan struct{}, 1),
	}, nil
}

// State reports the current lifecycle position.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Send validates, encodes, and queues an outbound message. While
// disconnected the message waits in the bounded queue and flushes after
// the next successful handshake; see Config.QueueSize for the overflow
// policy.
func (m *Manager) Send(ctx context.Context, msg *protocol.LocalMessage) error {
	data, err := protocol.EncodeLocal(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if len(m.queue) >= m.cfg.QueueSize {
		m.queue = m.queue[1:]
		m.logger.Warn(ctx, "outbound queue full, dropping oldest message")
	}
	m.queue = append(m.queue, data)
	m.mu.Unlock()

	m.signal()
	return nil
}

// Run drives the connection state machine until ctx is cancelled. It never
// returns on transport errors; those feed the reconnect loop.
func (m *Manager) Run(ctx context.Context) error {
	backoff := m.cfg.InitialBackoff

	for {
		if err := ctx.Err(); err != nil {
			m.state.Store(int32(StateDisconnected))
			return err
		}

		m.state.Store(int32(StateDisconnected))
		conn, err := m.cfg.Dialer.DialContext(ctx, m.cfg.RelayURL)
		if err != nil {
			m.logger.Warn(ctx, "relay dial failed", "error", err, "retryIn", backoff)
			if !m.sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, m.cfg.MaxBackoff)
			continue
		}

		wasConnected, err := m.runConnection(ctx, conn)
		conn.Close()
		m.state.Store(int32(StateDisconnected))

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if wasConnected {
			// The link worked; start the backoff ladder over.
			backoff = m.cfg.InitialBackoff
			m.logger.Warn(ctx, "relay connection lost", "error", err, "retryIn", backoff)
		} else {
			m.logger.Warn(ctx, "relay handshake failed", "error", err, "retryIn", backoff)
		}

		if !m.sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, m.cfg.MaxBackoff)
	}
}

// runConnection performs the handshake and, if accepted, pumps messages
// until the connection fails. It reports whether Connected was reached.
func (m *Manager) runConnection(ctx context.Context, conn MessageConn) (bool, error) {
	m.state.Store(int32(StateHandshaking))

	init := protocol.NewInitializationMessage(m.cfg.Handshake.MacAddress, m.cfg.Handshake.RemoteAuthKey)
	data, err := protocol.EncodeLocal(init)
	if err != nil {
		return false, fmt.Errorf("encoding handshake: %w", err)
	}
	if err := conn.WriteMessage(data); err != nil {
		return false, fmt.Errorf("sending handshake: %w", err)
	}

	if err := m.awaitHandshakeVerdict(ctx, conn); err != nil {
		return false, err
	}

	m.state.Store(int32(StateConnected))
	m.logger.Info(ctx, "relay channel established", "mac", m.cfg.Handshake.MacAddress)

	if m.cfg.OnConnected != nil {
		m.cfg.OnConnected(ctx)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go m.writePump(connCtx, conn, errCh)
	go m.readLoop(connCtx, conn, errCh)

	// Flush anything queued while disconnected.
	m.signal()

	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case err := <-errCh:
		return true, err
	}
}

// awaitHandshakeVerdict reads control messages until the relay accepts or
// rejects. A malformed message during the handshake tears the connection
// down, unlike malformed traffic on an established channel.
func (m *Manager) awaitHandshakeVerdict(ctx context.Context, conn MessageConn) error {
	deadline := time.NewTimer(m.cfg.HandshakeTimeout)
	defer deadline.Stop()

	type readResult struct {
		data []byte
		err  error
	}

	for {
		resultCh := make(chan readResult, 1)
		go func() {
			data, err := conn.ReadMessage()
			resultCh <- readResult{data: data, err: err}
		}()

		var result readResult
		select {
		case result = <-resultCh:
		case <-deadline.C:
			return fmt.Errorf("handshake: no verdict within %s", m.cfg.HandshakeTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
		if result.err != nil {
			return fmt.Errorf("handshake read: %w", result.err)
		}

		msg, err := protocol.DecodeHub(result.data)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}

		switch msg.Type {
		case protocol.HubMessageAuthenticated:
			return nil
		case protocol.HubMessageAuthenticationFailed:
			return fmt.Errorf("%w: %s", errHandshakeRejected, msg.Message.AuthenticationFailed.Reason)
		case protocol.HubMessageReadyToInitialization, protocol.HubMessageAck:
			// The relay announces readiness before it verifies; keep waiting.
			continue
		default:
			return fmt.Errorf("%w: unexpected %s before authentication", errHandshakeRejected, msg.Type)
		}
	}
}

// readLoop validates every inbound message and hands it to the Handler.
// Malformed messages on an established channel are dropped and logged; the
// connection stays up.
func (m *Manager) readLoop(ctx context.Context, conn MessageConn, errCh chan<- error) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}

		msg, err := protocol.DecodeHub(data)
		if err != nil {
			m.logger.Warn(ctx, "dropping malformed relay message", "error", err)
			continue
		}

		m.cfg.Handler.HandleHubMessage(ctx, msg)
	}
}

// writePump drains the outbound queue onto the connection. On a write
// failure the unsent message is put back at the front so it survives the
// reconnect.
func (m *Manager) writePump(ctx context.Context, conn MessageConn, errCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}

		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			data := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()

			if err := conn.WriteMessage(data); err != nil {
				m.mu.Lock()
				m.queue = append([][]byte{data}, m.queue...)
				m.mu.Unlock()
				errCh <- err
				return
			}
		}
	}
}

// QueuedMessages reports the outbound backlog size.
func (m *Manager) QueuedMessages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
