package relay

import (
	"context"
	"strings"
	"sync"

	"github.com/casalink/casalink/internal/channel"
	"github.com/casalink/casalink/internal/common"
	"github.com/casalink/casalink/internal/correlation"
	"github.com/casalink/casalink/internal/cryptox"
	"github.com/casalink/casalink/internal/logging"
	"github.com/casalink/casalink/internal/protocol"
)

// Hub is one attached hub channel. Each hub carries its own correlation
// table, so losing one hub's connection cancels only that hub's pending
// requests. Outbound messages go through a bounded queue drained by a
// write pump, so the router never stalls on a slow hub socket.
type Hub struct {
	mac    string
	conn   channel.MessageConn
	table  *correlation.Table
	logger logging.Logger

	mu    sync.RWMutex
	users map[string]struct{}

	queueMu   sync.Mutex
	queue     [][]byte
	queueSize int
	wake      chan struct{}

	done     chan struct{}
	stopOnce sync.Once
}

func (h *Hub) Mac() string { return h.mac }

func (h *Hub) Table() *correlation.Table { return h.table }

// Send encodes and queues a message for the hub. When the queue is full the
// oldest message is dropped and the drop is logged; a failing connection
// surfaces through the read loop, not here.
func (h *Hub) Send(msg *protocol.HubMessage) error {
	data, err := protocol.EncodeHub(msg)
	if err != nil {
		return err
	}

	h.queueMu.Lock()
	if len(h.queue) >= h.queueSize {
		h.queue = h.queue[1:]
		h.logger.Warn(context.Background(), "hub queue full, dropping oldest message", "mac", h.mac)
	}
	h.queue = append(h.queue, data)
	h.queueMu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
	return nil
}

// QueuedMessages reports the outbound backlog for this hub.
func (h *Hub) QueuedMessages() int {
	h.queueMu.Lock()
	defer h.queueMu.Unlock()
	return len(h.queue)
}

// writePump drains the queue onto the connection. A write failure closes
// the connection, which unblocks the acceptor's read loop and triggers the
// normal detach path.
func (h *Hub) writePump() {
	for {
		h.queueMu.Lock()
		var data []byte
		if len(h.queue) > 0 {
			data = h.queue[0]
			h.queue = h.queue[1:]
		}
		h.queueMu.Unlock()

		if data == nil {
			select {
			case <-h.wake:
				continue
			case <-h.done:
				return
			}
		}

		if err := h.conn.WriteMessage(data); err != nil {
			h.conn.Close()
			return
		}
	}
}

// stop shuts the write pump down and closes the connection.
func (h *Hub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
	h.conn.Close()
}

func (h *Hub) setUsers(emails []string) {
	users := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		users[strings.ToLower(e)] = struct{}{}
	}
	h.mu.Lock()
	h.users = users
	h.mu.Unlock()
}

func (h *Hub) hasUser(email string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.users[strings.ToLower(email)]
	return ok
}

// Registry tracks attached hubs by MAC address and remembers which hub
// issued which session, so follow-up requests route without re-resolving
// the user.
type Registry struct {
	logger    logging.Logger
	queueSize int

	mu       sync.RWMutex
	hubs     map[string]*Hub
	sessions map[string]string
}

// NewRegistry creates a Registry whose hubs each get an outbound queue of
// queueSize messages (Config.QueueSize; defaults to 64).
func NewRegistry(logger logging.Logger, queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Registry{
		logger:    logger,
		queueSize: queueSize,
		hubs:      make(map[string]*Hub),
		sessions:  make(map[string]string),
	}
}

// Attach registers a freshly authenticated hub channel. At most one channel
// per MAC is kept: an existing one is closed and its pending requests are
// cancelled before the new one takes its place.
func (r *Registry) Attach(ctx context.Context, mac string, conn channel.MessageConn) *Hub {
	hub := &Hub{
		mac:       mac,
		conn:      conn,
		table:     correlation.NewTable(r.logger),
		logger:    r.logger,
		users:     make(map[string]struct{}),
		queueSize: r.queueSize,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	old := r.hubs[mac]
	r.hubs[mac] = hub
	r.mu.Unlock()

	if old != nil {
		r.logger.Warn(ctx, "replacing existing hub channel", "mac", mac)
		old.stop()
		old.table.CancelAll(common.ErrConnectionLost)
	}

	go hub.writePump()
	return hub
}

// Detach removes a hub channel and cancels its pending requests. A hub that
// has already been replaced by a newer channel is left alone.
func (r *Registry) Detach(ctx context.Context, hub *Hub) {
	r.mu.Lock()
	current := r.hubs[hub.mac] == hub
	if current {
		delete(r.hubs, hub.mac)
		for key, mac := range r.sessions {
			if mac == hub.mac {
				delete(r.sessions, key)
			}
		}
	}
	r.mu.Unlock()

	if current {
		hub.stop()
		hub.table.CancelAll(common.ErrConnectionLost)
		r.logger.Info(ctx, "hub detached", "mac", hub.mac)
	}
}

func (r *Registry) Get(mac string) (*Hub, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hub, ok := r.hubs[mac]
	return hub, ok
}

// HubForUser finds the attached hub that reported the given user email.
func (r *Registry) HubForUser(email string) (*Hub, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, hub := range r.hubs {
		if hub.hasUser(email) {
			return hub, true
		}
	}
	return nil, false
}

// RememberSession binds a session key to the hub that issued it. Only the
// key's hash is kept.
func (r *Registry) RememberSession(key, mac string) {
	r.mu.Lock()
	r.sessions[cryptox.HashToken(key)] = mac
	r.mu.Unlock()
}

// HubForSession routes a session key back to the hub that issued it.
func (r *Registry) HubForSession(key string) (*Hub, bool) {
	r.mu.RLock()
	mac, ok := r.sessions[cryptox.HashToken(key)]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.Get(mac)
}

// ForgetSession drops a session binding, for instance after a logout.
func (r *Registry) ForgetSession(key string) {
	r.mu.Lock()
	delete(r.sessions, cryptox.HashToken(key))
	r.mu.Unlock()
}

// Macs lists the currently attached hubs.
func (r *Registry) Macs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	macs := make([]string, 0, len(r.hubs))
	for mac := range r.hubs {
		macs = append(macs, mac)
	}
	return macs
}
