package relay

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/casalink/casalink/internal/channel"
	"github.com/casalink/casalink/internal/common"
	"github.com/casalink/casalink/internal/cryptox"
	"github.com/casalink/casalink/internal/logging"
	"github.com/casalink/casalink/internal/protocol"
)

const handshakeDeadline = 10 * time.Second

// ErrHubRejected marks a hub whose credentials did not match the allow-list.
var ErrHubRejected = errors.New("hub credentials rejected")

// Acceptor terminates incoming hub channels: it upgrades the connection,
// runs the server side of the handshake, and pumps authenticated channels
// into the router until the connection dies.
type Acceptor struct {
	config   *Config
	registry *Registry
	router   *Router
	logger   logging.Logger
}

func NewAcceptor(cfg *Config, registry *Registry, router *Router, logger logging.Logger) *Acceptor {
	return &Acceptor{config: cfg, registry: registry, router: router, logger: logger}
}

// ServeHTTP handles the hub channel endpoint.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := channel.UpgradeHTTP(w, r)
	if err != nil {
		a.logger.Warn(ctx, "channel upgrade failed", "error", err.Error())
		return
	}

	mac, err := a.handshake(ctx, conn)
	if err != nil {
		a.logger.Warn(ctx, "hub handshake failed", "error", err.Error())
		conn.Close()
		return
	}

	hub := a.registry.Attach(ctx, mac, conn)
	a.logger.Info(ctx, "hub attached", "mac", mac)

	a.readLoop(hub)
	a.registry.Detach(context.Background(), hub)
	conn.Close()
}

// handshake runs the relay side of channel setup: announce readiness, read
// the hub's initialization, check it against the allow-list, and answer
// with a verdict. Returns the authenticated MAC.
func (a *Acceptor) handshake(ctx context.Context, conn channel.MessageConn) (string, error) {
	ready, err := protocol.EncodeHub(protocol.NewHubControlMessage(protocol.HubMessageReadyToInitialization))
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(ready); err != nil {
		return "", err
	}

	type initResult struct {
		init *protocol.Initialization
		err  error
	}
	resultCh := make(chan initResult, 1)
	go func() {
		data, err := conn.ReadMessage()
		if err != nil {
			resultCh <- initResult{err: err}
			return
		}
		msg, err := protocol.DecodeLocal(data)
		if err != nil {
			resultCh <- initResult{err: err}
			return
		}
		if msg.Type != protocol.LocalMessageInitialization {
			resultCh <- initResult{err: fmt.Errorf("%w: expected initialization, got %s", common.ErrProtocol, msg.Type)}
			return
		}
		resultCh <- initResult{init: msg.Message.Initialization}
	}()

	timer := time.NewTimer(handshakeDeadline)
	defer timer.Stop()

	var init *protocol.Initialization
	select {
	case res := <-resultCh:
		if res.err != nil {
			return "", res.err
		}
		init = res.init
	case <-timer.C:
		conn.Close()
		return "", context.DeadlineExceeded
	case <-ctx.Done():
		conn.Close()
		return "", ctx.Err()
	}

	if !a.authorized(init) {
		reject, err := protocol.EncodeHub(protocol.NewAuthenticationFailedMessage("mac address or auth key not recognized"))
		if err == nil {
			conn.WriteMessage(reject)
		}
		return "", ErrHubRejected
	}

	accept, err := protocol.EncodeHub(protocol.NewHubControlMessage(protocol.HubMessageAuthenticated))
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(accept); err != nil {
		return "", err
	}

	return init.MacAddress, nil
}

// authorized checks the hub's credentials against the configured allow-list
// in constant time.
func (a *Acceptor) authorized(init *protocol.Initialization) bool {
	keyHash := cryptox.HashToken(init.RemoteAuthKey)
	for _, cred := range a.config.Hubs {
		macOK := subtle.ConstantTimeCompare([]byte(cred.MacAddress), []byte(init.MacAddress)) == 1
		keyOK := subtle.ConstantTimeCompare([]byte(cred.AuthKeyHash), []byte(keyHash)) == 1
		if macOK && keyOK {
			return true
		}
	}
	return false
}

// readLoop pumps messages from an attached hub into the router until the
// connection fails. Malformed messages are logged and skipped.
func (a *Acceptor) readLoop(hub *Hub) {
	ctx := context.Background()
	for {
		data, err := hub.conn.ReadMessage()
		if err != nil {
			a.logger.Info(ctx, "hub channel closed", "mac", hub.Mac(), "error", err.Error())
			return
		}
		msg, err := protocol.DecodeLocal(data)
		if err != nil {
			a.logger.Warn(ctx, "dropping malformed message", "mac", hub.Mac(), "error", err.Error())
			continue
		}
		a.router.Route(ctx, hub, msg)
	}
}
