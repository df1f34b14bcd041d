package relay

import (
	"context"

	"github.com/casalink/casalink/internal/logging"
	"github.com/casalink/casalink/internal/protocol"
)

// Router dispatches messages arriving from attached hubs. Responses resolve
// the owning hub's correlation table, feeds fan out on the bus, and user
// lists update the routing registry.
type Router struct {
	registry *Registry
	feeds    *FeedBus
	logger   logging.Logger
}

func NewRouter(registry *Registry, feeds *FeedBus, logger logging.Logger) *Router {
	return &Router{registry: registry, feeds: feeds, logger: logger}
}

// Route handles one decoded message from the given hub.
func (r *Router) Route(ctx context.Context, hub *Hub, msg *protocol.LocalMessage) {
	switch msg.Type {
	case protocol.LocalMessageHTTPResponse:
		resp := msg.Message.HTTPResponse
		hub.Table().Resolve(ctx, resp.RequestID, resp)

	case protocol.LocalMessageFeed:
		r.feeds.Publish(ctx, FeedEvent{Mac: hub.Mac(), Feed: *msg.Message.Feed})

	case protocol.LocalMessageLocalUsers:
		users := msg.Message.LocalUsers
		hub.setUsers(users.Users)
		r.logger.Info(ctx, "hub user list updated", "mac", hub.Mac(), "users", len(users.Users))
		if err := hub.Send(protocol.NewHubControlMessage(protocol.HubMessageAck)); err != nil {
			r.logger.Warn(ctx, "ack send failed", "mac", hub.Mac(), "error", err.Error())
		}

	case protocol.LocalMessageAck:
		r.logger.Debug(ctx, "ack from hub", "mac", hub.Mac())

	case protocol.LocalMessageInitialization:
		// Handshake is over by the time messages reach the router.
		r.logger.Warn(ctx, "unexpected initialization after handshake", "mac", hub.Mac())

	default:
		r.logger.Warn(ctx, "unroutable message", "mac", hub.Mac(), "type", string(msg.Type))
	}
}
