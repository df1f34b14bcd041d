// Package protocol defines the two message envelopes exchanged on the
// hub↔relay channel and their structural validation.
//
// LocalMessage travels hub→relay and is the interoperability contract: a
// hub and a relay built independently must agree on exactly these five
// tags and fields. HubMessage travels relay→hub and carries the handshake
// outcome plus forwarded HTTP requests.
//
// Each envelope is a tagged union: the tag selects exactly one payload
// sub-object, and a message whose payload does not match its tag is
// rejected by the codec before it reaches any routing logic.
package protocol

import "encoding/json"

// LocalMessageType tags a hub→relay message.
type LocalMessageType string

const (
	LocalMessageInitialization LocalMessageType = "initialization"
	LocalMessageLocalUsers     LocalMessageType = "localUsers"
	LocalMessageHTTPResponse   LocalMessageType = "httpResponse"
	LocalMessageAck            LocalMessageType = "ack"
	LocalMessageFeed           LocalMessageType = "feed"
)

// FeedType enumerates the asynchronous push channels a hub publishes.
type FeedType string

const (
	FeedTypeMinions FeedType = "minions"
	FeedTypeTimings FeedType = "timings"
)

// Initialization is the handshake payload. MacAddress identifies the hub
// (12 hex characters, no separators); RemoteAuthKey is the shared secret
// the relay verifies before the channel becomes usable.
type Initialization struct {
	MacAddress    string `json:"macAddress"`
	RemoteAuthKey string `json:"remoteAuthKey"`
}

// LocalUsers is the hub's sync of the accounts it knows locally. The relay
// uses it to decide which hub serves a given user.
type LocalUsers struct {
	Users     []string `json:"users"`
	RequestID string   `json:"requestId"`
}

// HTTPSession rides on an HTTPResponse when the forwarded request produced
// a session cookie (a login through the relay). MaxAge is in milliseconds,
// matching the session timeout units of the user model.
type HTTPSession struct {
	Key    string `json:"key"`
	MaxAge int64  `json:"maxAge"`
}

// HTTPResponse is the hub's reply to a forwarded request. HTTPBody is
// opaque to the relay.
type HTTPResponse struct {
	RequestID   string          `json:"requestId"`
	HTTPStatus  int             `json:"httpStatus"`
	HTTPBody    json.RawMessage `json:"httpBody,omitempty"`
	HTTPSession *HTTPSession    `json:"httpSession,omitempty"`
}

// Feed is an asynchronous push of hub state; FeedContent is opaque to the
// relay and fanned out to feed subscribers as-is.
type Feed struct {
	FeedType    FeedType        `json:"feedType"`
	FeedContent json.RawMessage `json:"feedContent"`
}

// LocalPayload carries exactly the sub-object matching the envelope tag.
// An ack has no payload, so every field is nil for it.
type LocalPayload struct {
	Initialization *Initialization `json:"initialization,omitempty"`
	LocalUsers     *LocalUsers     `json:"localUsers,omitempty"`
	HTTPResponse   *HTTPResponse   `json:"httpResponse,omitempty"`
	Feed           *Feed           `json:"feed,omitempty"`
}

// LocalMessage is the hub→relay envelope.
type LocalMessage struct {
	Type    LocalMessageType `json:"localMessagesType"`
	Message LocalPayload     `json:"message"`
}

// NewInitializationMessage builds the handshake message a hub sends first
// on every fresh connection.
func NewInitializationMessage(macAddress, remoteAuthKey string) *LocalMessage {
	return &LocalMessage{
		Type: LocalMessageInitialization,
		Message: LocalPayload{
			Initialization: &Initialization{MacAddress: macAddress, RemoteAuthKey: remoteAuthKey},
		},
	}
}

// NewLocalUsersMessage builds the known-users sync message.
func NewLocalUsersMessage(users []string, requestID string) *LocalMessage {
	return &LocalMessage{
		Type: LocalMessageLocalUsers,
		Message: LocalPayload{
			LocalUsers: &LocalUsers{Users: users, RequestID: requestID},
		},
	}
}

// NewHTTPResponseMessage wraps a forwarded-request reply.
func NewHTTPResponseMessage(resp *HTTPResponse) *LocalMessage {
	return &LocalMessage{
		Type:    LocalMessageHTTPResponse,
		Message: LocalPayload{HTTPResponse: resp},
	}
}

// NewLocalAckMessage builds the payload-free liveness message.
func NewLocalAckMessage() *LocalMessage {
	return &LocalMessage{Type: LocalMessageAck}
}

// NewFeedMessage wraps an asynchronous state push.
func NewFeedMessage(feedType FeedType, content json.RawMessage) *LocalMessage {
	return &LocalMessage{
		Type:    LocalMessageFeed,
		Message: LocalPayload{Feed: &Feed{FeedType: feedType, FeedContent: content}},
	}
}

// HubMessageType tags a relay→hub message.
type HubMessageType string

const (
	HubMessageReadyToInitialization HubMessageType = "readyToInitialization"
	HubMessageAuthenticated         HubMessageType = "authenticatedSuccessfully"
	HubMessageAuthenticationFailed  HubMessageType = "authenticationFailed"
	HubMessageHTTPRequest           HubMessageType = "httpRequest"
	HubMessageAck                   HubMessageType = "ack"
)

// HTTPRequest is a dashboard request the relay forwards to a hub.
// HTTPSession carries the raw session token of the remote caller, if any;
// the hub resolves it against its own session store.
type HTTPRequest struct {
	RequestID   string          `json:"requestId"`
	HTTPMethod  string          `json:"httpMethod"`
	HTTPPath    string          `json:"httpPath"`
	HTTPBody    json.RawMessage `json:"httpBody,omitempty"`
	HTTPSession string          `json:"httpSession,omitempty"`
}

// AuthenticationFailed explains a rejected handshake.
type AuthenticationFailed struct {
	Reason string `json:"reason"`
}

// HubPayload carries exactly the sub-object matching the envelope tag.
type HubPayload struct {
	HTTPRequest          *HTTPRequest          `json:"httpRequest,omitempty"`
	AuthenticationFailed *AuthenticationFailed `json:"authenticationFailed,omitempty"`
}

// HubMessage is the relay→hub envelope.
type HubMessage struct {
	Type    HubMessageType `json:"remoteMessagesType"`
	Message HubPayload     `json:"message"`
}

// NewHubControlMessage builds one of the payload-free relay→hub messages
// (readyToInitialization, authenticatedSuccessfully, ack).
func NewHubControlMessage(t HubMessageType) *HubMessage {
	return &HubMessage{Type: t}
}

// NewAuthenticationFailedMessage builds the handshake rejection.
func NewAuthenticationFailedMessage(reason string) *HubMessage {
	return &HubMessage{
		Type:    HubMessageAuthenticationFailed,
		Message: HubPayload{AuthenticationFailed: &AuthenticationFailed{Reason: reason}},
	}
}

// NewHTTPRequestMessage wraps a request to forward.
func NewHTTPRequestMessage(req *HTTPRequest) *HubMessage {
	return &HubMessage{
		Type:    HubMessageHTTPRequest,
		Message: HubPayload{HTTPRequest: req},
	}
}
