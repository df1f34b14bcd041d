package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/casalink/casalink/internal/common"
)

// The codec is pure: the same bytes always encode/decode to the same
// outcome. Validation happens on both directions so a malformed message is
// caught before it touches the wire or the router.

// EncodeLocal validates and serializes a hub→relay message.
func EncodeLocal(m *LocalMessage) ([]byte, error) {
	if err := ValidateLocal(m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeLocal parses and validates a hub→relay message. Unknown fields
// anywhere in the envelope are rejected, so a payload keyed for a
// different tag fails even before the tag check runs.
func DecodeLocal(data []byte) (*LocalMessage, error) {
	m := &LocalMessage{}
	if err := strictUnmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrProtocol, err)
	}
	if err := ValidateLocal(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ValidateLocal checks a hub→relay message against the envelope schema:
// a known tag, exactly the payload sub-object matching that tag, and the
// per-field rules (non-empty strings, 12-hex macAddress, known feedType).
func ValidateLocal(m *LocalMessage) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", common.ErrProtocol)
	}

	switch m.Type {
	case LocalMessageInitialization:
		init := m.Message.Initialization
		if init == nil || !localPayloadOnly(m.Message, init) {
			return payloadMismatch(string(m.Type))
		}
		if !isHex(init.MacAddress, 12) {
			return fmt.Errorf("%w: macAddress must be 12 hex characters", common.ErrProtocol)
		}
		if init.RemoteAuthKey == "" {
			return fmt.Errorf("%w: remoteAuthKey must not be empty", common.ErrProtocol)
		}
	case LocalMessageLocalUsers:
		lu := m.Message.LocalUsers
		if lu == nil || !localPayloadOnly(m.Message, lu) {
			return payloadMismatch(string(m.Type))
		}
		if lu.RequestID == "" {
			return fmt.Errorf("%w: localUsers requestId must not be empty", common.ErrProtocol)
		}
		if lu.Users == nil {
			return fmt.Errorf("%w: localUsers users must be present", common.ErrProtocol)
		}
		for _, u := range lu.Users {
			if u == "" {
				return fmt.Errorf("%w: localUsers contains an empty email", common.ErrProtocol)
			}
		}
	case LocalMessageHTTPResponse:
		hr := m.Message.HTTPResponse
		if hr == nil || !localPayloadOnly(m.Message, hr) {
			return payloadMismatch(string(m.Type))
		}
		if hr.RequestID == "" {
			return fmt.Errorf("%w: httpResponse requestId must not be empty", common.ErrProtocol)
		}
		if hr.HTTPSession != nil && hr.HTTPSession.Key == "" {
			return fmt.Errorf("%w: httpSession key must not be empty", common.ErrProtocol)
		}
	case LocalMessageAck:
		if !localPayloadOnly(m.Message, nil) {
			return fmt.Errorf("%w: ack carries no payload", common.ErrProtocol)
		}
	case LocalMessageFeed:
		feed := m.Message.Feed
		if feed == nil || !localPayloadOnly(m.Message, feed) {
			return payloadMismatch(string(m.Type))
		}
		if feed.FeedType != FeedTypeMinions && feed.FeedType != FeedTypeTimings {
			return fmt.Errorf("%w: unknown feedType %q", common.ErrProtocol, feed.FeedType)
		}
		if len(feed.FeedContent) == 0 {
			return fmt.Errorf("%w: feedContent must be present", common.ErrProtocol)
		}
	default:
		return fmt.Errorf("%w: unknown localMessagesType %q", common.ErrProtocol, m.Type)
	}

	return nil
}

// EncodeHub validates and serializes a relay→hub message.
func EncodeHub(m *HubMessage) ([]byte, error) {
	if err := ValidateHub(m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeHub parses and validates a relay→hub message.
func DecodeHub(data []byte) (*HubMessage, error) {
	m := &HubMessage{}
	if err := strictUnmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrProtocol, err)
	}
	if err := ValidateHub(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ValidateHub checks a relay→hub message the same way ValidateLocal checks
// the opposite direction.
func ValidateHub(m *HubMessage) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", common.ErrProtocol)
	}

	switch m.Type {
	case HubMessageHTTPRequest:
		req := m.Message.HTTPRequest
		if req == nil || m.Message.AuthenticationFailed != nil {
			return payloadMismatch(string(m.Type))
		}
		if req.RequestID == "" {
			return fmt.Errorf("%w: httpRequest requestId must not be empty", common.ErrProtocol)
		}
		if req.HTTPMethod == "" || req.HTTPPath == "" {
			return fmt.Errorf("%w: httpRequest method and path must not be empty", common.ErrProtocol)
		}
	case HubMessageAuthenticationFailed:
		af := m.Message.AuthenticationFailed
		if af == nil || m.Message.HTTPRequest != nil {
			return payloadMismatch(string(m.Type))
		}
		if af.Reason == "" {
			return fmt.Errorf("%w: authenticationFailed reason must not be empty", common.ErrProtocol)
		}
	case HubMessageReadyToInitialization, HubMessageAuthenticated, HubMessageAck:
		if m.Message.HTTPRequest != nil || m.Message.AuthenticationFailed != nil {
			return fmt.Errorf("%w: %s carries no payload", common.ErrProtocol, m.Type)
		}
	default:
		return fmt.Errorf("%w: unknown remoteMessagesType %q", common.ErrProtocol, m.Type)
	}

	return nil
}

// localPayloadOnly reports whether want is the only sub-object present in
// the payload. Pass nil to require an empty payload.
func localPayloadOnly(p LocalPayload, want any) bool {
	present := 0
	matched := false
	for _, field := range []any{p.Initialization, p.LocalUsers, p.HTTPResponse, p.Feed} {
		if isNilPointer(field) {
			continue
		}
		present++
		if field == want {
			matched = true
		}
	}
	if want == nil {
		return present == 0
	}
	return present == 1 && matched
}

func isNilPointer(v any) bool {
	switch p := v.(type) {
	case *Initialization:
		return p == nil
	case *LocalUsers:
		return p == nil
	case *HTTPResponse:
		return p == nil
	case *Feed:
		return p == nil
	}
	return v == nil
}

func payloadMismatch(tag string) error {
	return fmt.Errorf("%w: payload does not match tag %q", common.ErrProtocol, tag)
}

func isHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// strictUnmarshal decodes JSON rejecting unknown fields and trailing data.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after message")
	}
	return nil
}
