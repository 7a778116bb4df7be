// Package frame defines the wire message shapes exchanged over the
// stream protocol transport (WebSocket today; any framed, bidirectional
// transport tomorrow). Every frame is a JSON object carrying a "type"
// discriminator so a receiver can dispatch without a schema registry.
package frame

import "encoding/json"

// Type values recognized on the wire. Transport-level frames (auth,
// auth_error, ping/pong) are handled by the stream adapter itself;
// everything else is opaque application payload routed to the upstream
// after authorization.
const (
	TypeAuth      = "auth"       // client -> server, first frame on a connection
	TypeAuthOK    = "auth_ok"    // server -> client, connection admitted
	TypeAuthError = "auth_error" // server -> client, connection or message rejected
	TypePing      = "ping"
	TypePong      = "pong"
	TypeMessage   = "message" // generic application frame; Payload carries the real body
)

// Envelope is the outer shape every frame shares. Payload is left raw so
// application frames round-trip without this package knowing their
// schema.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AuthFrame is the client's first frame on a connection: a bearer token,
// API key, or session cookie value to authenticate with, mirroring the
// precedence order request-protocol auth uses.
type AuthFrame struct {
	Token  string `json:"token,omitempty"`
	APIKey string `json:"apiKey,omitempty"`
	SID    string `json:"sid,omitempty"`
}

// AuthOKFrame confirms a connection was admitted.
type AuthOKFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// AuthErrorFrame reports why a connection or message was rejected.
type AuthErrorFrame struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// Marshal wraps payload in an Envelope of the given type and serializes
// it. It is used for every outbound frame the stream adapter writes.
func Marshal(frameType, sessionID string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: frameType, SessionID: sessionID, Payload: raw})
}

// Unmarshal decodes the outer Envelope from a raw frame. Callers inspect
// Type and then unmarshal Payload into the concrete shape that type
// implies.
func Unmarshal(raw []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(raw, &env)
	return env, err
}

// Decode unmarshals a frame's raw payload into dst. A nil or empty
// payload leaves dst untouched.
func Decode(payload json.RawMessage, dst any) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, dst)
}

// Must marshals a frame, panicking on failure. Used for the handful of
// transport-level frames (auth_ok, auth_error, pong) whose payload shape
// is always marshalable; a failure there indicates a programming error.
func Must(frameType, sessionID string, payload any) []byte {
	raw, err := Marshal(frameType, sessionID, payload)
	if err != nil {
		panic("frame: marshal transport frame: " + err.Error())
	}
	return raw
}
