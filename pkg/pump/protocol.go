// Package pump moves bytes between the client transport and the session's
// container. It is the only place where the two byte streams meet: inbound
// classification, the one-time attach handshake swallow, framed-stream
// demultiplexing, replay buffering and termination signalling all live here.
package pump

// Status payloads carried by status frames.
const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// StatusFrame is the server-to-client status envelope.
type StatusFrame struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Reason  string `json:"reason,omitempty"`
}

// NewStatusFrame builds a status frame with the given payload.
func NewStatusFrame(payload, reason string) StatusFrame {
	return StatusFrame{Type: "status", Payload: payload, Reason: reason}
}

// HelloFrame announces the session ID, once per attach. The client stores the
// ID for resume.
type HelloFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// NewHelloFrame builds the hello frame for a session.
func NewHelloFrame(sessionID string) HelloFrame {
	return HelloFrame{Type: "hello", SessionID: sessionID}
}

// Sink is the client-facing half the pump writes to. The broker implements it
// over the websocket connection with a single-writer discipline.
type Sink interface {
	// SendOutput forwards raw container output to the client.
	SendOutput(p []byte) error
	// SendStatus emits a status frame.
	SendStatus(payload, reason string) error
	// SendHello emits the hello frame.
	SendHello(sessionID string) error
	// CloseUserExit closes the transport signalling a non-recoverable end
	// of the container stream, so the client does not auto-reconnect.
	CloseUserExit(reason string) error
}
