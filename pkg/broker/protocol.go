package broker

import "encoding/json"

// Application close codes, in the websocket private range. CloseUserExit
// tells the client the container ended and it must not auto-reconnect; the
// others mark admission and resume failures.
const (
	CloseUserExit           = 4000
	ClosePolicy             = 4001
	CloseInvalidCredentials = 4002
	CloseInvalidSession     = 4003
	CloseResumeDenied       = 4004
)

// ErrorKind is the stable machine-readable error category carried by error
// frames. Kinds are part of the client contract and never change meaning.
type ErrorKind string

// Error kinds.
const (
	KindInvalidCredentials   ErrorKind = "invalid-credentials"
	KindAdmissionDenied      ErrorKind = "admission-denied"
	KindRateLimited          ErrorKind = "rate-limited"
	KindSessionNotFound      ErrorKind = "session-not-found"
	KindResumeDenied         ErrorKind = "resume-denied"
	KindContainerUnavailable ErrorKind = "container-unavailable"
	KindInternalError        ErrorKind = "internal-error"
)

// Envelope is the first client message on every connection. A present
// sessionId makes it a resume, otherwise it opens a new session.
type Envelope struct {
	APIKey        string          `json:"apiKey,omitempty"`
	AccessToken   string          `json:"accessToken,omitempty"`
	SessionID     string          `json:"sessionId,omitempty"`
	ClientContext json.RawMessage `json:"clientContext,omitempty"`
}

// IsResume reports whether the envelope targets an existing session.
func (e *Envelope) IsResume() bool {
	return e.SessionID != ""
}

// ErrorFrame is the structured error sent before an error close.
type ErrorFrame struct {
	Type    string    `json:"type"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
	// RetryAfterSeconds is set for rate-limited errors.
	RetryAfterSeconds int `json:"retryAfterSeconds,omitempty"`
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(kind ErrorKind, message string) ErrorFrame {
	return ErrorFrame{Type: "error", Kind: kind, Message: message}
}
