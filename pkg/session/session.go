// Package session holds the broker's session model: the per-session entity
// with its lifecycle state machine, the bounded output replay buffer, and the
// registry enforcing the global and per-class admission caps.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shellbroker/shellbroker/pkg/auth"
	"github.com/shellbroker/shellbroker/pkg/logger"
)

// Session is one terminal session. Identity fields are set once at creation
// and never change; mutable lifecycle fields are guarded by mu.
type Session struct {
	// ID is the opaque session identifier handed to the client for resume.
	ID string
	// CredentialHash is the digest a resuming client must reproduce.
	CredentialHash auth.Hash
	// Fingerprint is the advisory client fingerprint captured at creation.
	Fingerprint auth.Fingerprint
	// CreatedAt is the session creation time.
	CreatedAt time.Time
	// Output retains recent container output for replay on resume.
	Output *OutputBuffer

	mu           sync.Mutex
	class        auth.Class
	state        State
	containerID  string
	lastActivity time.Time
	orphanedAt   time.Time
	resumeCount  int
	attaching    bool
}

// New creates a pending session for the given class and credential hash.
func New(class auth.Class, hash auth.Hash, fp auth.Fingerprint, maxChunks, maxBytes int) *Session {
	now := time.Now()
	return &Session{
		ID:             uuid.NewString(),
		class:          class,
		CredentialHash: hash,
		Fingerprint:    fp,
		CreatedAt:      now,
		Output:         NewOutputBuffer(maxChunks, maxBytes),
		state:          StatePending,
		lastActivity:   now,
	}
}

// Class returns the admission class. Set at authentication time and changed
// only by the registry's Reclassify.
func (s *Session) Class() auth.Class {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.class
}

func (s *Session) setClass(c auth.Class) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.class = c
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to the target state, enforcing the lifecycle
// table. Entering orphaned stamps the orphan time; re-entering attached
// clears it and bumps the resume count.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !allowed(s.state, to) {
		return &ErrInvalidTransition{From: s.state, To: to}
	}

	from := s.state
	s.state = to
	switch {
	case to == StateOrphaned:
		s.orphanedAt = time.Now()
	case from == StateOrphaned && to == StateAttached:
		s.orphanedAt = time.Time{}
		s.resumeCount++
		s.lastActivity = time.Now()
	}

	logger.Debugw("session state changed",
		"session_id", s.ID,
		"from", from.String(),
		"to", to.String(),
	)
	return nil
}

// SetContainerID records the container backing this session. Set once during
// provisioning.
func (s *Session) SetContainerID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containerID = id
}

// ContainerID returns the backing container ID, empty before provisioning.
func (s *Session) ContainerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containerID
}

// TouchActivity stamps the session as active now. Any inbound client message
// counts as activity for idle accounting.
func (s *Session) TouchActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the time of the most recent client activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// OrphanedAt returns when the session entered orphaned, zero otherwise.
func (s *Session) OrphanedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orphanedAt
}

// ResumeCount returns how many times the session has been resumed.
func (s *Session) ResumeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeCount
}

// BeginAttach claims the exclusive right to attach a client to this session.
// It fails when another connection is already mid-attach, which closes the
// race between two concurrent resume attempts for the same session.
func (s *Session) BeginAttach() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attaching {
		return false
	}
	s.attaching = true
	return true
}

// EndAttach releases the attach claim taken by BeginAttach.
func (s *Session) EndAttach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attaching = false
}
