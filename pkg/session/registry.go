package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shellbroker/shellbroker/pkg/auth"
	"github.com/shellbroker/shellbroker/pkg/logger"
)

// Admission errors returned by Register.
var (
	// ErrSessionLimit means the global session cap is reached.
	ErrSessionLimit = errors.New("session limit reached")
	// ErrAnonymousLimit means the anonymous class cap is reached.
	ErrAnonymousLimit = errors.New("anonymous session limit reached")
	// ErrAuthenticatedLimit means the authenticated class cap is reached.
	ErrAuthenticatedLimit = errors.New("authenticated session limit reached")
)

// ErrNotFound is returned by Get for an unknown session ID.
var ErrNotFound = errors.New("session not found")

// Counts is a point-in-time snapshot of registry occupancy.
type Counts struct {
	Total         int
	Anonymous     int
	Authenticated int
}

// Registry tracks live sessions and enforces the admission caps. All counters
// and both indexes are guarded by one mutex so a registration can never
// oversubscribe a cap.
type Registry struct {
	maxTotal         int
	maxAnonymous     int
	maxAuthenticated int

	mu          sync.RWMutex
	sessions    map[string]*Session
	byContainer map[string]string
	counts      Counts
}

// NewRegistry creates a registry with the given global and per-class caps.
func NewRegistry(maxTotal, maxAnonymous, maxAuthenticated int) *Registry {
	return &Registry{
		maxTotal:         maxTotal,
		maxAnonymous:     maxAnonymous,
		maxAuthenticated: maxAuthenticated,
		sessions:         make(map[string]*Session),
		byContainer:      make(map[string]string),
	}
}

// Admit reports whether a session of the given class would currently be
// admitted. Advisory only; Register re-checks under the same lock it inserts
// with.
func (r *Registry) Admit(class auth.Class) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admitLocked(class)
}

func (r *Registry) admitLocked(class auth.Class) error {
	if r.counts.Total >= r.maxTotal {
		return ErrSessionLimit
	}
	if class == auth.ClassAnonymous && r.counts.Anonymous >= r.maxAnonymous {
		return ErrAnonymousLimit
	}
	if class == auth.ClassAuthenticated && r.counts.Authenticated >= r.maxAuthenticated {
		return ErrAuthenticatedLimit
	}
	return nil
}

// Register inserts the session, atomically enforcing the caps.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.admitLocked(s.Class()); err != nil {
		return err
	}
	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already registered", s.ID)
	}

	r.sessions[s.ID] = s
	r.counts.Total++
	if s.Class() == auth.ClassAuthenticated {
		r.counts.Authenticated++
	} else {
		r.counts.Anonymous++
	}

	logger.Infow("session registered",
		"session_id", s.ID,
		"class", s.Class().String(),
		"active", r.counts.Total,
	)
	return nil
}

// BindContainer indexes the session by its backing container so runtime exit
// events can be routed back to it.
func (r *Registry) BindContainer(sessionID, containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byContainer[containerID] = sessionID
}

// Unregister removes the session and releases its cap slot. Unknown IDs are a
// no-op so teardown paths can be idempotent.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	if cid := s.ContainerID(); cid != "" {
		delete(r.byContainer, cid)
	}

	r.counts.Total--
	if s.Class() == auth.ClassAuthenticated {
		r.counts.Authenticated--
	} else {
		r.counts.Anonymous--
	}

	logger.Infow("session unregistered",
		"session_id", id,
		"active", r.counts.Total,
	)
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// ByContainer returns the session backed by the given container.
func (r *Registry) ByContainer(containerID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byContainer[containerID]
	if !ok {
		return nil, ErrNotFound
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns all live sessions. Used by the idle and orphan reapers.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Reclassify moves a live session to a new admission class, refused when the
// destination class has no headroom. The global count is unchanged.
func (r *Registry) Reclassify(id string, class auth.Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Class() == class {
		return nil
	}

	if class == auth.ClassAuthenticated {
		if r.counts.Authenticated >= r.maxAuthenticated {
			return ErrAuthenticatedLimit
		}
		r.counts.Authenticated++
		r.counts.Anonymous--
	} else {
		if r.counts.Anonymous >= r.maxAnonymous {
			return ErrAnonymousLimit
		}
		r.counts.Anonymous++
		r.counts.Authenticated--
	}
	s.setClass(class)

	logger.Infow("session reclassified",
		"session_id", id,
		"class", class.String(),
	)
	return nil
}

// CountsSnapshot returns current occupancy.
func (r *Registry) CountsSnapshot() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts
}

// ValidateInvariants recounts the registry and cross-checks the cached
// counters against each other, the caps and the container index.
func (r *Registry) ValidateInvariants() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var got Counts
	for _, s := range r.sessions {
		got.Total++
		if s.Class() == auth.ClassAuthenticated {
			got.Authenticated++
		} else {
			got.Anonymous++
		}
	}
	if got != r.counts {
		return fmt.Errorf("registry counters drifted: cached %+v, actual %+v", r.counts, got)
	}
	if r.counts.Total > r.maxTotal ||
		r.counts.Anonymous > r.maxAnonymous ||
		r.counts.Authenticated > r.maxAuthenticated {
		return fmt.Errorf("registry over cap: %+v", r.counts)
	}
	for cid, id := range r.byContainer {
		if _, ok := r.sessions[id]; !ok {
			return fmt.Errorf("container index entry %s points at unknown session %s", cid, id)
		}
	}
	return nil
}
