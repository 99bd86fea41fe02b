package backend

import (
	"errors"
	"io"
	"sync"
	"time"
)

// SessionInfo describes an authenticated client session.
type SessionInfo struct {
	ID          string
	Username    string
	Database    string
	RemoteAddr  string
	Multiplexed bool
	StartedAt   time.Time
}

type sessionSlot struct {
	info      SessionInfo
	closer    io.Closer
	closeOnce sync.Once
}

func (s *sessionSlot) close() {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			_ = s.closer.Close()
		}
	})
}

// ErrRegistryClosed is returned by Add after CloseAll.
var ErrRegistryClosed = errors.New("session registry closed")

// Registry tracks live sessions so the server can report and shut them down.
type Registry struct {
	mu     sync.RWMutex            // Protects slots and closed
	slots  map[string]*sessionSlot // Session ID to slot mapping
	closed bool
}

// NewRegistry creates a new Registry.
func NewRegistry() *Registry {
	return &Registry{
		slots: make(map[string]*sessionSlot),
	}
}

// Add registers a session and returns a function that removes it again.
// The remove function closes closer and is safe to call more than once.
func (r *Registry) Add(info SessionInfo, closer io.Closer) (remove func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if _, exists := r.slots[info.ID]; exists {
		return nil, &DuplicateSessionError{ID: info.ID}
	}

	slot := &sessionSlot{info: info, closer: closer}
	r.slots[info.ID] = slot

	remove = func() {
		r.mu.Lock()
		if r.slots[info.ID] == slot {
			delete(r.slots, info.ID)
		}
		r.mu.Unlock()

		slot.close()
	}

	return remove, nil
}

// DuplicateSessionError is returned by Add when the session ID is taken.
type DuplicateSessionError struct {
	ID string
}

func (e *DuplicateSessionError) Error() string {
	return "session already registered: " + e.ID
}

// Get returns the info of a live session.
func (r *Registry) Get(id string) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slot, exists := r.slots[id]
	if !exists {
		return SessionInfo{}, false
	}
	return slot.info, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

// List returns the info of every live session.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SessionInfo, 0, len(r.slots))
	for _, slot := range r.slots {
		out = append(out, slot.info)
	}
	return out
}

// CloseAll closes and forgets every session. Later calls to Add fail.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	slots := r.slots
	r.slots = make(map[string]*sessionSlot)
	r.closed = true
	r.mu.Unlock()

	for _, slot := range slots {
		slot.close()
	}
}
