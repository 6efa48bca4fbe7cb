package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Handle identifies one client connection for the lifetime of the process.
type Handle uint64

// Registry maps open connections to their session identifiers.
type Registry struct {
	maxSessions int
	now         func() time.Time

	nextHandle atomic.Uint64

	mu       sync.RWMutex
	sessions map[Handle]string
	ids      map[string]Handle
}

// NewRegistry returns an empty registry. maxSessions <= 0 means unlimited.
func NewRegistry(maxSessions int) *Registry {
	return &Registry{
		maxSessions: maxSessions,
		now:         time.Now,
		sessions:    make(map[Handle]string),
		ids:         make(map[string]Handle),
	}
}

// NewHandle allocates a handle that has never been handed out before.
func (r *Registry) NewHandle() Handle {
	return Handle(r.nextHandle.Add(1))
}

// Connect mints a session id for h and records it.
func (r *Registry) Connect(h Handle) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id, err := newSessionID(r.now())
		if err != nil {
			return "", err
		}

		r.mu.Lock()
		if _, ok := r.sessions[h]; ok {
			r.mu.Unlock()
			return "", ErrHandleInUse
		}
		if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
			r.mu.Unlock()
			return "", ErrTooManySessions
		}
		if _, taken := r.ids[id]; taken {
			// Same millisecond and same 48-bit suffix. Try again.
			r.mu.Unlock()
			continue
		}
		r.sessions[h] = id
		r.ids[id] = h
		r.mu.Unlock()
		return id, nil
	}
	return "", errors.New("failed to allocate unique session id")
}

// Disconnect removes h. ok is false when h was not registered, so callers can
// rely on it to run close handling at most once.
func (r *Registry) Disconnect(h Handle) (id string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok = r.sessions[h]
	if !ok {
		return "", false
	}
	delete(r.sessions, h)
	delete(r.ids, id)
	return id, true
}

func (r *Registry) Lookup(h Handle) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sessions[h]
	if !ok {
		return "", ErrSessionNotFound
	}
	return id, nil
}

// Len reports the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
