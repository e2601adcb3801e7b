package fleet

import (
	"context"
	"sync"
	"time"
)

// entry is one cached fleet result, shared by all watches of the same URL.
type entry struct {
	key             string
	result          Result
	resourceVersion string
	refs            int
	timestamp       time.Time

	// cancel stops the fetch and live watch of the entry; nil when not running.
	cancel  context.CancelFunc
	removal *time.Timer

	listeners map[chan struct{}]struct{}
}

func (e *entry) running() bool { return e.cancel != nil }

// store is the ref-counted cache of fleet results keyed by proxied URL. The
// last release stops the entry's background work and schedules its removal
// after ttl; a new acquire within ttl reuses the cached result.
type store struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

func newStore(ttl time.Duration) *store {
	return &store{ttl: ttl, now: time.Now, entries: map[string]*entry{}}
}

// acquire takes a reference on the entry for key, creating it if needed, and
// registers listener for result changes. A non-nil context is returned when
// the caller has to start the entry's background work with it.
func (s *store) acquire(key string, isList bool, listener chan struct{}) (*entry, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{key: key, result: EmptyResult(isList), listeners: map[chan struct{}]struct{}{}}
		s.entries[key] = e
	} else if !s.validLocked(e) {
		// expired but not yet removed
		e.result = EmptyResult(isList)
		e.resourceVersion = ""
	}
	if e.removal != nil {
		e.removal.Stop()
		e.removal = nil
	}
	e.refs++
	e.timestamp = s.now()
	if listener != nil {
		e.listeners[listener] = struct{}{}
	}
	if e.running() {
		return e, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	return e, ctx
}

// release drops a reference taken by acquire.
func (s *store) release(e *entry, listener chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(e.listeners, listener)
	if e.refs == 0 {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.timestamp = s.now()
	if s.ttl <= 0 {
		s.removeLocked(e)
		return
	}
	e.removal = time.AfterFunc(s.ttl, func() { s.remove(e) })
}

func (s *store) remove(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.refs == 0 {
		s.removeLocked(e)
	}
}

func (s *store) removeLocked(e *entry) {
	if s.entries[e.key] == e {
		delete(s.entries, e.key)
	}
}

// get returns the current result and resource version of e.
func (s *store) get(e *entry) (Result, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.result, e.resourceVersion
}

// update replaces the result of e via fn unless ctx, the context of the
// background work that computed it, has been canceled.
func (s *store) update(ctx context.Context, e *entry, resourceVersion string, fn func(Result) Result) bool {
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	e.result = fn(e.result)
	if resourceVersion != "" {
		e.resourceVersion = resourceVersion
	}
	e.timestamp = s.now()
	listeners := make([]chan struct{}, 0, len(e.listeners))
	for l := range e.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		notify(l)
	}
	return true
}

// validLocked reports whether the cached result of e is still usable: either
// it is running or it was touched within ttl.
func (s *store) validLocked(e *entry) bool {
	return e.running() || s.now().Sub(e.timestamp) < s.ttl
}

func (s *store) refs(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.refs
	}
	return 0
}

func (s *store) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
