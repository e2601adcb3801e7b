package fleet

import (
	"context"
	"errors"
	"sync"
)

// ErrWatchStopped is returned by WaitLoaded when the watch was stopped.
var ErrWatchStopped = errors.New("fleet: watch stopped")

// Watch is a live subscription to a WatchRequest. Its Result is replaced
// whenever new data arrives; Changed is signaled after every replacement.
type Watch struct {
	c       *Client
	changed chan struct{}
	done    chan struct{}

	mu          sync.Mutex
	req         *WatchRequest
	started     bool
	stopped     bool
	entry       *entry
	localCancel context.CancelFunc
	result      Result
}

// Watch starts watching req. The watch is stopped when ctx is done or Stop
// is called.
func (c *Client) Watch(ctx context.Context, req *WatchRequest) *Watch {
	w := &Watch{
		c:       c,
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
		result:  EmptyResult(req != nil && req.IsList),
	}
	w.Update(req)
	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.done:
		}
	}()
	return w
}

// Changed is signaled whenever the result may have changed. Signals are
// coalesced.
func (w *Watch) Changed() <-chan struct{} { return w.changed }

// Done is closed when the watch is stopped.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Request returns the request currently watched.
func (w *Watch) Request() *WatchRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.req.DeepCopy()
}

// Result returns the latest [data, loaded, error] triple.
func (w *Watch) Result() Result {
	w.mu.Lock()
	e := w.entry
	r := w.result
	w.mu.Unlock()
	if e != nil {
		r, _ = w.c.store.get(e)
	}
	return r
}

// State returns the lifecycle state derived from the current result.
func (w *Watch) State() State {
	w.mu.Lock()
	active := !w.stopped && !w.req.IsNull()
	w.mu.Unlock()
	return stateOf(w.Result(), active)
}

// Update switches the watch to req. An identical request is a no-op; any
// other request abandons the previous one, whose late results are dropped,
// and restarts from the empty, unloaded value. Paths are resolved before the
// watch is locked, so discovery calls do not block Result or State.
func (w *Watch) Update(req *WatchRequest) {
	if w.unchanged(req) {
		return
	}
	useFleet := !req.IsNull() && w.c.UseFleet(req)
	var t target
	var resolveErr error
	if useFleet {
		t, resolveErr = w.c.resolve(req)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || (w.started && sameRequest(w.req, req)) {
		return
	}
	w.teardownLocked()
	w.started = true
	w.req = req.DeepCopy()
	w.result = EmptyResult(req != nil && req.IsList)

	switch {
	case req.IsNull():
	case !useFleet:
		w.startLocalLocked()
	case resolveErr != nil:
		w.result = failed(w.result, resolveErr)
	default:
		w.startFleetLocked(t)
	}
	notify(w.changed)
}

func (w *Watch) unchanged(req *WatchRequest) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped || (w.started && sameRequest(w.req, req))
}

// Stop tears the watch down. The result returns to the empty, unloaded value
// and the state to Idle.
func (w *Watch) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	w.teardownLocked()
	w.result = EmptyResult(w.req != nil && w.req.IsList)
	close(w.done)
	notify(w.changed)
}

// WaitLoaded blocks until the result is loaded, the watch is stopped or ctx
// is done. It consumes Changed signals.
func (w *Watch) WaitLoaded(ctx context.Context) (Result, error) {
	for {
		if r := w.Result(); r.Loaded {
			return r, nil
		}
		select {
		case <-w.changed:
		case <-w.done:
			return w.Result(), ErrWatchStopped
		case <-ctx.Done():
			return w.Result(), ctx.Err()
		}
	}
}

func (w *Watch) teardownLocked() {
	if w.entry != nil {
		w.c.store.release(w.entry, w.changed)
		w.entry = nil
	}
	if w.localCancel != nil {
		w.localCancel()
		w.localCancel = nil
	}
}

func (w *Watch) startLocalLocked() {
	if w.c.local == nil {
		w.result = failed(w.result, errNoLocalSource)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.localCancel = cancel
	req := w.req.DeepCopy()
	go func() {
		err := w.c.local.Watch(ctx, req, func(r Result) { w.setLocal(ctx, func(Result) Result { return r }) })
		if err != nil && !IsAbort(err) {
			w.setLocal(ctx, func(r Result) Result { return failed(r, err) })
		}
	}()
}

// setLocal applies fn to the result unless ctx, the context of the local
// watch that produced it, was canceled by a later Update or Stop.
func (w *Watch) setLocal(ctx context.Context, fn func(Result) Result) {
	w.mu.Lock()
	if ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.result = fn(w.result)
	w.mu.Unlock()
	notify(w.changed)
}

func (w *Watch) startFleetLocked(t target) {
	u, err := w.c.proxyURL(t.cluster, t.path, t.query)
	if err != nil {
		w.result = failed(w.result, err)
		return
	}
	e, runCtx := w.c.store.acquire(u, t.isList, w.changed)
	w.entry = e
	if runCtx != nil {
		go w.c.run(runCtx, e, t, u)
	}
}
