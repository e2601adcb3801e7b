// Package sse multiplexes server-sent events to long-lived HTTP connections
// grouped by namespace.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"

	"github.com/sttts/kcfleet/internal/metrics"
)

const (
	// Wildcard subscribers receive events of every namespace.
	Wildcard = "*"
	// DefaultKeepAliveInterval stays below common proxy idle timeouts.
	DefaultKeepAliveInterval = 110 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultQueueSize         = 64
)

var keepAliveFrame = []byte(":\n\n")

var (
	errClosed    = errors.New("subscriber closed")
	errQueueFull = errors.New("subscriber queue full")
)

// Options configure a Registry.
type Options struct {
	KeepAliveInterval time.Duration
	// WriteTimeout bounds each frame write on connections that support
	// write deadlines.
	WriteTimeout time.Duration
	// QueueSize is the number of frames buffered per subscriber. A subscriber
	// whose queue is full is closed.
	QueueSize int
	Logger    *logr.Logger
}

// subscriber is one open event stream. Frames are queued by broadcasters and
// written by the goroutine serving the stream.
type subscriber struct {
	id uint64
	w  io.Writer
	rc *http.ResponseController
	// key identifies the underlying connection across buckets.
	key any

	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscriber) enqueue(frame []byte) error {
	select {
	case <-s.done:
		return errClosed
	default:
	}
	select {
	case s.queue <- frame:
		return nil
	default:
		return errQueueFull
	}
}

// start sends the response headers.
func (s *subscriber) start(timeout time.Duration) error {
	if rw, ok := s.w.(http.ResponseWriter); ok {
		rw.WriteHeader(http.StatusOK)
	}
	return s.flush(timeout)
}

func (s *subscriber) write(frame []byte, timeout time.Duration) error {
	if err := s.setDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	return s.flush(timeout)
}

func (s *subscriber) flush(timeout time.Duration) error {
	if err := s.setDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return s.setDeadline(time.Time{})
}

func (s *subscriber) setDeadline(t time.Time) error {
	if s.rc == nil {
		return nil
	}
	if err := s.rc.SetWriteDeadline(t); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// close ends the stream. It never waits for a write in flight.
func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Registry is the set of event stream subscribers. It is created on server
// start and disposed on shutdown; after Dispose every method is a no-op.
type Registry struct {
	logger       logr.Logger
	keepAlive    time.Duration
	writeTimeout time.Duration
	queueSize    int

	mu       sync.Mutex
	buckets  map[string]map[uint64]*subscriber
	nextID   uint64
	eventID  uint64
	disposed bool
	stop     chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		logger:       klog.Background().WithName("sse"),
		keepAlive:    opts.KeepAliveInterval,
		writeTimeout: opts.WriteTimeout,
		queueSize:    opts.QueueSize,
		buckets:      map[string]map[uint64]*subscriber{},
		stop:         make(chan struct{}),
	}
	if opts.Logger != nil {
		r.logger = *opts.Logger
	}
	if r.keepAlive <= 0 {
		r.keepAlive = DefaultKeepAliveInterval
	}
	if r.writeTimeout <= 0 {
		r.writeTimeout = DefaultWriteTimeout
	}
	if r.queueSize <= 0 {
		r.queueSize = DefaultQueueSize
	}
	return r
}

// Subscribe streams events of namespace to w until the request's context is
// done or the registry is disposed. The subscriber is removed exactly once
// when Subscribe returns.
func (r *Registry) Subscribe(namespace string, w http.ResponseWriter, req *http.Request) {
	if namespace == "" {
		namespace = Wildcard
	}
	sub := r.register(namespace, w, w)
	if sub == nil {
		return
	}
	defer r.unregister(namespace, sub)
	r.serve(req.Context(), sub)
}

// serve writes queued frames until ctx is done, the subscriber is closed or
// a write fails.
func (r *Registry) serve(ctx context.Context, sub *subscriber) {
	if err := sub.start(r.writeTimeout); err != nil {
		r.failed(sub, err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case frame := <-sub.queue:
			if err := sub.write(frame, r.writeTimeout); err != nil {
				r.failed(sub, err)
				return
			}
		}
	}
}

// register adds w to the namespace bucket and prepares the stream headers.
// It returns nil if the registry is disposed.
func (r *Registry) register(namespace string, w io.Writer, key any) *subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil
	}

	r.nextID++
	sub := &subscriber{
		id:    r.nextID,
		w:     w,
		key:   key,
		queue: make(chan []byte, r.queueSize),
		done:  make(chan struct{}),
	}
	if rw, ok := w.(http.ResponseWriter); ok {
		h := rw.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache, no-transform")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		sub.rc = http.NewResponseController(rw)
	}
	bucket, ok := r.buckets[namespace]
	if !ok {
		bucket = map[uint64]*subscriber{}
		r.buckets[namespace] = bucket
	}
	bucket[sub.id] = sub
	metrics.SSESubscribers.Inc()
	r.logger.V(4).Info("Subscribed", "namespace", namespace, "id", sub.id)
	return sub
}

func (r *Registry) unregister(namespace string, sub *subscriber) {
	sub.close()

	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.buckets[namespace]
	if !ok {
		return
	}
	if _, ok := bucket[sub.id]; !ok {
		return
	}
	delete(bucket, sub.id)
	if len(bucket) == 0 {
		delete(r.buckets, namespace)
	}
	metrics.SSESubscribers.Dec()
	r.logger.V(4).Info("Unsubscribed", "namespace", namespace, "id", sub.id)
}

// Broadcast queues an event for the subscribers of namespace and for the
// wildcard subscribers not already subscribed to namespace. It returns the
// event id, or 0 if the registry is disposed.
func (r *Registry) Broadcast(namespace, event string, data []byte) uint64 {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return 0
	}
	r.eventID++
	id := r.eventID
	exact := snapshot(r.buckets[namespace])
	var wildcard []*subscriber
	if namespace != Wildcard {
		wildcard = snapshot(r.buckets[Wildcard])
	}
	r.mu.Unlock()

	metrics.SSEEvents.WithLabelValues(event).Inc()
	frame := Frame(id, event, data)

	seen := make(map[any]struct{}, len(exact))
	for _, sub := range exact {
		seen[sub.key] = struct{}{}
		r.send(sub, frame)
	}
	for _, sub := range wildcard {
		if _, ok := seen[sub.key]; ok {
			continue
		}
		r.send(sub, frame)
	}
	return id
}

// BroadcastJSON marshals v and broadcasts it.
func (r *Registry) BroadcastJSON(namespace, event string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s event: %w", event, err)
	}
	return r.Broadcast(namespace, event, data), nil
}

// KeepAlive queues a comment frame for every subscriber.
func (r *Registry) KeepAlive() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	var subs []*subscriber
	for _, bucket := range r.buckets {
		subs = append(subs, snapshot(bucket)...)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		r.send(sub, keepAliveFrame)
	}
}

// Run sends keep-alive frames until ctx is done or the registry is disposed.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.KeepAlive()
		}
	}
}

// Dispose closes every stream, clears the registry and stops Run.
func (r *Registry) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	var subs []*subscriber
	for _, bucket := range r.buckets {
		subs = append(subs, snapshot(bucket)...)
	}
	r.buckets = map[string]map[uint64]*subscriber{}
	close(r.stop)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.close()
		metrics.SSESubscribers.Dec()
	}
	r.logger.V(2).Info("Disposed event registry", "subscribers", len(subs))
}

// Len returns the number of subscribers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, bucket := range r.buckets {
		n += len(bucket)
	}
	return n
}

// send queues frame for sub. A subscriber that cannot keep up is closed and
// removed by its own stream.
func (r *Registry) send(sub *subscriber, frame []byte) {
	err := sub.enqueue(frame)
	if err == nil || errors.Is(err, errClosed) {
		return
	}
	sub.close()
	r.failed(sub, err)
}

func (r *Registry) failed(sub *subscriber, err error) {
	metrics.SSEWriteFailures.Inc()
	r.logger.V(4).Info("Dropping subscriber", "id", sub.id, "err", err)
}

// snapshot returns the subscribers of bucket ordered by id.
func snapshot(bucket map[uint64]*subscriber) []*subscriber {
	subs := make([]*subscriber, 0, len(bucket))
	for _, sub := range bucket {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return subs
}

// Frame formats an event frame. Multi-line data is sent as several data lines.
func Frame(id uint64, event string, data []byte) []byte {
	var b bytes.Buffer
	b.WriteString("id:")
	b.WriteString(strconv.FormatUint(id, 10))
	b.WriteString("\nevent:")
	b.WriteString(event)
	b.WriteByte('\n')
	for _, line := range bytes.Split(data, []byte("\n")) {
		b.WriteString("data:")
		b.Write(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}
