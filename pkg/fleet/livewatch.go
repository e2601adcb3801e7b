package fleet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/util/json"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/sttts/kcfleet/internal/metrics"
)

// run fills e with the result of the initial fetch and, with live watch
// enabled, keeps it current until ctx is canceled.
func (c *Client) run(ctx context.Context, e *entry, t target, u string) {
	logger := c.logger.WithValues("cluster", t.cluster, "url", u)
	logger.V(4).Info("Fetching")

	n, err := c.fetch(ctx, t, u)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		logger.V(2).Info("Fetch failed", "err", err)
		c.store.update(ctx, e, "", func(r Result) Result { return failed(r, err) })
		return
	}
	c.store.update(ctx, e, n.ResourceVersion, func(Result) Result { return n.result(t.isList) })
	if c.liveWatch {
		c.watchLive(ctx, e, t, u)
	}
}

// errRelist is returned by a live watch stream when its resource version
// expired and the data has to be fetched again.
var errRelist = errors.New("fleet: resource version expired")

func (c *Client) watchLive(ctx context.Context, e *entry, t target, u string) {
	logger := c.logger.WithValues("cluster", t.cluster, "url", u)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		_, rv := c.store.get(e)
		started := time.Now()
		err := c.stream(ctx, e, t, rv)
		if ctx.Err() != nil {
			return
		}
		if err == errRelist {
			logger.V(2).Info("Resource version expired, fetching again")
			n, err := c.fetch(ctx, t, u)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				c.store.update(ctx, e, "", func(r Result) Result { return failed(r, err) })
			} else {
				c.store.update(ctx, e, n.ResourceVersion, func(Result) Result { return n.result(t.isList) })
			}
		} else {
			logger.V(4).Info("Live watch closed", "err", err)
		}
		if time.Since(started) > b.MaxInterval {
			b.Reset()
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// stream reads one websocket watch connection until it fails or ctx is done.
func (c *Client) stream(ctx context.Context, e *entry, t target, rv string) error {
	q := t.query
	q.Watch = true
	q.AllowWatchBookmarks = true
	q.ResourceVersion = rv
	if !t.isList {
		q.FieldSelector = fields.OneTermEqualSelector("metadata.name", t.name).String()
	}
	u, err := c.proxyURL(t.cluster, t.collectionPath, q)
	if err != nil {
		return err
	}
	wsURL, err := websocketURL(u)
	if err != nil {
		return err
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusGone {
				return errRelist
			}
			return newProxyFetchError(t.cluster, u, resp.StatusCode, nil, t.gr, t.name)
		}
		return newTransportError(t.cluster, u, err)
	}
	defer conn.Close()
	metrics.LiveWatches.Inc()
	defer metrics.LiveWatches.Dec()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev metav1.WatchEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		switch et := watch.EventType(ev.Type); et {
		case watch.Added, watch.Modified, watch.Deleted:
			obj, err := decodeObject(ev.Object.Raw)
			if err != nil {
				c.logger.V(4).Info("Dropping undecodable watch event", "cluster", t.cluster, "err", err)
				continue
			}
			c.store.update(ctx, e, obj.GetResourceVersion(), func(r Result) Result {
				return applyToResult(r, t, et, obj)
			})
		case watch.Bookmark:
			if obj, err := decodeObject(ev.Object.Raw); err == nil {
				c.store.update(ctx, e, obj.GetResourceVersion(), func(r Result) Result { return r })
			}
		case watch.Error:
			var status metav1.Status
			if err := json.Unmarshal(ev.Object.Raw, &status); err != nil {
				return fmt.Errorf("decode watch error: %w", err)
			}
			if status.Code == http.StatusGone {
				return errRelist
			}
			serr := &apierrors.StatusError{ErrStatus: status}
			c.store.update(ctx, e, "", func(r Result) Result { return failed(r, serr) })
			return serr
		}
	}
}

func applyToResult(r Result, t target, et watch.EventType, obj *unstructured.Unstructured) Result {
	if t.isList {
		return NewListResult(ApplyEvent(r.Items, t.cluster, et, obj), true, nil)
	}
	if et == watch.Deleted {
		return NewItemResult(nil, true, apierrors.NewNotFound(t.gr, t.name))
	}
	item := Tag(t.cluster, obj)
	return NewItemResult(&item, true, nil)
}

func decodeObject(raw []byte) (*unstructured.Unstructured, error) {
	obj := map[string]any{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	return &unstructured.Unstructured{Object: obj}, nil
}

func websocketURL(u string) (string, error) {
	parsed, err := url.Parse(u)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	}
	return parsed.String(), nil
}
