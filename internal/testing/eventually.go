package kctesting

import (
	"context"
	"testing"
	"time"
)

// Eventually polls condition until it returns true or the timeout elapses.
// On failure, t.Fatalf is called with the optional message.
func Eventually(t testing.TB, timeout, interval time.Duration, condition func() bool, msg ...string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !condition() {
		if time.Now().After(deadline) {
			m := "condition not met within timeout"
			if len(msg) > 0 && msg[0] != "" {
				m = msg[0]
			}
			t.Fatalf("%s", m)
		}
		time.Sleep(interval)
	}
}

// Context returns a context that is canceled when the test finishes or the
// timeout elapses.
func Context(t testing.TB, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
