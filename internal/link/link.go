// Package link owns the lifecycle of plugin connections. Each active
// identity maps to exactly one Link; the manager diffs derived active sets
// into link creation and disposal, never touching identities present in
// both.
package link

import (
	"context"
	"errors"
	"sync"

	"plexer/internal/store"
)

type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusFailed   Status = "failed"
	StatusDisposed Status = "disposed"
)

// ErrNotReady reports a call against a link that has no usable connection.
var ErrNotReady = errors.New("link is not ready")

// Link exclusively owns one plugin connection. Status moves Starting to Ready
// or Starting to Failed, then to Disposed when the identity leaves the active
// set; a Failed link keeps its error and trace for reporting but is excluded
// from fan-out.
type Link struct {
	plugin store.ActivePlugin

	mu     sync.Mutex
	status Status
	conn   Conn
	err    error
	trace  string
}

func newLink(plugin store.ActivePlugin) *Link {
	return &Link{
		plugin: plugin,
		status: StatusStarting,
	}
}

func (l *Link) Identity() string {
	return l.plugin.Identity
}

// DisplayName is the label used when relabeling plugin output.
func (l *Link) DisplayName() string {
	return l.plugin.Manifest.Display()
}

func (l *Link) Plugin() store.ActivePlugin {
	return l.plugin
}

func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Failure returns the retained error and trace of a Failed link.
func (l *Link) Failure() (error, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err, l.trace
}

// Call forwards one request over the link's connection. Only Ready links
// accept calls.
func (l *Link) Call(ctx context.Context, method string, params, result any) error {
	l.mu.Lock()
	conn := l.conn
	status := l.status
	l.mu.Unlock()

	if status != StatusReady || conn == nil {
		return ErrNotReady
	}
	return conn.Call(ctx, method, params, result)
}

// Conn exposes the live connection of a Ready link, nil otherwise.
func (l *Link) Conn() Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != StatusReady {
		return nil
	}
	return l.conn
}

// markReady transitions a Starting link to Ready. It reports false when the link left
// Starting in the meantime (disposed mid-handshake), in which case the
// caller owns closing the connection.
func (l *Link) markReady(conn Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != StatusStarting {
		return false
	}
	l.status = StatusReady
	l.conn = conn
	return true
}

func (l *Link) markFailed(err error, trace string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != StatusStarting {
		return false
	}
	l.status = StatusFailed
	l.err = err
	l.trace = trace
	return true
}

// dispose releases the connection and returns it for the caller to close.
func (l *Link) dispose() Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	conn := l.conn
	l.status = StatusDisposed
	l.conn = nil
	return conn
}
