// Package linktest provides scriptable in-memory plugin connections for
// tests across the orchestrator packages.
package linktest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"plexer/internal/link"
	"plexer/internal/proto"
)

// Call records one request sent to a fake plugin.
type Call struct {
	Method string
	Params json.RawMessage
}

// Handler produces the result (or error) for one method.
type Handler func(params json.RawMessage) (any, error)

// Conn is an in-memory link.Conn. By default it answers every call with an
// empty success and answers plugin.versionCheck with the configured API
// version.
type Conn struct {
	APIVersion string

	mu            sync.Mutex
	handlers      map[string]Handler
	calls         []Call
	closed        bool
	notifications chan proto.Notification
}

var _ link.Conn = (*Conn)(nil)

func NewConn(apiVersion string) *Conn {
	return &Conn{
		APIVersion:    apiVersion,
		handlers:      make(map[string]Handler),
		notifications: make(chan proto.Notification, 64),
	}
}

// Handle scripts the response for one method.
func (c *Conn) Handle(method string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = handler
}

func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return link.ErrConnClosed
	}
	c.calls = append(c.calls, Call{Method: method, Params: raw})
	handler := c.handlers[method]
	c.mu.Unlock()

	if handler == nil {
		if method == proto.MethodVersionCheck {
			return assign(result, proto.VersionCheckResult{
				Name:       "fake",
				Version:    "1.0.0",
				APIVersion: c.APIVersion,
			})
		}
		return nil
	}
	value, err := handler(raw)
	if err != nil {
		return err
	}
	return assign(result, value)
}

func (c *Conn) Notifications() <-chan proto.Notification {
	return c.notifications
}

// Notify injects a plugin-originated notification into the stream.
func (c *Conn) Notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return link.ErrConnClosed
	}
	c.notifications <- proto.Notification{Method: method, Params: raw}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.notifications)
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Calls returns the methods sent so far.
func (c *Conn) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

func (c *Conn) CallsFor(method string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

// Dialer routes endpoints to fake conns. Unknown endpoints fail to dial.
type Dialer struct {
	mu    sync.Mutex
	conns map[string]*Conn
	fails map[string]error
}

func NewDialer() *Dialer {
	return &Dialer{
		conns: make(map[string]*Conn),
		fails: make(map[string]error),
	}
}

// Register returns the fake conn that dialing the endpoint will yield.
func (d *Dialer) Register(endpoint string, conn *Conn) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[endpoint] = conn
	return conn
}

// FailWith makes dialing the endpoint return err.
func (d *Dialer) FailWith(endpoint string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fails[endpoint] = err
}

// Conn returns the registered conn for an endpoint.
func (d *Dialer) Conn(endpoint string) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[endpoint]
}

func (d *Dialer) Dial(ctx context.Context, endpoint string) (link.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fails[endpoint]; err != nil {
		return nil, err
	}
	conn, ok := d.conns[endpoint]
	if !ok {
		return nil, fmt.Errorf("no fake plugin at %s", endpoint)
	}
	return conn, nil
}

func assign(target, value any) error {
	if target == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, target)
}
