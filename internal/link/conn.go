package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"plexer/internal/proto"
)

const (
	wsWriteTimeout            = 10 * time.Second
	defaultNotificationBuffer = 256
)

// ErrConnClosed reports a call made on, or interrupted by, a closed
// connection. A timeout and a closed connection are the same per-link
// failure to the caller.
var ErrConnClosed = errors.New("plugin connection closed")

// Conn is one bidirectional connection to a running plugin. Implementations
// must deliver notifications in emission order and resolve in-flight calls
// with an error when the connection closes.
type Conn interface {
	Call(ctx context.Context, method string, params, result any) error
	Notifications() <-chan proto.Notification
	Close() error
}

// Dialer opens a connection to a plugin endpoint.
type Dialer func(ctx context.Context, endpoint string) (Conn, error)

// DialWebSocket is the production dialer.
func DialWebSocket(ctx context.Context, endpoint string) (Conn, error) {
	wsConn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial plugin %s: %w", endpoint, err)
	}
	conn := newWSConn(wsConn)
	go conn.readLoop()
	return conn, nil
}

type pendingCall struct {
	ch chan proto.Response
}

type wsConn struct {
	ws            *websocket.Conn
	writeMu       sync.Mutex
	nextID        atomic.Int64
	pendingMu     sync.Mutex
	pending       map[int64]pendingCall
	notifications chan proto.Notification
	closed        chan struct{}
	closeOnce     sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:            ws,
		pending:       make(map[int64]pendingCall),
		notifications: make(chan proto.Notification, defaultNotificationBuffer),
		closed:        make(chan struct{}),
	}
}

func (c *wsConn) Call(ctx context.Context, method string, params, result any) error {
	raw, err := proto.MarshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	id := c.nextID.Add(1)
	payload, err := proto.EncodeRequest(proto.Request{ID: id, Method: method, Params: raw})
	if err != nil {
		return err
	}

	call := pendingCall{ch: make(chan proto.Response, 1)}
	c.pendingMu.Lock()
	select {
	case <-c.closed:
		c.pendingMu.Unlock()
		return ErrConnClosed
	default:
	}
	c.pending[id] = call
	c.pendingMu.Unlock()
	defer c.dropPending(id)

	if err := c.write(payload); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-call.ch:
		if resp.Error != nil {
			return fmt.Errorf("%s failed: %w", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-c.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) Notifications() <-chan proto.Notification {
	return c.notifications
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
		// In-flight callers unblock on the closed channel; clear the
		// registrations so late responses have nowhere to land.
		c.pendingMu.Lock()
		c.pending = make(map[int64]pendingCall)
		c.pendingMu.Unlock()
	})
	return err
}

// readLoop is the only sender on the notifications channel and closes it on
// exit.
func (c *wsConn) readLoop() {
	defer close(c.notifications)
	defer c.Close()
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := proto.DecodeMessage(payload)
		if err != nil {
			continue
		}
		switch {
		case msg.Response != nil:
			c.resolve(*msg.Response)
		case msg.Notification != nil:
			select {
			case <-c.closed:
				return
			case c.notifications <- *msg.Notification:
			}
		}
	}
}

func (c *wsConn) resolve(resp proto.Response) {
	c.pendingMu.Lock()
	call, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()
	if ok {
		call.ch <- resp
	}
}

func (c *wsConn) dropPending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *wsConn) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}
