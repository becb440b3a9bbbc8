// Package host carries the upstream connection: one websocket session on
// which the host issues requests and receives merged notifications, plus a
// small REST surface for status, metrics, and schemas.
package host

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"plexer/internal/broadcast"
	"plexer/internal/link"
	"plexer/internal/logging"
	"plexer/internal/metrics"
	"plexer/internal/proto"
	"plexer/internal/store"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
)

// RootWatcher is retargeted whenever the host changes workspace roots.
type RootWatcher interface {
	SetRoots(roots []proto.WorkspaceRoot)
}

type Options struct {
	Store       *store.Store
	Manager     *link.Manager
	Broadcaster *broadcast.Broadcaster
	// Watcher may be nil when filesystem watching is disabled.
	Watcher        RootWatcher
	Logger         *logging.Logger
	Registry       *metrics.Registry
	AuthToken      string
	AllowedOrigins []string
	HostVersion    string
	APIVersion     string
	// OnShutdown runs after a plugin.shutdown request has been answered.
	OnShutdown func()
}

// Handler accepts the host websocket. Only one host session is live at a
// time; a second upgrade attempt is refused until the first disconnects.
type Handler struct {
	options Options

	mu      sync.Mutex
	session *Session
}

func NewHandler(options Options) *Handler {
	if options.Registry == nil {
		options.Registry = metrics.Default
	}
	return &Handler{options: options}
}

// SetBroadcaster installs the fan-out dependency. It resolves the wiring
// cycle between handler, relay, and broadcaster at startup, before any
// session exists.
func (h *Handler) SetBroadcaster(b *broadcast.Broadcaster) {
	h.options.Broadcaster = b
}

// SetWatcher installs the manifest watcher retargeted on root changes.
func (h *Handler) SetWatcher(w RootWatcher) {
	h.options.Watcher = w
}

// Session returns the live host session, or nil.
func (h *Handler) Session() *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Notify forwards a notification to the connected host, dropping it when no
// session is live. It is the sink the relay writes into.
func (h *Handler) Notify(note proto.Notification) {
	if session := h.Session(); session != nil {
		session.Notify(note)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)
	if !validateToken(r, h.options.AuthToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	if h.session != nil {
		h.mu.Unlock()
		http.Error(w, "host already connected", http.StatusConflict)
		return
	}
	h.mu.Unlock()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, h.options.AllowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.options.Logger.Warn("host upgrade failed", map[string]string{
			"remote_addr": r.RemoteAddr,
			"error":       err.Error(),
		})
		return
	}

	session := newSession(h, conn)
	h.mu.Lock()
	if h.session != nil {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "host already connected"),
			time.Now().Add(wsWriteTimeout))
		_ = conn.Close()
		return
	}
	h.session = session
	h.mu.Unlock()

	h.options.Logger.Info("host connected", map[string]string{
		"remote_addr": r.RemoteAddr,
	})
	entries, cancelLogs := h.options.Logger.Subscribe()
	go session.forwardLogs(entries)
	session.run()
	cancelLogs()

	h.mu.Lock()
	if h.session == session {
		h.session = nil
	}
	h.mu.Unlock()
	h.options.Logger.Info("host disconnected", nil)
}

// Session is one live host connection. Requests are served concurrently;
// writes are serialized over the conn.
type Session struct {
	handler *Handler
	conn    *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
}

func newSession(handler *Handler, conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		handler: handler,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Notify sends one notification frame to the host. Failed writes close the
// session.
func (s *Session) Notify(note proto.Notification) {
	payload, err := proto.EncodeNotification(note)
	if err != nil {
		s.handler.options.Logger.Error("notification encode failed", map[string]string{
			"method": note.Method,
			"error":  err.Error(),
		})
		return
	}
	if err := s.write(payload); err != nil {
		s.Close()
	}
}

func (s *Session) Close() {
	s.cancel()
	_ = s.conn.Close()
}

// forwardLogs mirrors warning and error entries from the server log stream
// to the host as host.log notifications. Plugin lines arrive through the
// relay already, so informational chatter stays out of the host channel.
func (s *Session) forwardLogs(entries <-chan logging.LogEntry) {
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if !entry.Level.AtLeast(logging.LevelWarning) {
				continue
			}
			params, err := proto.MarshalParams(proto.LogNotification{
				Plugin: "plexer",
				Line:   string(entry.Level) + ": " + entry.Message,
			})
			if err != nil {
				continue
			}
			s.Notify(proto.Notification{Method: proto.NotifyHostLog, Params: params})
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) run() {
	defer s.Close()
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := proto.DecodeMessage(payload)
		if err != nil {
			s.handler.options.Logger.Warn("undecodable host frame", map[string]string{
				"error": err.Error(),
			})
			continue
		}

		switch {
		case msg.Request != nil:
			go s.serveRequest(*msg.Request)
		default:
			// The upstream host only issues requests on this channel.
			s.handler.options.Logger.Warn("unexpected host frame", nil)
		}
	}
}

func (s *Session) serveRequest(req proto.Request) {
	started := time.Now()
	result, reqErr := s.dispatch(s.ctx, req)
	s.handler.options.Registry.RecordRequest(req.Method, time.Since(started), errOrNil(reqErr))

	resp := proto.Response{ID: req.ID, Error: reqErr}
	if reqErr == nil {
		raw, err := proto.MarshalParams(result)
		if err != nil {
			resp.Error = &proto.RequestError{Code: "internalError", Message: "result encoding failed"}
		} else {
			resp.Result = raw
		}
	}

	payload, err := proto.EncodeResponse(resp)
	if err != nil {
		s.handler.options.Logger.Error("response encode failed", map[string]string{
			"id":     strconv.FormatInt(req.ID, 10),
			"method": req.Method,
			"error":  err.Error(),
		})
		return
	}
	if err := s.write(payload); err != nil {
		s.Close()
	}
}

func (s *Session) write(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func errOrNil(reqErr *proto.RequestError) error {
	if reqErr == nil {
		return nil
	}
	return reqErr
}
