package link

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"plexer/internal/event"
	"plexer/internal/logging"
	"plexer/internal/metrics"
	"plexer/internal/proto"
	"plexer/internal/store"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	lifecycleEventBuffer    = 1024
)

// EventType labels lifecycle transitions published on the manager bus.
type EventType string

const (
	EventReady    EventType = "ready"
	EventFailed   EventType = "failed"
	EventDisposed EventType = "disposed"
)

// Event is one lifecycle transition. Failed events carry the retained error
// and trace so the host can report exactly one plugin-error per handshake
// failure.
type Event struct {
	Type  EventType
	Link  *Link
	Err   error
	Trace string
}

type ManagerOptions struct {
	Dialer           Dialer
	Versions         VersionRange
	HostVersion      string
	HandshakeTimeout time.Duration
	Logger           *logging.Logger
	Registry         *metrics.Registry
}

// Manager converts derived active sets into live links. Identities present
// in both the previous and next set keep their Link instance untouched.
type Manager struct {
	options ManagerOptions
	events  *event.Bus[Event]

	mu    sync.Mutex
	links map[string]*Link
}

func NewManager(ctx context.Context, options ManagerOptions) *Manager {
	if options.Dialer == nil {
		options.Dialer = DialWebSocket
	}
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = defaultHandshakeTimeout
	}
	if options.Registry == nil {
		options.Registry = metrics.Default
	}
	return &Manager{
		options: options,
		events: event.NewBus[Event](ctx, event.BusOptions{
			Name: "link_events",
			// A dropped Ready or Disposed would leave the relay's view of
			// attached plugins stale, so size the buffer well past any
			// plausible burst of lifecycle transitions.
			SubscriberBufferSize: lifecycleEventBuffer,
			Registry:             options.Registry,
		}),
		links: make(map[string]*Link),
	}
}

// Events exposes lifecycle transitions for the relay and the host reporter.
func (m *Manager) Events() *event.Bus[Event] {
	return m.events
}

// Sync diffs the derived active set against the managed links: new
// identities start a link and handshake asynchronously, departed identities
// are disposed, everything else is left alone.
func (m *Manager) Sync(previous, current *store.ActiveSet) {
	next := current.Identities()

	m.mu.Lock()
	var started []*Link
	var disposed []*Link
	for identity, plugin := range next {
		if _, exists := m.links[identity]; exists {
			continue
		}
		created := newLink(plugin)
		m.links[identity] = created
		started = append(started, created)
	}
	for identity, existing := range m.links {
		if _, stillActive := next[identity]; stillActive {
			continue
		}
		delete(m.links, identity)
		disposed = append(disposed, existing)
	}
	m.mu.Unlock()

	for _, l := range disposed {
		m.disposeLink(l)
	}
	for _, l := range started {
		go m.startLink(l)
	}
}

// Link returns the managed link for an identity, or nil.
func (m *Manager) Link(identity string) *Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[identity]
}

// ReadyLinks returns the Ready links in stable iteration order (manifest
// name, then identity). Broadcast merging depends on this order being
// deterministic.
func (m *Manager) ReadyLinks() []*Link {
	m.mu.Lock()
	all := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		all = append(all, l)
	}
	m.mu.Unlock()

	ready := all[:0]
	for _, l := range all {
		if l.Status() == StatusReady {
			ready = append(ready, l)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		ni, nj := ready[i].plugin.Manifest.Name, ready[j].plugin.Manifest.Name
		if ni != nj {
			return ni < nj
		}
		return ready[i].Identity() < ready[j].Identity()
	})
	return append([]*Link(nil), ready...)
}

// Links returns every managed link, including Starting and Failed ones.
func (m *Manager) Links() []*Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	return out
}

// DisposeAll tears down every link. Used on shutdown after the best-effort
// shutdown broadcast.
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	all := make([]*Link, 0, len(m.links))
	for identity, l := range m.links {
		all = append(all, l)
		delete(m.links, identity)
	}
	m.mu.Unlock()

	for _, l := range all {
		m.disposeLink(l)
	}
	m.events.Close()
}

func (m *Manager) startLink(l *Link) {
	m.options.Registry.IncHandshakeStarted()
	conn, err := m.handshake(l)
	if err != nil {
		trace := string(debug.Stack())
		if !l.markFailed(err, trace) {
			// Disposed while starting; nothing to report.
			if conn != nil {
				conn.Close()
			}
			return
		}
		m.options.Registry.IncHandshakeFailed()
		m.options.Logger.Warn("plugin handshake failed", map[string]string{
			"plugin": l.DisplayName(),
			"error":  err.Error(),
		})
		m.events.Publish(Event{Type: EventFailed, Link: l, Err: err, Trace: trace})
		return
	}

	if !l.markReady(conn) {
		conn.Close()
		return
	}
	m.options.Registry.IncHandshakeSucceeded()
	m.options.Logger.Info("plugin ready", map[string]string{
		"plugin":  l.DisplayName(),
		"version": l.plugin.Manifest.Version,
	})
	m.events.Publish(Event{Type: EventReady, Link: l})
}

// handshake dials the plugin endpoint and performs the version check. The
// returned conn is non-nil only on success.
func (m *Manager) handshake(l *Link) (Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.options.HandshakeTimeout)
	defer cancel()

	conn, err := m.options.Dialer(ctx, l.plugin.Manifest.Endpoint)
	if err != nil {
		return nil, err
	}

	var result proto.VersionCheckResult
	err = conn.Call(ctx, proto.MethodVersionCheck, proto.VersionCheckParams{
		HostVersion:     m.options.HostVersion,
		ProtocolVersion: proto.ProtocolVersion,
	}, &result)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("version check: %w", err)
	}

	apiVersion := result.APIVersion
	if apiVersion == "" {
		apiVersion = l.plugin.Manifest.APIVersion
	}
	if err := m.options.Versions.Check(apiVersion); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (m *Manager) disposeLink(l *Link) {
	conn := l.dispose()
	if conn != nil {
		conn.Close()
	}
	m.options.Logger.Info("plugin disposed", map[string]string{
		"plugin": l.DisplayName(),
	})
	m.events.Publish(Event{Type: EventDisposed, Link: l})
}
