package host

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"plexer/internal/broadcast"
	"plexer/internal/link"
	"plexer/internal/link/linktest"
	"plexer/internal/logging"
	"plexer/internal/manifest"
	"plexer/internal/metrics"
	"plexer/internal/proto"
	"plexer/internal/relay"
	"plexer/internal/store"
)

func testLogger() *logging.Logger {
	return logging.NewLoggerWithOutput(logging.NewLogBuffer(100), logging.LevelError, nil)
}

// rig wires the whole pipeline behind a test HTTP server: store, manager
// with fake dials, broadcaster, relay, and the host handler.
type rig struct {
	t        *testing.T
	server   *httptest.Server
	dialer   *linktest.Dialer
	store    *store.Store
	manager  *link.Manager
	relay    *relay.Relay
	registry *metrics.Registry
	handler  *Handler
	logger   *logging.Logger

	mu         sync.Mutex
	discovered []manifest.Discovered
}

func newRig(t *testing.T) *rig {
	t.Helper()
	logger := testLogger()
	registry := &metrics.Registry{}

	r := &rig{t: t, dialer: linktest.NewDialer(), registry: registry, logger: logger}

	r.store = store.New(logger, func(roots []proto.WorkspaceRoot) []manifest.Discovered {
		r.mu.Lock()
		defer r.mu.Unlock()
		return append([]manifest.Discovered(nil), r.discovered...)
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r.manager = link.NewManager(ctx, link.ManagerOptions{
		Dialer:           r.dialer.Dial,
		Versions:         link.VersionRange{Min: "1.0.0", Max: "2.0.0"},
		HostVersion:      "0.1.0",
		HandshakeTimeout: 5 * time.Second,
		Logger:           logger,
		Registry:         registry,
	})

	handler := NewHandler(Options{
		Store:       r.store,
		Manager:     r.manager,
		Logger:      logger,
		Registry:    registry,
		HostVersion: "0.1.0",
		APIVersion:  "2.0.0",
	})
	r.handler = handler

	r.relay = relay.New(relay.Options{Sink: handler.Notify, Logger: logger, Registry: registry})
	stopRelay := r.relay.Start(r.manager.Events())
	t.Cleanup(stopRelay)

	handler.SetBroadcaster(broadcast.New(broadcast.Options{
		Links:    r.manager.ReadyLinks,
		Report:   r.relay.Report,
		Logger:   logger,
		Registry: registry,
	}))

	unsubscribe := r.store.SubscribeActiveSet(r.manager.Sync)
	t.Cleanup(unsubscribe)
	t.Cleanup(r.manager.DisposeAll)

	mux := http.NewServeMux()
	RegisterRoutes(mux, handler)
	r.server = httptest.NewServer(mux)
	t.Cleanup(r.server.Close)
	return r
}

// addPlugin registers a fake conn at an endpoint and adds its manifest to
// the discovery result for subsequent root changes.
func (r *rig) addPlugin(name, apiVersion, root string) *linktest.Conn {
	conn := linktest.NewConn(apiVersion)
	endpoint := "ws://" + name
	r.dialer.Register(endpoint, conn)
	r.addManifest(name, apiVersion, endpoint, root)
	return conn
}

func (r *rig) addManifest(name, apiVersion, endpoint, root string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered = append(r.discovered, manifest.Discovered{
		Manifest: manifest.Manifest{
			Name:       name,
			Version:    "1.0.0",
			APIVersion: apiVersion,
			Endpoint:   endpoint,
		},
		Path:  root + "/" + name,
		Roots: []string{root},
	})
}

func (r *rig) waitReady(want int) {
	r.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(r.manager.ReadyLinks()) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	r.t.Fatalf("ready links = %d, want %d", len(r.manager.ReadyLinks()), want)
}

// hostClient is the upstream side of the websocket, demuxing responses from
// notifications.
type hostClient struct {
	t       *testing.T
	conn    *websocket.Conn
	nextID  int64
	results chan proto.Response
	notes   chan proto.Notification
}

func dialHost(t *testing.T, server *httptest.Server) *hostClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/host"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial host: %v", err)
	}
	client := &hostClient{
		t:       t,
		conn:    conn,
		results: make(chan proto.Response, 16),
		notes:   make(chan proto.Notification, 64),
	}
	t.Cleanup(func() { _ = conn.Close() })
	go client.readLoop()
	return client
}

func (c *hostClient) readLoop() {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			close(c.notes)
			return
		}
		msg, err := proto.DecodeMessage(payload)
		if err != nil {
			continue
		}
		switch {
		case msg.Response != nil:
			c.results <- *msg.Response
		case msg.Notification != nil:
			c.notes <- *msg.Notification
		}
	}
}

func (c *hostClient) call(method string, params any) proto.Response {
	c.t.Helper()
	c.nextID++
	raw, err := proto.MarshalParams(params)
	if err != nil {
		c.t.Fatalf("marshal params: %v", err)
	}
	payload, err := proto.EncodeRequest(proto.Request{ID: c.nextID, Method: method, Params: raw})
	if err != nil {
		c.t.Fatalf("encode request: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.t.Fatalf("write request: %v", err)
	}

	for {
		select {
		case resp := <-c.results:
			if resp.ID == c.nextID {
				return resp
			}
		case <-time.After(3 * time.Second):
			c.t.Fatalf("no response for %s", method)
		}
	}
}

func (c *hostClient) mustCall(method string, params any) json.RawMessage {
	c.t.Helper()
	resp := c.call(method, params)
	if resp.Error != nil {
		c.t.Fatalf("%s failed: %v", method, resp.Error)
	}
	return resp.Result
}

func (c *hostClient) waitNote(method string) proto.Notification {
	c.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case note, ok := <-c.notes:
			if !ok {
				c.t.Fatalf("connection closed waiting for %s", method)
			}
			if note.Method == method {
				return note
			}
		case <-deadline:
			c.t.Fatalf("no %s notification", method)
		}
	}
}

func (c *hostClient) expectNoNote(method string, wait time.Duration) {
	c.t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case note, ok := <-c.notes:
			if !ok {
				return
			}
			if note.Method == method {
				c.t.Fatalf("unexpected %s notification: %s", method, string(note.Params))
			}
		case <-deadline:
			return
		}
	}
}

func TestSetRootsHandshakesAndMergesDiagnostics(t *testing.T) {
	r := newRig(t)
	alpha := r.addPlugin("alpha", "1.2.0", "/work/app")
	beta := r.addPlugin("beta", "1.5.0", "/work/app")

	alpha.Handle(proto.MethodGetDiagnostics, func(json.RawMessage) (any, error) {
		return proto.DiagnosticsResult{Files: map[string][]proto.Diagnostic{
			"/work/app/main.x": {{File: "/work/app/main.x", Line: 1, Severity: "error", Message: "from alpha"}},
		}}, nil
	})
	beta.Handle(proto.MethodGetDiagnostics, func(json.RawMessage) (any, error) {
		return proto.DiagnosticsResult{Files: map[string][]proto.Diagnostic{
			"/work/app/main.x": {{File: "/work/app/main.x", Line: 2, Severity: "warning", Message: "from beta"}},
		}}, nil
	})

	client := dialHost(t, r.server)
	client.mustCall(proto.MethodSetRoots, proto.SetRootsParams{Roots: []proto.WorkspaceRoot{{Root: "/work/app"}}})
	r.waitReady(2)

	raw := client.mustCall(proto.MethodGetDiagnostics, proto.GetDiagnosticsParams{File: "/work/app/main.x"})
	var merged proto.DiagnosticsResult
	if err := json.Unmarshal(raw, &merged); err != nil {
		t.Fatalf("decode merged result: %v", err)
	}
	got := merged.Files["/work/app/main.x"]
	if len(got) != 2 {
		t.Fatalf("merged diagnostics = %d, want 2", len(got))
	}
	// Stable link order: alpha before beta.
	if got[0].Message != "from alpha" || got[1].Message != "from beta" {
		t.Fatalf("unexpected merge order: %+v", got)
	}
}

func TestHandshakeFailureReportsOnePluginError(t *testing.T) {
	r := newRig(t)
	r.addPlugin("good", "1.0.0", "/work/app")
	// Incompatible API version fails the handshake.
	r.addPlugin("stale", "0.9.0", "/work/app")

	client := dialHost(t, r.server)
	client.mustCall(proto.MethodSetRoots, proto.SetRootsParams{Roots: []proto.WorkspaceRoot{{Root: "/work/app"}}})
	r.waitReady(1)

	note := client.waitNote(proto.NotifyPluginError)
	var report proto.PluginErrorNotification
	if err := proto.UnmarshalParams(note.Params, &report); err != nil {
		t.Fatalf("decode plugin error: %v", err)
	}
	if report.Plugin != "stale" {
		t.Fatalf("plugin error from %q, want stale", report.Plugin)
	}
	client.expectNoNote(proto.NotifyPluginError, 200*time.Millisecond)

	// The failed plugin is excluded from fan-out.
	raw := client.mustCall(proto.MethodGetDiagnostics, proto.GetDiagnosticsParams{File: "/work/app/main.x"})
	var merged proto.DiagnosticsResult
	if err := json.Unmarshal(raw, &merged); err != nil {
		t.Fatalf("decode merged result: %v", err)
	}
}

func TestDiagnosticNotificationsAreDiffed(t *testing.T) {
	r := newRig(t)
	alpha := r.addPlugin("alpha", "1.0.0", "/work/app")

	client := dialHost(t, r.server)
	client.mustCall(proto.MethodSetRoots, proto.SetRootsParams{Roots: []proto.WorkspaceRoot{{Root: "/work/app"}}})
	r.waitReady(1)

	report := proto.DiagnosticsNotification{
		File:        "/work/app/main.x",
		Diagnostics: []proto.Diagnostic{{File: "/work/app/main.x", Line: 3, Severity: "error", Message: "boom"}},
	}
	if err := alpha.Notify(proto.NotifyDiagnostics, report); err != nil {
		t.Fatalf("notify: %v", err)
	}
	note := client.waitNote(proto.NotifyDiagnostics)
	var first proto.DiagnosticsNotification
	if err := proto.UnmarshalParams(note.Params, &first); err != nil {
		t.Fatalf("decode diagnostics: %v", err)
	}
	if len(first.Diagnostics) != 1 || first.Diagnostics[0].Message != "boom" {
		t.Fatalf("unexpected diagnostics: %+v", first.Diagnostics)
	}

	// The identical report again produces no second notification.
	if err := alpha.Notify(proto.NotifyDiagnostics, report); err != nil {
		t.Fatalf("notify repeat: %v", err)
	}
	client.expectNoNote(proto.NotifyDiagnostics, 300*time.Millisecond)
}

func TestUpdateContentFilteredPerPluginRoots(t *testing.T) {
	r := newRig(t)
	alpha := r.addPlugin("alpha", "1.0.0", "/work/app")
	beta := r.addPlugin("beta", "1.0.0", "/work/lib")

	client := dialHost(t, r.server)
	client.mustCall(proto.MethodSetRoots, proto.SetRootsParams{Roots: []proto.WorkspaceRoot{
		{Root: "/work/app"}, {Root: "/work/lib"},
	}})
	r.waitReady(2)

	client.mustCall(proto.MethodUpdateContent, proto.UpdateContentParams{Files: map[string]string{
		"/work/app/main.x": "app content",
		"/work/lib/lib.x":  "lib content",
	}})

	alphaCalls := alpha.CallsFor(proto.MethodUpdateContent)
	if len(alphaCalls) != 1 {
		t.Fatalf("alpha updateContent calls = %d, want 1", len(alphaCalls))
	}
	var sent proto.UpdateContentParams
	if err := json.Unmarshal(alphaCalls[0].Params, &sent); err != nil {
		t.Fatalf("decode alpha params: %v", err)
	}
	if len(sent.Files) != 1 {
		t.Fatalf("alpha received %d files, want 1", len(sent.Files))
	}
	if _, ok := sent.Files["/work/app/main.x"]; !ok {
		t.Fatalf("alpha missing its file: %+v", sent.Files)
	}

	betaCalls := beta.CallsFor(proto.MethodUpdateContent)
	if len(betaCalls) != 1 {
		t.Fatalf("beta updateContent calls = %d, want 1", len(betaCalls))
	}
}

func TestVersionCheckRecordsPayload(t *testing.T) {
	r := newRig(t)
	client := dialHost(t, r.server)

	raw := client.mustCall(proto.MethodVersionCheck, proto.VersionCheckParams{
		HostVersion:     "9.9.9",
		ProtocolVersion: proto.ProtocolVersion,
	})
	var result proto.VersionCheckResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode version result: %v", err)
	}
	if result.Name != "plexer" {
		t.Fatalf("version result name = %q", result.Name)
	}
	if got := r.store.VersionPayload().HostVersion; got != "9.9.9" {
		t.Fatalf("stored host version = %q", got)
	}
}

func TestMalformedParamsYieldTypedError(t *testing.T) {
	r := newRig(t)
	client := dialHost(t, r.server)

	resp := client.call(proto.MethodSetRoots, map[string]any{"unexpected": true})
	if resp.Error == nil {
		t.Fatal("expected typed error for malformed params")
	}
	if resp.Error.Code != errCodeInvalidParams {
		t.Fatalf("error code = %q, want %q", resp.Error.Code, errCodeInvalidParams)
	}

	// The session keeps serving after the failure.
	client.mustCall(proto.MethodSetRoots, proto.SetRootsParams{Roots: nil})
}

func TestUnknownMethodRejected(t *testing.T) {
	r := newRig(t)
	client := dialHost(t, r.server)

	resp := client.call("workspace.unknown", struct{}{})
	if resp.Error == nil || resp.Error.Code != errCodeUnknownMethod {
		t.Fatalf("expected unknownMethod error, got %+v", resp.Error)
	}
}

func TestShutdownBroadcastsAndDisposes(t *testing.T) {
	r := newRig(t)
	alpha := r.addPlugin("alpha", "1.0.0", "/work/app")

	client := dialHost(t, r.server)
	client.mustCall(proto.MethodSetRoots, proto.SetRootsParams{Roots: []proto.WorkspaceRoot{{Root: "/work/app"}}})
	r.waitReady(1)

	client.mustCall(proto.MethodShutdown, proto.ShutdownParams{})

	if calls := alpha.CallsFor(proto.MethodShutdown); len(calls) != 1 {
		t.Fatalf("shutdown calls = %d, want 1", len(calls))
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if alpha.Closed() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !alpha.Closed() {
		t.Fatal("plugin conn not closed after shutdown")
	}
}

func TestSecondHostConnectionRefused(t *testing.T) {
	r := newRig(t)
	dialHost(t, r.server)

	// The session registers just after the upgrade completes on the server
	// side; wait for it before dialing again.
	deadline := time.Now().Add(2 * time.Second)
	for r.handler.Session() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.handler.Session() == nil {
		t.Fatal("first session never registered")
	}

	url := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws/host"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		_ = conn.Close()
		t.Fatal("expected second host dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %+v", resp)
	}
}

func TestPriorityFilesFilteredPerPluginRoots(t *testing.T) {
	r := newRig(t)
	alpha := r.addPlugin("alpha", "1.0.0", "/work/app")
	beta := r.addPlugin("beta", "1.0.0", "/work/lib")

	client := dialHost(t, r.server)
	client.mustCall(proto.MethodSetRoots, proto.SetRootsParams{Roots: []proto.WorkspaceRoot{
		{Root: "/work/app"}, {Root: "/work/lib"},
	}})
	r.waitReady(2)

	client.mustCall(proto.MethodSetPriorityFiles, proto.SetPriorityFilesParams{Files: []string{
		"/work/app/main.x",
		"/work/lib/lib.x",
	}})

	alphaCalls := alpha.CallsFor(proto.MethodSetPriorityFiles)
	if len(alphaCalls) != 1 {
		t.Fatalf("alpha setPriorityFiles calls = %d, want 1", len(alphaCalls))
	}
	var sent proto.SetPriorityFilesParams
	if err := json.Unmarshal(alphaCalls[0].Params, &sent); err != nil {
		t.Fatalf("decode alpha params: %v", err)
	}
	if len(sent.Files) != 1 || sent.Files[0] != "/work/app/main.x" {
		t.Fatalf("alpha received unfiltered priority files: %v", sent.Files)
	}

	// A plugin with no matching file is skipped entirely.
	client.mustCall(proto.MethodSetPriorityFiles, proto.SetPriorityFilesParams{Files: []string{
		"/work/lib/lib.x",
	}})
	if calls := alpha.CallsFor(proto.MethodSetPriorityFiles); len(calls) != 1 {
		t.Fatalf("alpha should be skipped without overlap, calls = %d", len(calls))
	}
	if calls := beta.CallsFor(proto.MethodSetPriorityFiles); len(calls) != 2 {
		t.Fatalf("beta setPriorityFiles calls = %d, want 2", len(calls))
	}

	// Clearing reaches everyone.
	client.mustCall(proto.MethodSetPriorityFiles, proto.SetPriorityFilesParams{Files: nil})
	clearCalls := alpha.CallsFor(proto.MethodSetPriorityFiles)
	if len(clearCalls) != 2 {
		t.Fatalf("alpha should receive the clear, calls = %d", len(clearCalls))
	}
	if err := json.Unmarshal(clearCalls[1].Params, &sent); err != nil {
		t.Fatalf("decode clear params: %v", err)
	}
	if len(sent.Files) != 0 {
		t.Fatalf("clear should carry no files, got %v", sent.Files)
	}
}

func TestSubscriptionsFilteredPerPluginRoots(t *testing.T) {
	r := newRig(t)
	alpha := r.addPlugin("alpha", "1.0.0", "/work/app")
	beta := r.addPlugin("beta", "1.0.0", "/work/lib")

	client := dialHost(t, r.server)
	client.mustCall(proto.MethodSetRoots, proto.SetRootsParams{Roots: []proto.WorkspaceRoot{
		{Root: "/work/app"}, {Root: "/work/lib"},
	}})
	r.waitReady(2)

	client.mustCall(proto.MethodSetSubscriptions, proto.SetSubscriptionsParams{Subscriptions: map[string][]string{
		"highlights": {"/work/app/main.x", "/work/lib/lib.x"},
		"outline":    {"/work/lib/lib.x"},
	}})

	alphaCalls := alpha.CallsFor(proto.MethodSetSubscriptions)
	if len(alphaCalls) != 1 {
		t.Fatalf("alpha setSubscriptions calls = %d, want 1", len(alphaCalls))
	}
	var sent proto.SetSubscriptionsParams
	if err := json.Unmarshal(alphaCalls[0].Params, &sent); err != nil {
		t.Fatalf("decode alpha params: %v", err)
	}
	if len(sent.Subscriptions) != 1 {
		t.Fatalf("alpha subscriptions = %+v, want highlights only", sent.Subscriptions)
	}
	if files := sent.Subscriptions["highlights"]; len(files) != 1 || files[0] != "/work/app/main.x" {
		t.Fatalf("alpha received unfiltered subscription files: %v", files)
	}

	betaCalls := beta.CallsFor(proto.MethodSetSubscriptions)
	if len(betaCalls) != 1 {
		t.Fatalf("beta setSubscriptions calls = %d, want 1", len(betaCalls))
	}
	if err := json.Unmarshal(betaCalls[0].Params, &sent); err != nil {
		t.Fatalf("decode beta params: %v", err)
	}
	if len(sent.Subscriptions) != 2 {
		t.Fatalf("beta subscriptions = %+v, want both kinds", sent.Subscriptions)
	}
}

func TestServerWarningsForwardedAsHostLog(t *testing.T) {
	r := newRig(t)

	client := dialHost(t, r.server)
	client.mustCall(proto.MethodVersionCheck, proto.VersionCheckParams{HostVersion: "1.0.0"})

	r.logger.Error("manifest scan failed", map[string]string{"root": "/work/app"})

	note := client.waitNote(proto.NotifyHostLog)
	var entry proto.LogNotification
	if err := proto.UnmarshalParams(note.Params, &entry); err != nil {
		t.Fatalf("decode host log: %v", err)
	}
	if entry.Plugin != "plexer" {
		t.Fatalf("host log attributed to %q, want plexer", entry.Plugin)
	}
	if !strings.Contains(entry.Line, "manifest scan failed") {
		t.Fatalf("host log line = %q", entry.Line)
	}
}
