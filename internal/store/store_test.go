package store

import (
	"testing"

	"plexer/internal/logging"
	"plexer/internal/manifest"
	"plexer/internal/proto"
)

func testLogger() *logging.Logger {
	return logging.NewLoggerWithOutput(logging.NewLogBuffer(10), logging.LevelError, nil)
}

// fakeDiscoverer maps root paths to plugin names.
func fakeDiscoverer(byRoot map[string][]string) Discoverer {
	return func(roots []proto.WorkspaceRoot) []manifest.Discovered {
		merged := make(map[string]*manifest.Discovered)
		for _, root := range roots {
			for _, name := range byRoot[root.Root] {
				m := manifest.Manifest{
					Name:       name,
					Version:    "1.0.0",
					APIVersion: "1.0.0",
					Endpoint:   "ws://127.0.0.1:0/" + name,
				}
				key := manifest.Hash(m)
				found, ok := merged[key]
				if !ok {
					found = &manifest.Discovered{Manifest: m}
					merged[key] = found
				}
				found.Roots = append(found.Roots, root.Root)
			}
		}
		out := make([]manifest.Discovered, 0, len(merged))
		for _, found := range merged {
			out = append(out, *found)
		}
		return out
	}
}

type notification struct {
	previous *ActiveSet
	current  *ActiveSet
}

func TestSetRootsDerivesActiveSet(t *testing.T) {
	s := New(testLogger(), fakeDiscoverer(map[string][]string{"/r1": {"p1"}}))

	var got []notification
	s.SubscribeActiveSet(func(previous, current *ActiveSet) {
		got = append(got, notification{previous, current})
	})

	s.SetRoots([]proto.WorkspaceRoot{{Root: "/r1"}})

	if len(got) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(got))
	}
	if got[0].previous != nil {
		t.Fatal("first derivation should have nil previous")
	}
	if len(got[0].current.Plugins) != 1 || got[0].current.Plugins[0].Manifest.Name != "p1" {
		t.Fatalf("unexpected active set: %+v", got[0].current)
	}
}

func TestIdenticalRootsAreIdempotent(t *testing.T) {
	s := New(testLogger(), fakeDiscoverer(map[string][]string{"/r1": {"p1"}}))

	count := 0
	s.SubscribeActiveSet(func(previous, current *ActiveSet) { count++ })

	roots := []proto.WorkspaceRoot{{Root: "/r1", Exclude: []string{"/r1/build"}}}
	s.SetRoots(roots)
	first := s.ActiveSet()

	s.SetRoots(roots)
	s.SetRoots([]proto.WorkspaceRoot{{Root: "/r1", Exclude: []string{"/r1/build"}}})

	if count != 1 {
		t.Fatalf("expected exactly 1 notification, got %d", count)
	}
	if s.ActiveSet() != first {
		t.Fatal("identical roots must return the identical derived instance")
	}
}

func TestUnchangedDerivationKeepsInstance(t *testing.T) {
	// Different roots that derive the same plugin set: no notification, and
	// the derived instance stays the same value.
	s := New(testLogger(), fakeDiscoverer(map[string][]string{
		"/r1": {"p1"},
	}))

	count := 0
	s.SubscribeActiveSet(func(previous, current *ActiveSet) { count++ })

	s.SetRoots([]proto.WorkspaceRoot{{Root: "/r1"}})
	s.Refresh()

	if count != 1 {
		t.Fatalf("refresh without change should not notify, got %d notifications", count)
	}
}

func TestRootChangeNotifiesWithPreviousAndCurrent(t *testing.T) {
	s := New(testLogger(), fakeDiscoverer(map[string][]string{
		"/r1": {"p1"},
		"/r2": {"p2"},
	}))

	var got []notification
	s.SubscribeActiveSet(func(previous, current *ActiveSet) {
		got = append(got, notification{previous, current})
	})

	s.SetRoots([]proto.WorkspaceRoot{{Root: "/r1"}})
	s.SetRoots([]proto.WorkspaceRoot{{Root: "/r1"}, {Root: "/r2"}})

	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(got))
	}
	if len(got[1].previous.Plugins) != 1 || len(got[1].current.Plugins) != 2 {
		t.Fatalf("unexpected pair: prev=%+v cur=%+v", got[1].previous, got[1].current)
	}
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	s := New(testLogger(), fakeDiscoverer(map[string][]string{"/r1": {"p1"}}))

	s.SubscribeActiveSet(func(previous, current *ActiveSet) {
		panic("listener bug")
	})
	reached := false
	s.SubscribeActiveSet(func(previous, current *ActiveSet) {
		reached = true
	})

	s.SetRoots([]proto.WorkspaceRoot{{Root: "/r1"}})

	if !reached {
		t.Fatal("second subscriber must run despite first panicking")
	}
}

func TestSubscriberOrderAndCancel(t *testing.T) {
	s := New(testLogger(), fakeDiscoverer(map[string][]string{"/r1": {"p1"}, "/r2": {"p2"}}))

	var order []string
	cancelFirst := s.SubscribeActiveSet(func(previous, current *ActiveSet) {
		order = append(order, "first")
	})
	s.SubscribeActiveSet(func(previous, current *ActiveSet) {
		order = append(order, "second")
	})

	s.SetRoots([]proto.WorkspaceRoot{{Root: "/r1"}})
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected delivery order: %v", order)
	}

	cancelFirst()
	order = nil
	s.SetRoots([]proto.WorkspaceRoot{{Root: "/r2"}})
	if len(order) != 1 || order[0] != "second" {
		t.Fatalf("cancelled subscriber still delivered: %v", order)
	}
}

func TestOtherInputsDoNotTouchActiveSet(t *testing.T) {
	s := New(testLogger(), fakeDiscoverer(map[string][]string{"/r1": {"p1"}}))

	count := 0
	s.SubscribeActiveSet(func(previous, current *ActiveSet) { count++ })

	s.SetRoots([]proto.WorkspaceRoot{{Root: "/r1"}})
	derived := s.ActiveSet()

	s.SetPriorityFiles([]string{"/r1/a.dart"})
	s.SetSubscriptions(map[string][]string{"highlights": {"/r1/a.dart"}})
	s.SetVersionPayload(proto.VersionCheckParams{HostVersion: "1.0.0", ProtocolVersion: 1})

	if count != 1 {
		t.Fatalf("non-root inputs must not notify, got %d", count)
	}
	if s.ActiveSet() != derived {
		t.Fatal("non-root inputs must not re-derive")
	}
	if files := s.PriorityFiles(); len(files) != 1 || files[0] != "/r1/a.dart" {
		t.Fatalf("priority files not stored: %v", files)
	}
	if subs := s.Subscriptions(); len(subs["highlights"]) != 1 {
		t.Fatalf("subscriptions not stored: %v", subs)
	}
	if payload := s.VersionPayload(); payload.HostVersion != "1.0.0" {
		t.Fatalf("version payload not stored: %+v", payload)
	}
}

func TestSharedPluginKeepsSingleIdentity(t *testing.T) {
	s := New(testLogger(), fakeDiscoverer(map[string][]string{
		"/r1": {"shared"},
		"/r2": {"shared"},
	}))

	s.SetRoots([]proto.WorkspaceRoot{{Root: "/r1"}, {Root: "/r2"}})

	active := s.ActiveSet()
	if len(active.Plugins) != 1 {
		t.Fatalf("shared plugin should appear once, got %d", len(active.Plugins))
	}
	if len(active.Plugins[0].Roots) != 2 {
		t.Fatalf("expected both roots on shared plugin: %v", active.Plugins[0].Roots)
	}
}
