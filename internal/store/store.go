// Package store holds the host-supplied inputs and derives the active plugin
// set from the workspace roots. Derivation is memoized: setting an input to
// an equal value yields the identical derived instance and no notification,
// so downstream lifecycle handling never churns on no-op updates.
package store

import (
	"fmt"
	"runtime/debug"
	"sync"

	"plexer/internal/logging"
	"plexer/internal/manifest"
	"plexer/internal/proto"
)

// Input names the stored host inputs.
type Input string

const (
	InputRoots          Input = "roots"
	InputPriorityFiles  Input = "priorityFiles"
	InputSubscriptions  Input = "subscriptions"
	InputVersionPayload Input = "versionPayload"
)

// ActivePlugin is one derived member of the active set.
type ActivePlugin struct {
	Identity string
	Manifest manifest.Manifest
	// Roots are the workspace roots that reference this plugin, sorted.
	// Content updates are filtered against them before forwarding.
	Roots []string
}

// ActiveSet is the derived value the lifecycle manager consumes. The slice
// is ordered deterministically (discovery order: name, then identity).
type ActiveSet struct {
	Plugins []ActivePlugin
}

// Identities returns the set of identities as a lookup map.
func (s *ActiveSet) Identities() map[string]ActivePlugin {
	if s == nil {
		return nil
	}
	out := make(map[string]ActivePlugin, len(s.Plugins))
	for _, plugin := range s.Plugins {
		out[plugin.Identity] = plugin
	}
	return out
}

// Discoverer resolves workspace roots to discovered plugins. The production
// implementation scans for manifest files; tests inject fakes.
type Discoverer func(roots []proto.WorkspaceRoot) []manifest.Discovered

// Subscriber receives (previous, current) derived pairs after recomputation.
type Subscriber func(previous, current *ActiveSet)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

type Store struct {
	mu            sync.Mutex
	logger        *logging.Logger
	discover      Discoverer
	roots         []proto.WorkspaceRoot
	priorityFiles []string
	subscriptions map[string][]string
	versionCheck  proto.VersionCheckParams
	active        *ActiveSet
	hasDerived    bool
	nextSubID     uint64
	subscribers   []subscriberEntry
}

func New(logger *logging.Logger, discover Discoverer) *Store {
	if discover == nil {
		discover = func(roots []proto.WorkspaceRoot) []manifest.Discovered {
			found, problems := manifest.Discover(roots)
			for _, problem := range problems {
				logger.Warn("manifest discovery problem", map[string]string{
					"error": problem.Error(),
				})
			}
			return found
		}
	}
	return &Store{
		logger:   logger,
		discover: discover,
	}
}

// SetRoots replaces the workspace roots and synchronously recomputes the
// active set, notifying subscribers only on real change.
func (s *Store) SetRoots(roots []proto.WorkspaceRoot) {
	s.mu.Lock()
	if s.hasDerived && rootsEqual(s.roots, roots) {
		s.mu.Unlock()
		return
	}
	s.roots = cloneRoots(roots)
	previous, current, subscribers := s.recomputeLocked()
	s.mu.Unlock()

	s.deliver(previous, current, subscribers)
}

// Refresh re-derives the active set from the current roots. The watcher
// calls this when manifests appear or disappear on disk between host root
// updates; subscribers are still notified only if the derived value changed.
func (s *Store) Refresh() {
	s.mu.Lock()
	previous, current, subscribers := s.recomputeLocked()
	s.mu.Unlock()

	s.deliver(previous, current, subscribers)
}

func (s *Store) SetPriorityFiles(files []string) {
	s.mu.Lock()
	s.priorityFiles = append([]string(nil), files...)
	s.mu.Unlock()
}

func (s *Store) SetSubscriptions(subscriptions map[string][]string) {
	cloned := make(map[string][]string, len(subscriptions))
	for service, files := range subscriptions {
		cloned[service] = append([]string(nil), files...)
	}
	s.mu.Lock()
	s.subscriptions = cloned
	s.mu.Unlock()
}

func (s *Store) SetVersionPayload(payload proto.VersionCheckParams) {
	s.mu.Lock()
	s.versionCheck = payload
	s.mu.Unlock()
}

func (s *Store) Roots() []proto.WorkspaceRoot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRoots(s.roots)
}

func (s *Store) PriorityFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.priorityFiles...)
}

func (s *Store) Subscriptions() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.subscriptions))
	for service, files := range s.subscriptions {
		out[service] = append([]string(nil), files...)
	}
	return out
}

func (s *Store) VersionPayload() proto.VersionCheckParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionCheck
}

// ActiveSet returns the current derived instance. Callers must treat it as
// immutable; identical inputs return the identical pointer.
func (s *Store) ActiveSet() *ActiveSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SubscribeActiveSet registers a subscriber. Delivery happens after
// recomputation completes, in registration order. A panicking subscriber is
// logged and never blocks the others.
func (s *Store) SubscribeActiveSet(fn Subscriber) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers = append(s.subscribers, subscriberEntry{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, entry := range s.subscribers {
			if entry.id == id {
				s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
				return
			}
		}
	}
}

// recomputeLocked derives the active set. It returns the (previous, current)
// pair and the subscriber snapshot when the value changed, or nils when it
// did not.
func (s *Store) recomputeLocked() (*ActiveSet, *ActiveSet, []subscriberEntry) {
	found := s.discover(cloneRoots(s.roots))
	derived := &ActiveSet{Plugins: make([]ActivePlugin, 0, len(found))}
	for _, item := range found {
		derived.Plugins = append(derived.Plugins, ActivePlugin{
			Identity: manifest.Hash(item.Manifest),
			Manifest: item.Manifest,
			Roots:    append([]string(nil), item.Roots...),
		})
	}

	previous := s.active
	if s.hasDerived && activeSetsEqual(previous, derived) {
		return nil, nil, nil
	}
	s.active = derived
	s.hasDerived = true
	subscribers := append([]subscriberEntry(nil), s.subscribers...)
	return previous, derived, subscribers
}

func (s *Store) deliver(previous, current *ActiveSet, subscribers []subscriberEntry) {
	if current == nil {
		return
	}
	for _, entry := range subscribers {
		s.notifyOne(entry, previous, current)
	}
}

func (s *Store) notifyOne(entry subscriberEntry, previous, current *ActiveSet) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("active set subscriber panicked", map[string]string{
				"error": fmt.Sprint(recovered),
				"trace": string(debug.Stack()),
			})
		}
	}()
	entry.fn(previous, current)
}

func cloneRoots(roots []proto.WorkspaceRoot) []proto.WorkspaceRoot {
	out := make([]proto.WorkspaceRoot, len(roots))
	for i, root := range roots {
		out[i] = proto.WorkspaceRoot{
			Root:    root.Root,
			Exclude: append([]string(nil), root.Exclude...),
		}
	}
	return out
}

func rootsEqual(a, b []proto.WorkspaceRoot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Root != b[i].Root {
			return false
		}
		if len(a[i].Exclude) != len(b[i].Exclude) {
			return false
		}
		for j := range a[i].Exclude {
			if a[i].Exclude[j] != b[i].Exclude[j] {
				return false
			}
		}
	}
	return true
}

func activeSetsEqual(a, b *ActiveSet) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Plugins) != len(b.Plugins) {
		return false
	}
	for i := range a.Plugins {
		if a.Plugins[i].Identity != b.Plugins[i].Identity {
			return false
		}
		if len(a.Plugins[i].Roots) != len(b.Plugins[i].Roots) {
			return false
		}
		for j := range a.Plugins[i].Roots {
			if a.Plugins[i].Roots[j] != b.Plugins[i].Roots[j] {
				return false
			}
		}
	}
	return true
}
