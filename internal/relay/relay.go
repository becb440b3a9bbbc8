// Package relay forwards plugin notifications upstream. Diagnostics are
// merged latest-wins per plugin and unioned across plugins, and a file's
// merged value is re-sent only when it actually changed; log lines are
// relabeled with the plugin display name; plugin errors pass through as a
// distinct notification; anything unrecognized is forwarded verbatim.
package relay

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"sync"

	"plexer/internal/event"
	"plexer/internal/link"
	"plexer/internal/logging"
	"plexer/internal/metrics"
	"plexer/internal/proto"
)

// Sink receives host-bound notifications.
type Sink func(proto.Notification)

type Options struct {
	Sink     Sink
	Logger   *logging.Logger
	Registry *metrics.Registry
}

type attachment struct {
	link  *link.Link
	order string // sort key: manifest name, then identity
	done  chan struct{}
}

type Relay struct {
	options Options

	mu sync.Mutex
	// contributions[file][identity] is the plugin's latest report for file.
	contributions map[string]map[string][]proto.Diagnostic
	lastSent      map[string][]proto.Diagnostic
	attached      map[string]*attachment
}

func New(options Options) *Relay {
	if options.Registry == nil {
		options.Registry = metrics.Default
	}
	return &Relay{
		options:       options,
		contributions: make(map[string]map[string][]proto.Diagnostic),
		lastSent:      make(map[string][]proto.Diagnostic),
		attached:      make(map[string]*attachment),
	}
}

// Start wires the relay to lifecycle events: Ready links are attached,
// disposed links detached, and handshake failures forwarded upstream as one
// plugin-error each. The returned stop function unsubscribes.
func (r *Relay) Start(events *event.Bus[link.Event]) func() {
	ch, cancel := events.Subscribe()
	go func() {
		for ev := range ch {
			switch ev.Type {
			case link.EventReady:
				r.Attach(ev.Link)
			case link.EventDisposed:
				r.Detach(ev.Link.Identity())
			case link.EventFailed:
				message := ""
				if ev.Err != nil {
					message = ev.Err.Error()
				}
				r.sendPluginError(proto.PluginErrorNotification{
					Plugin:  ev.Link.DisplayName(),
					Message: message,
					Trace:   ev.Trace,
				})
			}
		}
	}()
	return cancel
}

// Attach subscribes to a Ready link's notification stream. The subscription
// lives until the link's connection closes or Detach is called.
func (r *Relay) Attach(l *link.Link) {
	conn := l.Conn()
	if conn == nil {
		return
	}

	att := &attachment{
		link:  l,
		order: l.Plugin().Manifest.Name + "\x00" + l.Identity(),
		done:  make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.attached[l.Identity()]; exists {
		r.mu.Unlock()
		return
	}
	r.attached[l.Identity()] = att
	r.mu.Unlock()

	go r.dispatch(att, conn.Notifications())
}

// Detach removes the plugin's diagnostic contributions and re-diffs every
// file it touched, so stale results are withdrawn upstream.
func (r *Relay) Detach(identity string) {
	r.mu.Lock()
	att, ok := r.attached[identity]
	if ok {
		delete(r.attached, identity)
	}
	var touched []string
	for file, byPlugin := range r.contributions {
		if _, contributed := byPlugin[identity]; contributed {
			delete(byPlugin, identity)
			if len(byPlugin) == 0 {
				delete(r.contributions, file)
			}
			touched = append(touched, file)
		}
	}
	notes := make([]proto.Notification, 0, len(touched))
	for _, file := range touched {
		if note, changed := r.rediffLocked(file); changed {
			notes = append(notes, note)
		}
	}
	r.mu.Unlock()

	if att != nil {
		close(att.done)
	}
	for _, note := range notes {
		r.send(note)
	}
}

// Snapshot returns the current merged diagnostics per file.
func (r *Relay) Snapshot() map[string][]proto.Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]proto.Diagnostic, len(r.lastSent))
	for file, diagnostics := range r.lastSent {
		out[file] = append([]proto.Diagnostic(nil), diagnostics...)
	}
	return out
}

// dispatch consumes one link's stream. Events from a single link arrive in
// emission order; no ordering is assumed across links.
func (r *Relay) dispatch(att *attachment, notifications <-chan proto.Notification) {
	for {
		select {
		case <-att.done:
			return
		case note, ok := <-notifications:
			if !ok {
				return
			}
			r.handle(att, note)
		}
	}
}

func (r *Relay) handle(att *attachment, note proto.Notification) {
	switch note.Method {
	case proto.NotifyDiagnostics:
		var params proto.DiagnosticsNotification
		if err := json.Unmarshal(note.Params, &params); err != nil {
			r.options.Logger.Warn("bad diagnostics notification", map[string]string{
				"plugin": att.link.DisplayName(),
				"error":  err.Error(),
			})
			return
		}
		r.updateDiagnostics(att.link.Identity(), params.File, params.Diagnostics)
	case proto.NotifyLog:
		var params proto.LogNotification
		if err := json.Unmarshal(note.Params, &params); err != nil {
			return
		}
		r.forwardLog(att.link.DisplayName(), params.Line)
	case proto.NotifyPluginError:
		var params proto.PluginErrorNotification
		if err := json.Unmarshal(note.Params, &params); err != nil {
			return
		}
		params.Plugin = att.link.DisplayName()
		r.sendPluginError(params)
	default:
		// Unrecognized kinds pass through verbatim. Diagnostics and logs
		// never reach this arm, so nothing is delivered twice.
		r.send(note)
	}
}

// updateDiagnostics applies latest-wins for (plugin, file), recomputes the
// union, and emits only when the merged value differs from the last one
// sent.
func (r *Relay) updateDiagnostics(identity, file string, diagnostics []proto.Diagnostic) {
	r.mu.Lock()
	// A dispatch goroutine may deliver one last report after Detach already
	// withdrew this plugin. Dropping it here keeps withdrawn contributions
	// withdrawn; nothing would ever remove a re-inserted one.
	if _, stillAttached := r.attached[identity]; !stillAttached {
		r.mu.Unlock()
		return
	}
	byPlugin, ok := r.contributions[file]
	if !ok {
		byPlugin = make(map[string][]proto.Diagnostic)
		r.contributions[file] = byPlugin
	}
	byPlugin[identity] = append([]proto.Diagnostic(nil), diagnostics...)
	note, changed := r.rediffLocked(file)
	r.mu.Unlock()

	if changed {
		r.send(note)
		return
	}
	r.options.Registry.IncNotificationSuppressed()
}

// rediffLocked merges the file's contributions in stable link order and
// compares against the last emission. Caller holds r.mu.
func (r *Relay) rediffLocked(file string) (proto.Notification, bool) {
	merged := r.mergeLocked(file)
	if reflect.DeepEqual(merged, r.lastSent[file]) {
		return proto.Notification{}, false
	}
	if merged == nil {
		delete(r.lastSent, file)
	} else {
		r.lastSent[file] = merged
	}

	params, err := proto.MarshalParams(proto.DiagnosticsNotification{
		File:        file,
		Diagnostics: emptyIfNil(merged),
	})
	if err != nil {
		return proto.Notification{}, false
	}
	return proto.Notification{Method: proto.NotifyDiagnostics, Params: params}, true
}

func (r *Relay) mergeLocked(file string) []proto.Diagnostic {
	byPlugin := r.contributions[file]
	if len(byPlugin) == 0 {
		return nil
	}

	identities := make([]string, 0, len(byPlugin))
	for identity := range byPlugin {
		identities = append(identities, identity)
	}
	sort.Slice(identities, func(i, j int) bool {
		return r.orderKeyLocked(identities[i]) < r.orderKeyLocked(identities[j])
	})

	var merged []proto.Diagnostic
	for _, identity := range identities {
		merged = append(merged, byPlugin[identity]...)
	}
	return merged
}

func (r *Relay) orderKeyLocked(identity string) string {
	if att, ok := r.attached[identity]; ok {
		return att.order
	}
	return "\xff" + identity
}

func (r *Relay) forwardLog(displayName, lines string) {
	var relabeled []string
	for _, line := range strings.Split(strings.TrimRight(lines, "\n"), "\n") {
		relabeled = append(relabeled, "["+displayName+"] "+line)
	}
	message := strings.Join(relabeled, "\n")

	r.options.Logger.Info(message, map[string]string{"plugin": displayName})

	params, err := proto.MarshalParams(proto.LogNotification{Plugin: displayName, Line: message})
	if err != nil {
		return
	}
	r.send(proto.Notification{Method: proto.NotifyHostLog, Params: params})
}

// Report forwards a plugin-error upstream. The broadcaster uses it to
// surface per-link request failures.
func (r *Relay) Report(params proto.PluginErrorNotification) {
	r.sendPluginError(params)
}

func (r *Relay) sendPluginError(params proto.PluginErrorNotification) {
	raw, err := proto.MarshalParams(params)
	if err != nil {
		return
	}
	r.send(proto.Notification{Method: proto.NotifyPluginError, Params: raw})
}

func (r *Relay) send(note proto.Notification) {
	r.options.Registry.IncNotificationForwarded()
	if r.options.Sink != nil {
		r.options.Sink(note)
	}
}

func emptyIfNil(diagnostics []proto.Diagnostic) []proto.Diagnostic {
	if diagnostics == nil {
		return []proto.Diagnostic{}
	}
	return diagnostics
}
