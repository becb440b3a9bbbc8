package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Registry accumulates orchestrator counters. All methods are safe for
// concurrent use and tolerate a nil receiver.
type Registry struct {
	handshakesStarted       atomic.Int64
	handshakesSucceeded     atomic.Int64
	handshakesFailed        atomic.Int64
	broadcasts              atomic.Int64
	linkFailures            atomic.Int64
	notificationsForwarded  atomic.Int64
	notificationsSuppressed atomic.Int64
	eventsDropped           atomic.Int64
	methods                 sync.Map
}

type methodStats struct {
	count         atomic.Int64
	failures      atomic.Int64
	durationNanos atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncHandshakeStarted() {
	if r == nil {
		return
	}
	r.handshakesStarted.Add(1)
}

func (r *Registry) IncHandshakeSucceeded() {
	if r == nil {
		return
	}
	r.handshakesSucceeded.Add(1)
}

func (r *Registry) IncHandshakeFailed() {
	if r == nil {
		return
	}
	r.handshakesFailed.Add(1)
}

func (r *Registry) IncBroadcast() {
	if r == nil {
		return
	}
	r.broadcasts.Add(1)
}

func (r *Registry) IncLinkFailure() {
	if r == nil {
		return
	}
	r.linkFailures.Add(1)
}

func (r *Registry) IncNotificationForwarded() {
	if r == nil {
		return
	}
	r.notificationsForwarded.Add(1)
}

func (r *Registry) IncNotificationSuppressed() {
	if r == nil {
		return
	}
	r.notificationsSuppressed.Add(1)
}

func (r *Registry) IncEventDropped() {
	if r == nil {
		return
	}
	r.eventsDropped.Add(1)
}

// RecordRequest tracks one host request by method name.
func (r *Registry) RecordRequest(method string, duration time.Duration, err error) {
	if r == nil {
		return
	}
	if strings.TrimSpace(method) == "" {
		method = "unknown"
	}
	stats := r.methodStats(method)
	stats.count.Add(1)
	stats.durationNanos.Add(duration.Nanoseconds())
	if err != nil {
		stats.failures.Add(1)
	}
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "plexer_handshakes_started_total", "Total plugin handshakes started", r.handshakesStarted.Load())
	writeCounter(writer, "plexer_handshakes_succeeded_total", "Total plugin handshakes succeeded", r.handshakesSucceeded.Load())
	writeCounter(writer, "plexer_handshakes_failed_total", "Total plugin handshakes failed", r.handshakesFailed.Load())
	writeCounter(writer, "plexer_broadcasts_total", "Total request broadcasts", r.broadcasts.Load())
	writeCounter(writer, "plexer_link_failures_total", "Total per-link request failures", r.linkFailures.Load())
	writeCounter(writer, "plexer_notifications_forwarded_total", "Total notifications forwarded upstream", r.notificationsForwarded.Load())
	writeCounter(writer, "plexer_notifications_suppressed_total", "Total unchanged notifications suppressed", r.notificationsSuppressed.Load())
	writeCounter(writer, "plexer_events_dropped_total", "Total bus events dropped on full subscribers", r.eventsDropped.Load())

	methodNames := r.methodNames()
	sort.Strings(methodNames)

	writeHelp(writer, "plexer_request_duration_seconds", "Host request duration in seconds")
	fmt.Fprintln(writer, "# TYPE plexer_request_duration_seconds summary")
	writeHelp(writer, "plexer_request_failures_total", "Host request failures")
	fmt.Fprintln(writer, "# TYPE plexer_request_failures_total counter")

	for _, name := range methodNames {
		stats := r.methodStats(name)
		label := formatLabel(name)
		durationSeconds := float64(stats.durationNanos.Load()) / float64(time.Second)
		fmt.Fprintf(writer, "plexer_request_duration_seconds_sum{method=%s} %.6f\n", label, durationSeconds)
		fmt.Fprintf(writer, "plexer_request_duration_seconds_count{method=%s} %d\n", label, stats.count.Load())
		fmt.Fprintf(writer, "plexer_request_failures_total{method=%s} %d\n", label, stats.failures.Load())
	}

	return nil
}

// Snapshot returns the scalar counters for status reporting.
func (r *Registry) Snapshot() map[string]int64 {
	if r == nil {
		return nil
	}
	return map[string]int64{
		"handshakes_started":       r.handshakesStarted.Load(),
		"handshakes_succeeded":     r.handshakesSucceeded.Load(),
		"handshakes_failed":        r.handshakesFailed.Load(),
		"broadcasts":               r.broadcasts.Load(),
		"link_failures":            r.linkFailures.Load(),
		"notifications_forwarded":  r.notificationsForwarded.Load(),
		"notifications_suppressed": r.notificationsSuppressed.Load(),
		"events_dropped":           r.eventsDropped.Load(),
	}
}

func (r *Registry) methodStats(name string) *methodStats {
	value, _ := r.methods.LoadOrStore(name, &methodStats{})
	return value.(*methodStats)
}

func (r *Registry) methodNames() []string {
	if r == nil {
		return nil
	}
	var names []string
	r.methods.Range(func(key, value interface{}) bool {
		if name, ok := key.(string); ok {
			names = append(names, name)
		}
		return true
	})
	return names
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
