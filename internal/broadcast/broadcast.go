// Package broadcast fans one host request out to every Ready link and
// collects per-link outcomes with failure isolation: one plugin failing, or
// being disposed mid-flight, never disturbs the others.
package broadcast

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"plexer/internal/link"
	"plexer/internal/logging"
	"plexer/internal/metrics"
	"plexer/internal/proto"
)

// Outcome is the tagged result of one link's leg of a broadcast: either a
// raw result payload or an error with the trace captured at the failure
// site.
type Outcome struct {
	Link   *link.Link
	Result json.RawMessage
	Err    error
	Trace  string
}

// Reporter receives one plugin-error per failed leg. The host forwards these
// upstream as notifications.
type Reporter func(proto.PluginErrorNotification)

type Options struct {
	// Links supplies the Ready links at broadcast time, in stable order.
	Links    func() []*link.Link
	Report   Reporter
	Logger   *logging.Logger
	Registry *metrics.Registry
}

type Broadcaster struct {
	options Options
}

func New(options Options) *Broadcaster {
	if options.Registry == nil {
		options.Registry = metrics.Default
	}
	return &Broadcaster{options: options}
}

// Broadcast sends the same params to every Ready link.
func (b *Broadcaster) Broadcast(ctx context.Context, method string, params any) []Outcome {
	return b.BroadcastFunc(ctx, method, func(*link.Link) (any, bool) {
		return params, true
	})
}

// BroadcastFunc resolves params per link; returning ok=false skips the link
// entirely (used to filter content updates to each plugin's roots). The call
// returns once every targeted link's outcome is known, with only the
// successful outcomes; failures are reported and logged. Zero Ready links
// yield an empty slice, never an error.
func (b *Broadcaster) BroadcastFunc(ctx context.Context, method string, paramsFor func(*link.Link) (any, bool)) []Outcome {
	b.options.Registry.IncBroadcast()

	var targets []*link.Link
	var params []any
	for _, l := range b.options.Links() {
		p, ok := paramsFor(l)
		if !ok {
			continue
		}
		targets = append(targets, l)
		params = append(params, p)
	}
	if len(targets) == 0 {
		return nil
	}

	outcomes := make([]Outcome, len(targets))
	var group errgroup.Group
	for i, target := range targets {
		i, target := i, target
		group.Go(func() error {
			var raw json.RawMessage
			err := target.Call(ctx, method, params[i], &raw)
			outcome := Outcome{Link: target, Result: raw, Err: err}
			if err != nil {
				outcome.Trace = string(debug.Stack())
			}
			outcomes[i] = outcome
			return nil
		})
	}
	_ = group.Wait()

	successes := make([]Outcome, 0, len(outcomes))
	for _, outcome := range outcomes {
		if outcome.Err == nil {
			successes = append(successes, outcome)
			continue
		}
		b.options.Registry.IncLinkFailure()
		b.options.Logger.Warn("plugin request failed", map[string]string{
			"plugin": outcome.Link.DisplayName(),
			"method": method,
			"error":  outcome.Err.Error(),
		})
		if b.options.Report != nil {
			b.options.Report(proto.PluginErrorNotification{
				Plugin:  outcome.Link.DisplayName(),
				Request: method,
				Message: outcome.Err.Error(),
				Trace:   outcome.Trace,
			})
		}
	}
	return successes
}
