// Package logging emits canonical log lines for events that happen outside an
// HTTP request, such as connection state changes and cache fallbacks.
//
// When the context already carries a canonlog logger (set up by
// wrapper.WithCanonlog), fields are added to that request's line instead of
// producing a separate one.
package logging

import (
	"context"

	"github.com/nhalm/canonlog"
)

// Event records an informational event with the given fields.
func Event(ctx context.Context, event string, fields map[string]any) {
	emit(ctx, event, fields, nil)
}

// Error records a failed event. A nil err behaves like Event.
func Error(ctx context.Context, event string, err error, fields map[string]any) {
	emit(ctx, event, fields, err)
}

func emit(ctx context.Context, event string, fields map[string]any, err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAddMany(ctx, prefixed(event, fields))
		if err != nil {
			canonlog.ErrorAdd(ctx, err)
		}
		return
	}

	lctx := canonlog.NewContext(context.WithoutCancel(ctx))
	canonlog.InfoAdd(lctx, "event", event)
	if len(fields) > 0 {
		canonlog.InfoAddMany(lctx, fields)
	}
	if err != nil {
		canonlog.ErrorAdd(lctx, err)
	}
	canonlog.Flush(lctx)
}

// prefixed namespaces fields under the event name so several events can share
// one request line without clobbering each other.
func prefixed(event string, fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	out[event] = true
	for k, v := range fields {
		out[event+"."+k] = v
	}
	return out
}
