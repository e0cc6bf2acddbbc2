// Package correlation carries the correlation id of an inbound request or
// event through context so outbound calls and log lines can be tied back to
// their trigger.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

// Header is the header name used on inbound requests, outbound gateway
// calls, and queue records.
const Header = "CORRELATION-ID"

type ctxKey struct{}

// WithID returns a copy of ctx carrying id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// ID returns the correlation id from ctx, or "" when none is set.
func ID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Ensure returns ctx unchanged when it already carries an id, otherwise a
// copy carrying a fresh one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithID(ctx, id), id
}
