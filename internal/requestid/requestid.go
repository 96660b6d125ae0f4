// Package requestid carries per-request correlation IDs through contexts so
// log lines from different layers can be tied to one HTTP request or
// connection session.
package requestid

import "context"

type key string

var idKey key

// NewContext returns a context carrying the provided correlation ID
func NewContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey, id)
}

// FromContext extracts the correlation ID from a context
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(idKey).(string)
	return id, ok
}
