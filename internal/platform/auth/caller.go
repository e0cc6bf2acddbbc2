package auth

import "context"

// Caller is the identity established by a verified token.
type Caller struct {
	Username         string
	IsServiceAccount bool
	Role             string
	// Authorities are the role names granted to gateway callers.
	Authorities []string
}

// HasAuthority reports whether the caller was granted authority.
func (c *Caller) HasAuthority(authority string) bool {
	for _, a := range c.Authorities {
		if a == authority {
			return true
		}
	}
	return false
}

type callerKey struct{}

// WithCaller returns a copy of ctx carrying caller.
func WithCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the verified caller, or nil on unauthenticated
// paths.
func CallerFromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerKey{}).(*Caller)
	return c
}
