package actor

import (
	"context"
	"fmt"
)

// Actor identifies the administrator behind a request. Authentication happens
// upstream; the proxy forwards the identity in headers.
type Actor struct {
	Username string
	Role     string
	IP       string
}

func (a Actor) String() string {
	return fmt.Sprintf("%s (%s)", a.Username, a.IP)
}

type ctxKey struct{}

func WithContext(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok
}
