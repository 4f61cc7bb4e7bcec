package catalog

import (
	"context"

	"github.com/cockroachdb/errors"
)

type heldLocksKey struct{}

// WithLockHeld returns a context recording that the caller holds a lock on
// resource. Refreshing the routing cache with such a context is a
// programming error: the refresh performs remote reads that may wait on the
// same resource.
func WithLockHeld(ctx context.Context, resource string) context.Context {
	held := append(append([]string(nil), LocksHeld(ctx)...), resource)
	return context.WithValue(ctx, heldLocksKey{}, held)
}

// LocksHeld lists the resources recorded by WithLockHeld.
func LocksHeld(ctx context.Context) []string {
	held, _ := ctx.Value(heldLocksKey{}).([]string)
	return held
}

func assertNoLocksHeld(ctx context.Context, op string) {
	if held := LocksHeld(ctx); len(held) > 0 {
		panic(errors.AssertionFailedf("%s called while holding locks on %v", op, held))
	}
}
