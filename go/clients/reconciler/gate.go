package reconciler

import (
	"context"
	"sync"
)

// AuthGate holds room loads back until authentication has completed, so a
// load never races a token that is not valid yet.
type AuthGate struct {
	once  sync.Once
	ready chan struct{}
}

func NewAuthGate() *AuthGate {
	return &AuthGate{ready: make(chan struct{})}
}

// MarkReady records that authentication completed. Later calls are no-ops.
func (g *AuthGate) MarkReady() {
	g.once.Do(func() { close(g.ready) })
}

func (g *AuthGate) Ready() bool {
	select {
	case <-g.ready:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate is ready or ctx is done. A nil gate is always
// ready.
func (g *AuthGate) Wait(ctx context.Context) error {
	if g == nil {
		return nil
	}
	select {
	case <-g.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
