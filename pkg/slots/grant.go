package slots

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Grant is the permission to run one operation. It records where its permit
// came from, so releasing it always returns the permit to the right pool,
// and whether it was issued while admission control was disabled.
//
// A Grant must be released exactly once.
type Grant struct {
	id      string
	manager *Manager
	class   Class
	origin  Class
	bypass  bool

	released atomic.Bool
}

func newGrant(m *Manager, class, origin Class, bypass bool) *Grant {
	return &Grant{
		id:      uuid.NewString(),
		manager: m,
		class:   class,
		origin:  origin,
		bypass:  bypass,
	}
}

// ID identifies the grant in logs.
func (g *Grant) ID() string {
	return g.id
}

// Class is the class the operation was admitted under.
func (g *Grant) Class() Class {
	return g.class
}

// Origin is the pool the permit was taken from.
func (g *Grant) Origin() Class {
	return g.origin
}

// Borrowed reports whether the permit came from the other class's pool.
func (g *Grant) Borrowed() bool {
	return !g.bypass && g.origin != g.class
}

// Bypass reports whether the grant was issued with admission control disabled.
func (g *Grant) Bypass() bool {
	return g.bypass
}

// Released reports whether Release has already been called.
func (g *Grant) Released() bool {
	return g.released.Load()
}

// Release returns the permit to the pool it was taken from.
func (g *Grant) Release() error {
	if g == nil {
		return ErrNilGrant
	}
	return g.manager.Release(g)
}
