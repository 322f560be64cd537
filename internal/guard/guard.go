// Package guard provides a scoped reentrancy guard for the protocol's
// externally-callable state machines. Each lock domain (the vault, the
// option engine) owns one Guard; an entry point acquires it on entry and the
// returned release function runs on every exit path, so the flag can never
// leak across an early return.
package guard

import (
	"sync/atomic"

	"github.com/covenant-markets/callvault/internal/domain"
)

// Guard is a single-domain reentrancy guard. The zero value is ready to use.
type Guard struct {
	busy atomic.Bool
}

// Enter acquires the guard. It returns domain.ErrReentrancy when the domain
// is already executing, which is how a callback re-entering a guarded entry
// point is rejected. On success the returned release function must be
// deferred immediately.
func (g *Guard) Enter() (release func(), err error) {
	if !g.busy.CompareAndSwap(false, true) {
		return nil, domain.ErrReentrancy
	}
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			g.busy.Store(false)
		}
	}, nil
}

// Held reports whether the guard is currently held. Reads are advisory; the
// only safe acquisition path is Enter.
func (g *Guard) Held() bool {
	return g.busy.Load()
}
