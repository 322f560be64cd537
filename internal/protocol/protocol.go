// Package protocol holds the protocol-wide configuration surface consumed
// read-only by the core state machines: the global pause flag, per-collection
// switches, and capability checks through an injected access policy.
package protocol

import (
	"sync"

	"github.com/covenant-markets/callvault/internal/domain"
)

// Config is the mutable protocol configuration. Mutations are gated by the
// access policy; reads are lock-cheap and safe from any goroutine.
type Config struct {
	mu     sync.RWMutex
	paused bool
	flags  map[domain.Address]domain.CollectionFlags
	policy domain.AccessPolicy
}

// New creates a Config guarded by the given policy.
func New(policy domain.AccessPolicy) *Config {
	return &Config{
		flags:  make(map[domain.Address]domain.CollectionFlags),
		policy: policy,
	}
}

// ThrowIfPaused returns ErrPaused while the protocol-wide pause is engaged.
// Settlement-path operations skip this gate: settlement must remain
// available even while paused.
func (c *Config) ThrowIfPaused(op string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.paused {
		return domain.E(op, domain.ErrPaused)
	}
	return nil
}

// Paused reports the current pause state.
func (c *Config) Paused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused
}

// SetPaused engages or releases the global pause. Caller must hold the
// pauser role.
func (c *Config) SetPaused(caller domain.Address, paused bool) error {
	const op = "protocol.set_paused"
	if !c.policy.HasRole(caller, domain.RolePauser) {
		return domain.E(op, domain.ErrRoleDenied)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = paused
	return nil
}

// CollectionFlags returns the switches for a collection. Unknown collections
// get the zero value: everything permitted.
func (c *Config) CollectionFlags(collection domain.Address) domain.CollectionFlags {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flags[collection]
}

// SetCollectionFlags replaces the switches for a collection. Caller must
// hold the configurer role.
func (c *Config) SetCollectionFlags(caller, collection domain.Address, flags domain.CollectionFlags) error {
	const op = "protocol.set_collection_flags"
	if !c.policy.HasRole(caller, domain.RoleConfigurer) {
		return domain.E(op, domain.ErrRoleDenied)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags[collection] = flags
	return nil
}

// StaticPolicy is a fixed role table, sufficient for a single-operator node.
// Role management itself (granting, revoking, hierarchies) is out of scope.
type StaticPolicy struct {
	Roles map[domain.Address][]domain.Role
}

// HasRole reports whether the caller holds the role.
func (p StaticPolicy) HasRole(caller domain.Address, role domain.Role) bool {
	for _, r := range p.Roles[caller] {
		if r == role {
			return true
		}
	}
	return false
}

// AllowAll grants every role to every caller. Used by tests and single-user
// local deployments.
type AllowAll struct{}

// HasRole always returns true.
func (AllowAll) HasRole(domain.Address, domain.Role) bool { return true }

// Compile-time interface checks.
var (
	_ domain.AccessPolicy = StaticPolicy{}
	_ domain.AccessPolicy = AllowAll{}
)
