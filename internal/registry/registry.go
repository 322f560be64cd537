// Package registry is the vault factory: it deterministically resolves or
// creates the vault instance for an asset collection and answers whether a
// given vault address was deployed by this protocol. The option engine
// relies on the authenticity check to reject spoofed vault addresses passed
// into mint calls.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/covenant-markets/callvault/internal/crypto"
	"github.com/covenant-markets/callvault/internal/domain"
	"github.com/covenant-markets/callvault/internal/vault"
)

// Registry creates and indexes vaults. One multi-asset vault is deployed per
// collection; its address is derived deterministically from the deployer and
// collection so independently-run replicas agree on addresses.
type Registry struct {
	deployer domain.Address
	chainID  int64

	custodian domain.AssetCustodian
	gate      vault.PauseGate
	clock     domain.Clock
	journal   domain.VaultStore
	events    domain.EventSink
	logger    *slog.Logger

	mu           sync.RWMutex
	byCollection map[domain.Address]*vault.Vault
	byAddress    map[domain.Address]*vault.Vault
}

// Config bundles the collaborators handed to every vault the registry
// creates.
type Config struct {
	Deployer  domain.Address
	ChainID   int64
	Custodian domain.AssetCustodian
	Gate      vault.PauseGate
	Clock     domain.Clock
	Journal   domain.VaultStore
	Events    domain.EventSink
	Logger    *slog.Logger
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		deployer:     cfg.Deployer,
		chainID:      cfg.ChainID,
		custodian:    cfg.Custodian,
		gate:         cfg.Gate,
		clock:        cfg.Clock,
		journal:      cfg.Journal,
		events:       cfg.Events,
		logger:       logger,
		byCollection: make(map[domain.Address]*vault.Vault),
		byAddress:    make(map[domain.Address]*vault.Vault),
	}
}

// ResolveOrCreateVault returns the vault for a collection, deploying it on
// first use. Creation is idempotent: concurrent resolvers converge on the
// same instance.
func (r *Registry) ResolveOrCreateVault(ctx context.Context, coll domain.Address) (*vault.Vault, error) {
	r.mu.RLock()
	v, ok := r.byCollection[coll]
	r.mu.RUnlock()
	if ok {
		return v, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.byCollection[coll]; ok {
		return v, nil
	}

	addr := crypto.DeterministicVaultAddress(r.deployer, coll, 0)
	v = vault.New(vault.Config{
		Address:    addr,
		Collection: coll,
		Custodian:  r.custodian,
		Verifier:   crypto.NewVerifier(r.chainID, addr),
		Gate:       r.gate,
		Clock:      r.clock,
		Journal:    r.journal,
		Events:     r.events,
		Logger:     r.logger,
	})
	r.byCollection[coll] = v
	r.byAddress[addr] = v

	r.logger.Info("vault deployed",
		slog.String("vault", addr.Hex()),
		slog.String("collection", coll.Hex()),
	)
	return v, nil
}

// ByAddress returns the vault deployed at addr, if any.
func (r *Registry) ByAddress(addr domain.Address) (*vault.Vault, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byAddress[addr]
	return v, ok
}

// ByCollection returns the vault for a collection, if one has been deployed.
func (r *Registry) ByCollection(coll domain.Address) (*vault.Vault, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byCollection[coll]
	return v, ok
}

// IsAuthenticVault reports whether addr is a protocol-deployed vault for the
// expected collection. An unknown address additionally fails the
// deterministic-derivation check, so the two agree by construction.
func (r *Registry) IsAuthenticVault(addr, coll domain.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.byAddress[addr]
	if !ok || v.Collection() != coll {
		return false
	}
	return crypto.DeterministicVaultAddress(r.deployer, coll, 0) == addr
}
