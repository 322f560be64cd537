package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-markets/callvault/internal/collection"
	"github.com/covenant-markets/callvault/internal/domain"
	"github.com/covenant-markets/callvault/internal/protocol"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func addr(b byte) domain.Address {
	var a domain.Address
	a[19] = b
	return a
}

func newRegistry() *Registry {
	return New(Config{
		Deployer:  addr(0xDE),
		ChainID:   31337,
		Custodian: collection.NewLedger(),
		Gate:      protocol.New(protocol.AllowAll{}),
		Clock:     fixedClock{now: time.Unix(1_700_000_000, 0)},
	})
}

func TestResolveOrCreateVault(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()

	coll := addr(0xC0)
	v1, err := r.ResolveOrCreateVault(ctx, coll)
	require.NoError(t, err)
	require.NotNil(t, v1)
	assert.Equal(t, coll, v1.Collection())

	// Resolution is idempotent.
	v2, err := r.ResolveOrCreateVault(ctx, coll)
	require.NoError(t, err)
	assert.Same(t, v1, v2)

	// Distinct collections get distinct vaults at distinct addresses.
	v3, err := r.ResolveOrCreateVault(ctx, addr(0xC1))
	require.NoError(t, err)
	assert.NotEqual(t, v1.Address(), v3.Address())
}

func TestDeterministicAddresses(t *testing.T) {
	coll := addr(0xC0)

	a := newRegistry()
	b := newRegistry()

	va, err := a.ResolveOrCreateVault(context.Background(), coll)
	require.NoError(t, err)
	vb, err := b.ResolveOrCreateVault(context.Background(), coll)
	require.NoError(t, err)

	assert.Equal(t, va.Address(), vb.Address(), "replicas must agree on vault addresses")
}

func TestIsAuthenticVault(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()

	coll := addr(0xC0)
	v, err := r.ResolveOrCreateVault(ctx, coll)
	require.NoError(t, err)

	assert.True(t, r.IsAuthenticVault(v.Address(), coll))
	assert.False(t, r.IsAuthenticVault(v.Address(), addr(0xC1)), "wrong collection")
	assert.False(t, r.IsAuthenticVault(addr(0x99), coll), "unknown address")

	got, ok := r.ByAddress(v.Address())
	require.True(t, ok)
	assert.Same(t, v, got)

	_, ok = r.ByAddress(addr(0x99))
	assert.False(t, ok)
}
