package protocol

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-markets/callvault/internal/domain"
)

var (
	admin    = common.HexToAddress("0x0000000000000000000000000000000000000aad")
	stranger = common.HexToAddress("0x0000000000000000000000000000000000000bad")
	nft      = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func TestPauseGate(t *testing.T) {
	cfg := New(StaticPolicy{Roles: map[domain.Address][]domain.Role{
		admin: {domain.RolePauser, domain.RoleConfigurer},
	}})

	require.NoError(t, cfg.ThrowIfPaused("op"))

	assert.ErrorIs(t, cfg.SetPaused(stranger, true), domain.ErrRoleDenied)
	assert.False(t, cfg.Paused())

	require.NoError(t, cfg.SetPaused(admin, true))
	err := cfg.ThrowIfPaused("op")
	assert.ErrorIs(t, err, domain.ErrPaused)
	assert.Equal(t, domain.KindPaused, domain.KindOf(err))

	require.NoError(t, cfg.SetPaused(admin, false))
	assert.NoError(t, cfg.ThrowIfPaused("op"))
}

func TestCollectionFlags(t *testing.T) {
	cfg := New(StaticPolicy{Roles: map[domain.Address][]domain.Role{
		admin: {domain.RoleConfigurer},
	}})

	assert.Equal(t, domain.CollectionFlags{}, cfg.CollectionFlags(nft))

	flags := domain.CollectionFlags{FlashUseDisabled: true}
	assert.ErrorIs(t, cfg.SetCollectionFlags(stranger, nft, flags), domain.ErrRoleDenied)
	require.NoError(t, cfg.SetCollectionFlags(admin, nft, flags))
	assert.True(t, cfg.CollectionFlags(nft).FlashUseDisabled)
}
