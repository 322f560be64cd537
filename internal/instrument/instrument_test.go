package instrument

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-markets/callvault/internal/domain"
)

var (
	holder   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	buyer    = common.HexToAddress("0x0000000000000000000000000000000000000002")
	operator = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

func TestMintTransferBurnLifecycle(t *testing.T) {
	ctx := context.Background()
	r := New()

	require.NoError(t, r.Mint(ctx, 1, holder))

	owner, err := r.OwnerOf(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, holder, owner)

	count, err := r.TransferCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), count)

	require.NoError(t, r.Transfer(ctx, holder, 1, buyer))
	owner, err = r.OwnerOf(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, buyer, owner)

	count, err = r.TransferCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	require.NoError(t, r.Burn(ctx, 1))
	_, err = r.OwnerOf(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrUnknownOption)

	// Transfer count remains queryable after burn.
	count, err = r.TransferCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	// Double burn fails.
	assert.ErrorIs(t, r.Burn(ctx, 1), domain.ErrUnknownOption)
}

func TestDuplicateMintRejected(t *testing.T) {
	ctx := context.Background()
	r := New()

	require.NoError(t, r.Mint(ctx, 1, holder))
	assert.Error(t, r.Mint(ctx, 1, buyer))

	owner, err := r.OwnerOf(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, holder, owner)
}

func TestApprovalSemantics(t *testing.T) {
	ctx := context.Background()
	r := New()
	require.NoError(t, r.Mint(ctx, 1, holder))

	// Non-owner cannot approve or transfer.
	assert.ErrorIs(t, r.Approve(ctx, buyer, operator, 1), domain.ErrNotInstrumentHolder)
	assert.ErrorIs(t, r.Transfer(ctx, operator, 1, buyer), domain.ErrNotInstrumentHolder)

	// Owner approves an operator, who may then transfer once.
	require.NoError(t, r.Approve(ctx, holder, operator, 1))
	require.NoError(t, r.Transfer(ctx, operator, 1, buyer))

	owner, err := r.OwnerOf(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, buyer, owner)

	// The approval was consumed by the transfer.
	assert.ErrorIs(t, r.Transfer(ctx, operator, 1, holder), domain.ErrNotInstrumentHolder)
}

func TestApproveZeroAddressClears(t *testing.T) {
	ctx := context.Background()
	r := New()
	require.NoError(t, r.Mint(ctx, 1, holder))

	require.NoError(t, r.Approve(ctx, holder, operator, 1))
	require.NoError(t, r.Approve(ctx, holder, domain.ZeroAddress, 1))

	assert.ErrorIs(t, r.Transfer(ctx, operator, 1, buyer), domain.ErrNotInstrumentHolder)
}
