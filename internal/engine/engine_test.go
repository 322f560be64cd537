package engine

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-markets/callvault/internal/collection"
	"github.com/covenant-markets/callvault/internal/domain"
	"github.com/covenant-markets/callvault/internal/instrument"
	"github.com/covenant-markets/callvault/internal/ledger"
	"github.com/covenant-markets/callvault/internal/protocol"
	"github.com/covenant-markets/callvault/internal/registry"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func addr(b byte) domain.Address {
	var a domain.Address
	a[19] = b
	return a
}

func wei(n int64) *big.Int { return big.NewInt(n) }

type harness struct {
	engine      *Engine
	vaults      *registry.Registry
	custodian   *collection.Ledger
	instruments *instrument.Registry
	funds       *ledger.Ledger
	gate        *protocol.Config
	clock       *fakeClock

	coll   domain.Address
	writer domain.Address
	bidA   domain.Address
	bidB   domain.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		custodian:   collection.NewLedger(),
		instruments: instrument.New(),
		gate:        protocol.New(protocol.AllowAll{}),
		clock:       &fakeClock{now: time.Unix(1_700_000_000, 0)},
		coll:        addr(0xC0),
		writer:      addr(0x01),
		bidA:        addr(0x0A),
		bidB:        addr(0x0B),
	}
	h.funds = ledger.New(h.clock)
	h.vaults = registry.New(registry.Config{
		Deployer:  addr(0xDE),
		ChainID:   31337,
		Custodian: h.custodian,
		Gate:      h.gate,
		Clock:     h.clock,
	})
	h.engine = New(Config{
		Address:     addr(0xEE),
		Vaults:      h.vaults,
		Instruments: h.instruments,
		Funds:       h.funds,
		Gate:        h.gate,
		Clock:       h.clock,
	})

	// Everyone starts with spending money.
	for _, a := range []domain.Address{h.writer, h.bidA, h.bidB} {
		require.NoError(t, h.funds.Deposit(a, wei(10_000)))
	}
	return h
}

// mintOption is the standard scenario opener: writer deposits asset 7 and
// writes a 1000-strike call expiring in three days.
func (h *harness) mintOption(t *testing.T) domain.OptionID {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, h.custodian.MintAsset(h.coll, 7, h.writer))
	id, err := h.engine.MintWithAssetTransfer(ctx, h.coll, 7, wei(1000), h.expiry(3*24*time.Hour), h.writer)
	require.NoError(t, err)
	return id
}

func (h *harness) expiry(in time.Duration) int64 {
	return h.clock.now.Add(in).Unix()
}

func TestMintWithAssetTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.mintOption(t)
	assert.Equal(t, domain.OptionID(1), id, "option ids start at 1")

	// Instrument is owned by the writer.
	owner, err := h.instruments.OwnerOf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, h.writer, owner)

	// The vault holds the asset with the engine as entitlement operator.
	v, ok := h.vaults.ByCollection(h.coll)
	require.True(t, ok)
	assert.True(t, v.Holds(7))

	active, op := v.CurrentEntitlementOperator(7)
	assert.True(t, active)
	assert.Equal(t, h.engine.Address(), op)
	assert.Equal(t, h.expiry(3*24*time.Hour), v.EntitlementExpiry(7))

	o, err := h.engine.Option(id)
	require.NoError(t, err)
	assert.Equal(t, h.writer, o.Writer)
	assert.Equal(t, domain.OptionStateWritten, o.State)
}

func TestMintWithVault(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.custodian.MintAsset(h.coll, 7, h.writer))
	v, err := h.vaults.ResolveOrCreateVault(ctx, h.coll)
	require.NoError(t, err)
	require.NoError(t, v.Deposit(ctx, 7, h.writer, h.writer))

	t.Run("spoofed vault address rejected", func(t *testing.T) {
		_, err := h.engine.MintWithVault(ctx, addr(0x99), 7, wei(1000), h.expiry(3*24*time.Hour), h.writer)
		assert.ErrorIs(t, err, domain.ErrUnauthorizedVault)
	})

	t.Run("stranger cannot mint", func(t *testing.T) {
		_, err := h.engine.MintWithVault(ctx, v.Address(), 7, wei(1000), h.expiry(3*24*time.Hour), addr(0x99))
		assert.ErrorIs(t, err, domain.ErrNotOwnerOrOperator)
	})

	t.Run("writer mints against held asset", func(t *testing.T) {
		id, err := h.engine.MintWithVault(ctx, v.Address(), 7, wei(1000), h.expiry(3*24*time.Hour), h.writer)
		require.NoError(t, err)
		assert.Equal(t, domain.OptionID(1), id)
	})
}

func TestMintApprovedOperatorGetsInstrumentApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.custodian.MintAsset(h.coll, 7, h.writer))
	v, err := h.vaults.ResolveOrCreateVault(ctx, h.coll)
	require.NoError(t, err)
	require.NoError(t, v.Deposit(ctx, 7, h.writer, h.writer))

	helper := addr(0x33)
	require.NoError(t, v.ApproveOperator(ctx, 7, helper, h.writer))

	id, err := h.engine.MintWithVault(ctx, v.Address(), 7, wei(1000), h.expiry(3*24*time.Hour), helper)
	require.NoError(t, err)

	// Instrument belongs to the writer, but the minting operator can move it.
	owner, err := h.instruments.OwnerOf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, h.writer, owner)
	require.NoError(t, h.instruments.Transfer(ctx, helper, id, helper))
}

func TestMintTimingFloor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.custodian.MintAsset(h.coll, 7, h.writer))
	_, err := h.engine.MintWithAssetTransfer(ctx, h.coll, 7, wei(1000), h.expiry(30*time.Minute), h.writer)
	assert.ErrorIs(t, err, domain.ErrTooSoonToExpiry)
	assert.Equal(t, domain.KindTiming, domain.KindOf(err))
}

func TestMintSlotReuseRequiresTerminalPredecessor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.mintOption(t)
	v, _ := h.vaults.ByCollection(h.coll)

	_, err := h.engine.MintWithVault(ctx, v.Address(), 7, wei(1000), h.expiry(5*24*time.Hour), h.writer)
	assert.ErrorIs(t, err, domain.ErrPreviousOptionUnsettled)
	assert.Equal(t, domain.KindState, domain.KindOf(err))

	// After the first option ends worthless the slot is writable again.
	h.clock.advance(3*24*time.Hour + time.Second)
	require.NoError(t, h.engine.BurnExpiredOption(ctx, id, addr(0x99)))

	id2, err := h.engine.MintWithVault(ctx, v.Address(), 7, wei(1000), h.expiry(3*24*time.Hour), h.writer)
	require.NoError(t, err)
	assert.Equal(t, domain.OptionID(2), id2)
}

func TestMintDisallowedCollection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.engine = New(Config{
		Address:            addr(0xEE),
		AllowedCollections: map[domain.Address]bool{addr(0xC1): true},
		Vaults:             h.vaults,
		Instruments:        h.instruments,
		Funds:              h.funds,
		Gate:               h.gate,
		Clock:              h.clock,
	})

	require.NoError(t, h.custodian.MintAsset(h.coll, 7, h.writer))
	_, err := h.engine.MintWithAssetTransfer(ctx, h.coll, 7, wei(1000), h.expiry(3*24*time.Hour), h.writer)
	assert.ErrorIs(t, err, domain.ErrTokenNotAllowed)
}

func TestBidWindowAndOrdering(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.mintOption(t)

	t.Run("closed before the window opens", func(t *testing.T) {
		err := h.engine.Bid(ctx, id, wei(1050), h.bidA)
		assert.ErrorIs(t, err, domain.ErrAuctionNotOpen)
	})

	// Day 2.1 of 3: window open.
	h.clock.advance(50*time.Hour + 24*time.Minute)

	t.Run("bid at or below strike rejected", func(t *testing.T) {
		assert.ErrorIs(t, h.engine.Bid(ctx, id, wei(1000), h.bidA), domain.ErrBidTooLow)
	})

	t.Run("first bid escrows", func(t *testing.T) {
		require.NoError(t, h.engine.Bid(ctx, id, wei(1050), h.bidA))
		assert.Equal(t, wei(10_000-1050), h.funds.Balance(h.bidA))
		assert.Equal(t, wei(1050), h.engine.mustOption(t, id).HighBid)
	})

	t.Run("lower or equal raise rejected", func(t *testing.T) {
		assert.ErrorIs(t, h.engine.Bid(ctx, id, wei(1050), h.bidB), domain.ErrBidTooLow)
	})

	t.Run("higher bid refunds the superseded bidder in full", func(t *testing.T) {
		require.NoError(t, h.engine.Bid(ctx, id, wei(1100), h.bidB))
		assert.Equal(t, wei(10_000), h.funds.Balance(h.bidA), "loser made whole immediately")
		assert.Equal(t, wei(10_000-1100), h.funds.Balance(h.bidB))
		assert.Zero(t, h.funds.TotalEscrowed().Cmp(wei(1100)), "escrow equals the high bid exactly")
	})

	t.Run("rejected after expiration", func(t *testing.T) {
		h.clock.advance(24 * time.Hour)
		err := h.engine.Bid(ctx, id, wei(1200), h.bidA)
		assert.ErrorIs(t, err, domain.ErrOptionExpired)
	})
}

// mustOption is a test helper for terse assertions.
func (e *Engine) mustOption(t *testing.T, id domain.OptionID) domain.CallOption {
	t.Helper()
	o, err := e.Option(id)
	require.NoError(t, err)
	return o
}

func TestSettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.mintOption(t)

	h.clock.advance(50*time.Hour + 24*time.Minute)
	require.NoError(t, h.engine.Bid(ctx, id, wei(1050), h.bidA))
	require.NoError(t, h.engine.Bid(ctx, id, wei(1100), h.bidB))

	t.Run("cannot settle before expiration", func(t *testing.T) {
		err := h.engine.SettleOption(ctx, id, addr(0x99))
		assert.ErrorIs(t, err, domain.ErrOptionNotExpired)
	})

	h.clock.advance(22*time.Hour + 36*time.Minute + time.Second)

	t.Run("anyone settles after expiration", func(t *testing.T) {
		require.NoError(t, h.engine.SettleOption(ctx, id, addr(0x99)))

		// Writer gets the strike pushed to free balance.
		assert.Equal(t, wei(10_000+1000), h.funds.Balance(h.writer))

		// Premium is a pull-claim for the settlement-time instrument holder.
		amt, err := h.engine.ClaimProceeds(ctx, id, h.writer)
		require.NoError(t, err)
		assert.Equal(t, wei(100), amt)
		assert.Equal(t, wei(10_000+1100), h.funds.Balance(h.writer))

		// Winner now beneficially owns the underlying.
		v, _ := h.vaults.ByCollection(h.coll)
		bo, err := v.BeneficialOwner(7)
		require.NoError(t, err)
		assert.Equal(t, h.bidB, bo)

		// Entitlement cleared; winner can withdraw immediately.
		require.NoError(t, v.Withdraw(ctx, 7, h.bidB))

		// Instrument burned.
		_, err = h.instruments.OwnerOf(ctx, id)
		assert.Error(t, err)

		assert.Zero(t, h.funds.TotalEscrowed().Sign(), "no escrow outlives settlement")
	})

	t.Run("settlement is not repeatable", func(t *testing.T) {
		err := h.engine.SettleOption(ctx, id, addr(0x99))
		assert.ErrorIs(t, err, domain.ErrOptionSettled)
		assert.Equal(t, domain.KindState, domain.KindOf(err))
	})

	t.Run("claim is one shot", func(t *testing.T) {
		_, err := h.engine.ClaimProceeds(ctx, id, h.writer)
		assert.ErrorIs(t, err, domain.ErrNothingClaimable)
	})
}

func TestSettlementPremiumFollowsInstrument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.mintOption(t)

	// Writer sells the instrument on; the buyer carries the premium right.
	buyer := addr(0x42)
	require.NoError(t, h.instruments.Transfer(ctx, h.writer, id, buyer))

	h.clock.advance(50 * time.Hour)
	require.NoError(t, h.engine.Bid(ctx, id, wei(1300), h.bidA))
	h.clock.advance(23 * time.Hour)

	require.NoError(t, h.engine.SettleOption(ctx, id, addr(0x99)))

	o := h.engine.mustOption(t, id)
	assert.Equal(t, buyer, o.SettlementHolder)

	// Writer cannot claim the buyer's premium.
	_, err := h.engine.ClaimProceeds(ctx, id, h.writer)
	assert.ErrorIs(t, err, domain.ErrNotInstrumentHolder)

	amt, err := h.engine.ClaimProceeds(ctx, id, buyer)
	require.NoError(t, err)
	assert.Equal(t, wei(300), amt)
}

func TestBurnExpiredOption(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.mintOption(t)

	t.Run("not before expiration", func(t *testing.T) {
		err := h.engine.BurnExpiredOption(ctx, id, addr(0x99))
		assert.ErrorIs(t, err, domain.ErrOptionNotExpired)
	})

	h.clock.advance(3*24*time.Hour + time.Second)

	t.Run("burns worthless option, writer keeps asset", func(t *testing.T) {
		require.NoError(t, h.engine.BurnExpiredOption(ctx, id, addr(0x99)))

		v, _ := h.vaults.ByCollection(h.coll)
		bo, err := v.BeneficialOwner(7)
		require.NoError(t, err)
		assert.Equal(t, h.writer, bo)
		require.NoError(t, v.Withdraw(ctx, 7, h.writer))

		o := h.engine.mustOption(t, id)
		assert.Equal(t, domain.OptionStateExpired, o.State)
	})

	t.Run("idempotence rejected", func(t *testing.T) {
		err := h.engine.BurnExpiredOption(ctx, id, addr(0x99))
		assert.ErrorIs(t, err, domain.ErrOptionSettled)
	})
}

func TestBurnExpiredRejectsWhenBidExists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.mintOption(t)

	h.clock.advance(50 * time.Hour)
	require.NoError(t, h.engine.Bid(ctx, id, wei(1050), h.bidA))
	h.clock.advance(23 * time.Hour)

	err := h.engine.BurnExpiredOption(ctx, id, addr(0x99))
	assert.ErrorIs(t, err, domain.ErrHasWinningBid)
}

func TestSettleAfterPostExpiryWithdrawRefundsBidder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.mintOption(t)

	h.clock.advance(50 * time.Hour)
	require.NoError(t, h.engine.Bid(ctx, id, wei(1100), h.bidB))
	h.clock.advance(22*time.Hour + time.Second)

	// The entitlement lapsed at expiration, so the writer's withdraw is
	// legal and takes the underlying out from under the pending sale.
	v, _ := h.vaults.ByCollection(h.coll)
	require.NoError(t, v.Withdraw(ctx, 7, h.writer))

	require.NoError(t, h.engine.SettleOption(ctx, id, addr(0x99)))

	// The bidder is made whole in full; the writer sold nothing and gets
	// no strike.
	assert.Equal(t, wei(10_000), h.funds.Balance(h.bidB))
	assert.Equal(t, wei(10_000), h.funds.Balance(h.writer))
	assert.Zero(t, h.funds.TotalEscrowed().Sign(), "no escrow survives the void")

	o := h.engine.mustOption(t, id)
	assert.Equal(t, domain.OptionStateExpired, o.State)
	_, err := h.instruments.OwnerOf(ctx, id)
	assert.Error(t, err, "instrument burned")

	// The slot reopens: the writer can vault the asset and write again.
	id2, err := h.engine.MintWithAssetTransfer(ctx, h.coll, 7, wei(1000), h.expiry(3*24*time.Hour), h.writer)
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}

func TestBurnExpiredAfterPostExpiryWithdraw(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.mintOption(t)

	h.clock.advance(3*24*time.Hour + time.Second)

	// The withdraw sweeps the stale entitlement record with the asset.
	v, _ := h.vaults.ByCollection(h.coll)
	require.NoError(t, v.Withdraw(ctx, 7, h.writer))

	require.NoError(t, h.engine.BurnExpiredOption(ctx, id, addr(0x99)))
	o := h.engine.mustOption(t, id)
	assert.Equal(t, domain.OptionStateExpired, o.State)
}

func TestReclaimAsset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.mintOption(t)

	h.clock.advance(50 * time.Hour)
	require.NoError(t, h.engine.Bid(ctx, id, wei(1050), h.bidA))

	t.Run("only the writer", func(t *testing.T) {
		err := h.engine.ReclaimAsset(ctx, id, true, h.bidA)
		assert.ErrorIs(t, err, domain.ErrNotWriter)
	})

	t.Run("writer must hold the instrument", func(t *testing.T) {
		buyer := addr(0x42)
		require.NoError(t, h.instruments.Transfer(ctx, h.writer, id, buyer))
		err := h.engine.ReclaimAsset(ctx, id, true, h.writer)
		assert.ErrorIs(t, err, domain.ErrNotInstrumentHolder)

		// Buy it back.
		require.NoError(t, h.instruments.Transfer(ctx, buyer, id, h.writer))
	})

	t.Run("reclaim refunds bidder and returns asset", func(t *testing.T) {
		require.NoError(t, h.engine.ReclaimAsset(ctx, id, true, h.writer))

		assert.Equal(t, wei(10_000), h.funds.Balance(h.bidA), "high bidder refunded in full")
		assert.Zero(t, h.funds.TotalEscrowed().Sign())

		// Asset is out of the vault and back with the writer.
		owner, err := h.custodian.OwnerOf(ctx, h.coll, 7)
		require.NoError(t, err)
		assert.Equal(t, h.writer, owner)

		o := h.engine.mustOption(t, id)
		assert.Equal(t, domain.OptionStateReclaimed, o.State)
	})

	t.Run("terminal, no second reclaim", func(t *testing.T) {
		err := h.engine.ReclaimAsset(ctx, id, true, h.writer)
		assert.ErrorIs(t, err, domain.ErrOptionSettled)
	})
}

func TestReclaimRejectedAfterExpiration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.mintOption(t)

	h.clock.advance(3*24*time.Hour + time.Second)
	err := h.engine.ReclaimAsset(ctx, id, true, h.writer)
	assert.ErrorIs(t, err, domain.ErrOptionExpired)
}

func TestPauseGatesMintAndBidOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.mintOption(t)

	h.clock.advance(50 * time.Hour)
	require.NoError(t, h.engine.Bid(ctx, id, wei(1050), h.bidA))

	require.NoError(t, h.gate.SetPaused(addr(0x01), true))

	assert.ErrorIs(t, h.engine.Bid(ctx, id, wei(1100), h.bidB), domain.ErrPaused)
	require.NoError(t, h.custodian.MintAsset(h.coll, 8, h.writer))
	_, err := h.engine.MintWithAssetTransfer(ctx, h.coll, 8, wei(500), h.expiry(3*24*time.Hour), h.writer)
	assert.ErrorIs(t, err, domain.ErrPaused)

	// Settlement stays live while paused.
	h.clock.advance(23 * time.Hour)
	require.NoError(t, h.engine.SettleOption(ctx, id, addr(0x99)))
}

func TestEscrowConservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.mintOption(t)

	h.clock.advance(50 * time.Hour)

	// A raising war: escrow must always equal exactly the current high bid.
	bids := []struct {
		who domain.Address
		amt int64
	}{
		{h.bidA, 1050}, {h.bidB, 1100}, {h.bidA, 1200}, {h.bidB, 1500},
	}
	for _, b := range bids {
		require.NoError(t, h.engine.Bid(ctx, id, wei(b.amt), b.who))
		assert.Zero(t, h.funds.TotalEscrowed().Cmp(wei(b.amt)))
	}

	// Everyone's free balance accounts for exactly one live hold.
	assert.Equal(t, wei(10_000), h.funds.Balance(h.bidA))
	assert.Equal(t, wei(10_000-1500), h.funds.Balance(h.bidB))
}
