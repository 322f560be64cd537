package ledger

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-markets/callvault/internal/domain"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

var (
	alice  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob    = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	carol  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	writer = common.HexToAddress("0x00000000000000000000000000000000000000d0")
)

func wei(n int64) *big.Int { return big.NewInt(n) }

func newTestLedger() *Ledger {
	return New(&fixedClock{now: time.Unix(1_700_000_000, 0).UTC()})
}

func TestDepositWithdraw(t *testing.T) {
	l := newTestLedger()

	require.NoError(t, l.Deposit(alice, wei(1000)))
	assert.Equal(t, wei(1000), l.Balance(alice))

	require.NoError(t, l.Withdraw(alice, wei(400)))
	assert.Equal(t, wei(600), l.Balance(alice))

	err := l.Withdraw(alice, wei(700))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, wei(600), l.Balance(alice), "failed withdraw must not move funds")

	assert.ErrorIs(t, l.Deposit(alice, wei(0)), domain.ErrBadAmount)
	assert.ErrorIs(t, l.Deposit(alice, nil), domain.ErrBadAmount)
}

func TestEscrowReplacementRefundsInFull(t *testing.T) {
	l := newTestLedger()
	require.NoError(t, l.Deposit(alice, wei(2000)))
	require.NoError(t, l.Deposit(bob, wei(2000)))

	// Alice holds first.
	refunded, refundAmt, err := l.HoldEscrow(1, alice, wei(1050))
	require.NoError(t, err)
	assert.Equal(t, domain.ZeroAddress, refunded)
	assert.Nil(t, refundAmt)
	assert.Equal(t, wei(950), l.Balance(alice))
	assert.Equal(t, wei(1050), l.TotalEscrowed())

	// Bob outbids; Alice is made whole in the same step.
	refunded, refundAmt, err = l.HoldEscrow(1, bob, wei(1100))
	require.NoError(t, err)
	assert.Equal(t, alice, refunded)
	assert.Equal(t, wei(1050), refundAmt)
	assert.Equal(t, wei(2000), l.Balance(alice))
	assert.Equal(t, wei(900), l.Balance(bob))
	assert.Equal(t, wei(1100), l.TotalEscrowed(), "escrow equals current high bid only")

	bidder, amount, ok := l.EscrowFor(1)
	require.True(t, ok)
	assert.Equal(t, bob, bidder)
	assert.Equal(t, wei(1100), amount)
}

func TestHoldEscrowInsufficientFundsLeavesPriorHold(t *testing.T) {
	l := newTestLedger()
	require.NoError(t, l.Deposit(alice, wei(1050)))

	_, _, err := l.HoldEscrow(1, alice, wei(1050))
	require.NoError(t, err)

	// Carol never deposited; her bid must fail without disturbing Alice.
	_, _, err = l.HoldEscrow(1, carol, wei(1100))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	bidder, amount, ok := l.EscrowFor(1)
	require.True(t, ok)
	assert.Equal(t, alice, bidder)
	assert.Equal(t, wei(1050), amount)
	assert.Equal(t, wei(1050), l.TotalEscrowed())
}

func TestReleaseEscrow(t *testing.T) {
	l := newTestLedger()
	require.NoError(t, l.Deposit(alice, wei(1050)))
	_, _, err := l.HoldEscrow(1, alice, wei(1050))
	require.NoError(t, err)

	bidder, amount := l.ReleaseEscrow(1)
	assert.Equal(t, alice, bidder)
	assert.Equal(t, wei(1050), amount)
	assert.Equal(t, wei(1050), l.Balance(alice))
	assert.Zero(t, l.TotalEscrowed().Sign())

	// No-op on an option without a hold.
	bidder, amount = l.ReleaseEscrow(1)
	assert.Equal(t, domain.ZeroAddress, bidder)
	assert.Nil(t, amount)
}

func TestSettleEscrowSplit(t *testing.T) {
	l := newTestLedger()
	require.NoError(t, l.Deposit(bob, wei(1100)))
	_, _, err := l.HoldEscrow(1, bob, wei(1100))
	require.NoError(t, err)

	claim, err := l.SettleEscrow(1, writer, wei(1000), carol)
	require.NoError(t, err)
	assert.Equal(t, wei(1000), l.Balance(writer))
	assert.Equal(t, wei(100), claim.Amount)
	assert.Equal(t, carol, claim.Claimant)
	assert.Zero(t, l.TotalEscrowed().Sign())

	// Claimant pulls the premium exactly once.
	got, err := l.Claim(1, carol)
	require.NoError(t, err)
	assert.Equal(t, wei(100), got)
	assert.Equal(t, wei(100), l.Balance(carol))

	_, err = l.Claim(1, carol)
	assert.ErrorIs(t, err, domain.ErrNothingClaimable)
}

func TestSettleEscrowZeroPremiumRecordsNoClaim(t *testing.T) {
	l := newTestLedger()
	require.NoError(t, l.Deposit(bob, wei(1000)))
	_, _, err := l.HoldEscrow(1, bob, wei(1000))
	require.NoError(t, err)

	claim, err := l.SettleEscrow(1, writer, wei(1000), carol)
	require.NoError(t, err)
	assert.Equal(t, int64(0), claim.Amount.Int64())

	_, ok := l.ClaimFor(1)
	assert.False(t, ok)

	_, err = l.Claim(1, carol)
	assert.ErrorIs(t, err, domain.ErrNothingClaimable)
}

func TestClaimWrongCaller(t *testing.T) {
	l := newTestLedger()
	require.NoError(t, l.Deposit(bob, wei(1100)))
	_, _, err := l.HoldEscrow(1, bob, wei(1100))
	require.NoError(t, err)
	_, err = l.SettleEscrow(1, writer, wei(1000), carol)
	require.NoError(t, err)

	_, err = l.Claim(1, bob)
	assert.ErrorIs(t, err, domain.ErrNotInstrumentHolder)

	// The rightful claimant still succeeds afterwards.
	_, err = l.Claim(1, carol)
	assert.NoError(t, err)
}

func TestConservationAcrossBidSequence(t *testing.T) {
	l := newTestLedger()
	bidders := []domain.Address{alice, bob, carol}
	deposited := wei(0)
	for _, b := range bidders {
		require.NoError(t, l.Deposit(b, wei(10_000)))
		deposited.Add(deposited, wei(10_000))
	}

	// Interleave rising bids on two options.
	bids := []struct {
		option domain.OptionID
		bidder domain.Address
		amount int64
	}{
		{1, alice, 1050}, {2, bob, 500}, {1, bob, 1100},
		{2, carol, 600}, {1, carol, 2000}, {2, alice, 700},
	}
	for _, bid := range bids {
		_, _, err := l.HoldEscrow(bid.option, bid.bidder, wei(bid.amount))
		require.NoError(t, err)
	}

	// total free + total escrowed must equal total deposited.
	free := new(big.Int)
	for _, b := range bidders {
		free.Add(free, l.Balance(b))
	}
	total := new(big.Int).Add(free, l.TotalEscrowed())
	assert.Equal(t, deposited, total, "no lost or double-counted escrow")
	assert.Equal(t, wei(2700), l.TotalEscrowed())
}
