package vault

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-markets/callvault/internal/collection"
	"github.com/covenant-markets/callvault/internal/crypto"
	"github.com/covenant-markets/callvault/internal/domain"
	"github.com/covenant-markets/callvault/internal/protocol"
)

// Anvil's well-known first dev key; fine for tests.
const ownerKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type fixture struct {
	vault     *Vault
	custodian *collection.Ledger
	gate      *protocol.Config
	clock     *fakeClock
	verifier  *crypto.Verifier
	signer    *crypto.Signer

	collectionAddr domain.Address
	vaultAddr      domain.Address
	owner          domain.Address
	operator       domain.Address
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func addr(b byte) domain.Address {
	var a domain.Address
	a[19] = b
	return a
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		custodian:      collection.NewLedger(),
		gate:           protocol.New(protocol.AllowAll{}),
		clock:          &fakeClock{now: time.Unix(1_700_000_000, 0)},
		collectionAddr: addr(0xC0),
		vaultAddr:      addr(0xA1),
		operator:       addr(0x0E),
	}
	f.verifier = crypto.NewVerifier(31337, f.vaultAddr)

	signer, err := crypto.NewSigner(ownerKeyHex, f.verifier)
	require.NoError(t, err)
	f.signer = signer
	f.owner = signer.Address()

	f.vault = New(Config{
		Address:    f.vaultAddr,
		Collection: f.collectionAddr,
		Custodian:  f.custodian,
		Verifier:   f.verifier,
		Gate:       f.gate,
		Clock:      f.clock,
	})
	return f
}

func (f *fixture) mintAndDeposit(t *testing.T, id domain.AssetID) {
	t.Helper()
	require.NoError(t, f.custodian.MintAsset(f.collectionAddr, id, f.owner))
	require.NoError(t, f.vault.Deposit(context.Background(), id, f.owner, f.owner))
}

func (f *fixture) entitlement(id domain.AssetID, ttl time.Duration) domain.Entitlement {
	return domain.Entitlement{
		BeneficialOwner: f.owner,
		Operator:        f.operator,
		Vault:           f.vaultAddr,
		AssetID:         id,
		Expiry:          f.clock.now.Add(ttl).Unix(),
	}
}

func TestDepositAndWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mintAndDeposit(t, 1)
	assert.True(t, f.vault.Holds(1))

	owner, err := f.custodian.OwnerOf(ctx, f.collectionAddr, 1)
	require.NoError(t, err)
	assert.Equal(t, f.vaultAddr, owner)

	bo, err := f.vault.BeneficialOwner(1)
	require.NoError(t, err)
	assert.Equal(t, f.owner, bo)

	// Double deposit rejected.
	err = f.vault.Deposit(ctx, 1, f.owner, f.owner)
	assert.ErrorIs(t, err, domain.ErrAssetAlreadyInVault)

	// Stranger cannot withdraw.
	err = f.vault.Withdraw(ctx, 1, addr(0x99))
	assert.ErrorIs(t, err, domain.ErrNotBeneficialOwner)

	require.NoError(t, f.vault.Withdraw(ctx, 1, f.owner))
	assert.False(t, f.vault.Holds(1))

	owner, err = f.custodian.OwnerOf(ctx, f.collectionAddr, 1)
	require.NoError(t, err)
	assert.Equal(t, f.owner, owner)
}

func TestUnsolicitedDepositFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	depositor := addr(0x44)
	require.NoError(t, f.custodian.MintAsset(f.collectionAddr, 7, depositor))
	require.NoError(t, f.gate.SetCollectionFlags(addr(0x01), f.collectionAddr, domain.CollectionFlags{
		UnsolicitedDepositDisabled: true,
	}))

	// Depositor naming someone else as beneficial owner is blocked.
	err := f.vault.Deposit(ctx, 7, f.owner, depositor)
	assert.ErrorIs(t, err, domain.ErrDepositsDisabled)

	// Depositing for themselves still works.
	require.NoError(t, f.vault.Deposit(ctx, 7, depositor, depositor))
}

func TestGrantEntitlementDirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mintAndDeposit(t, 1)

	e := f.entitlement(1, time.Hour)

	t.Run("stranger cannot grant", func(t *testing.T) {
		err := f.vault.GrantEntitlement(ctx, e, addr(0x99))
		assert.ErrorIs(t, err, domain.ErrNotOwnerOrOperator)
	})

	t.Run("owner grants", func(t *testing.T) {
		require.NoError(t, f.vault.GrantEntitlement(ctx, e, f.owner))

		active, op := f.vault.CurrentEntitlementOperator(1)
		assert.True(t, active)
		assert.Equal(t, f.operator, op)
	})

	t.Run("second grant rejected while active", func(t *testing.T) {
		err := f.vault.GrantEntitlement(ctx, e, f.owner)
		assert.ErrorIs(t, err, domain.ErrEntitlementActive)
	})

	t.Run("withdraw blocked while active", func(t *testing.T) {
		err := f.vault.Withdraw(ctx, 1, f.owner)
		assert.ErrorIs(t, err, domain.ErrEntitlementActive)
	})
}

func TestGrantEntitlementValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mintAndDeposit(t, 1)

	t.Run("wrong vault address", func(t *testing.T) {
		e := f.entitlement(1, time.Hour)
		e.Vault = addr(0xBB)
		err := f.vault.GrantEntitlement(ctx, e, f.owner)
		assert.ErrorIs(t, err, domain.ErrReceiverMismatch)
	})

	t.Run("zero operator", func(t *testing.T) {
		e := f.entitlement(1, time.Hour)
		e.Operator = domain.ZeroAddress
		err := f.vault.GrantEntitlement(ctx, e, f.owner)
		assert.ErrorIs(t, err, domain.ErrZeroOperator)
	})

	t.Run("expiry in the past", func(t *testing.T) {
		e := f.entitlement(1, -time.Hour)
		err := f.vault.GrantEntitlement(ctx, e, f.owner)
		assert.ErrorIs(t, err, domain.ErrExpiryInPast)
	})

	t.Run("asset not held", func(t *testing.T) {
		e := f.entitlement(42, time.Hour)
		err := f.vault.GrantEntitlement(ctx, e, f.owner)
		assert.ErrorIs(t, err, domain.ErrAssetNotInVault)
	})
}

func TestGrantEntitlementSigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mintAndDeposit(t, 1)

	e := f.entitlement(1, time.Hour)
	sig, err := f.signer.SignEntitlement(e)
	require.NoError(t, err)

	// Any submitter works; authority is in the signature.
	relayer := addr(0x77)
	require.NoError(t, f.vault.GrantEntitlementSigned(ctx, e, sig, relayer))

	active, op := f.vault.CurrentEntitlementOperator(1)
	assert.True(t, active)
	assert.Equal(t, f.operator, op)
}

func TestGrantEntitlementSignedRejectsTamper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mintAndDeposit(t, 1)

	e := f.entitlement(1, time.Hour)
	sig, err := f.signer.SignEntitlement(e)
	require.NoError(t, err)

	t.Run("mutated operator", func(t *testing.T) {
		bad := e
		bad.Operator = addr(0x66)
		err := f.vault.GrantEntitlementSigned(ctx, bad, sig, f.owner)
		assert.ErrorIs(t, err, domain.ErrBadSignature)
	})

	t.Run("signer is not the beneficial owner", func(t *testing.T) {
		bad := e
		bad.BeneficialOwner = addr(0x66)
		err := f.vault.GrantEntitlementSigned(ctx, bad, sig, f.owner)
		assert.ErrorIs(t, err, domain.ErrNotOwnerOrOperator)
	})
}

func TestLazyExpiryAndReplacement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mintAndDeposit(t, 1)

	require.NoError(t, f.vault.GrantEntitlement(ctx, f.entitlement(1, time.Hour), f.owner))

	// Cross the expiry instant; no clear has run.
	f.clock.now = f.clock.now.Add(time.Hour)

	active, _ := f.vault.CurrentEntitlementOperator(1)
	assert.False(t, active, "expiry must be observed lazily")

	// Stored record persists until cleared or replaced.
	assert.NotZero(t, f.vault.EntitlementExpiry(1))

	// A fresh grant replaces the stale record in place.
	require.NoError(t, f.vault.GrantEntitlement(ctx, f.entitlement(1, 30*time.Minute), f.owner))
	active, _ = f.vault.CurrentEntitlementOperator(1)
	assert.True(t, active)
}

func TestSetBeneficialOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mintAndDeposit(t, 1)

	newOwner := addr(0x55)

	t.Run("requires an entitlement record", func(t *testing.T) {
		err := f.vault.SetBeneficialOwner(ctx, 1, newOwner, f.owner)
		assert.ErrorIs(t, err, domain.ErrNoActiveEntitlement)
	})

	require.NoError(t, f.vault.GrantEntitlement(ctx, f.entitlement(1, time.Hour), f.owner))

	t.Run("owner cannot override own pledge", func(t *testing.T) {
		err := f.vault.SetBeneficialOwner(ctx, 1, newOwner, f.owner)
		assert.ErrorIs(t, err, domain.ErrNotEntitledOperator)
	})

	t.Run("operator reassigns", func(t *testing.T) {
		require.NoError(t, f.vault.SetBeneficialOwner(ctx, 1, newOwner, f.operator))
		bo, err := f.vault.BeneficialOwner(1)
		require.NoError(t, err)
		assert.Equal(t, newOwner, bo)
	})

	t.Run("operator authority survives expiry until cleared", func(t *testing.T) {
		f.clock.now = f.clock.now.Add(2 * time.Hour)
		require.NoError(t, f.vault.SetBeneficialOwner(ctx, 1, addr(0x56), f.operator))
	})
}

func TestClearEntitlementAndDistribute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mintAndDeposit(t, 1)
	require.NoError(t, f.vault.GrantEntitlement(ctx, f.entitlement(1, time.Hour), f.owner))

	t.Run("receiver must be beneficial owner", func(t *testing.T) {
		err := f.vault.ClearEntitlementAndDistribute(ctx, 1, addr(0x99), f.operator)
		assert.ErrorIs(t, err, domain.ErrReceiverMismatch)
	})

	t.Run("only the operator clears", func(t *testing.T) {
		err := f.vault.ClearEntitlementAndDistribute(ctx, 1, f.owner, f.owner)
		assert.ErrorIs(t, err, domain.ErrNotEntitledOperator)
	})

	t.Run("clears and releases in one step", func(t *testing.T) {
		require.NoError(t, f.vault.ClearEntitlementAndDistribute(ctx, 1, f.owner, f.operator))
		assert.False(t, f.vault.Holds(1))

		owner, err := f.custodian.OwnerOf(ctx, f.collectionAddr, 1)
		require.NoError(t, err)
		assert.Equal(t, f.owner, owner)
	})
}

func TestApproveOperatorGrantPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mintAndDeposit(t, 1)

	helper := addr(0x33)
	require.NoError(t, f.vault.ApproveOperator(ctx, 1, helper, f.owner))

	got, ok := f.vault.ApprovedOperator(1)
	require.True(t, ok)
	assert.Equal(t, helper, got)

	// Approved operator may grant on the owner's behalf.
	require.NoError(t, f.vault.GrantEntitlement(ctx, f.entitlement(1, time.Hour), helper))

	// Zero address clears the approval.
	require.NoError(t, f.vault.ApproveOperator(ctx, 1, domain.ZeroAddress, f.owner))
	_, ok = f.vault.ApprovedOperator(1)
	assert.False(t, ok)
}

func TestPauseGatesEntryPoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mintAndDeposit(t, 1)
	require.NoError(t, f.vault.GrantEntitlement(ctx, f.entitlement(1, time.Hour), f.owner))

	require.NoError(t, f.gate.SetPaused(addr(0x01), true))

	assert.ErrorIs(t, f.vault.Deposit(ctx, 2, f.owner, f.owner), domain.ErrPaused)
	assert.ErrorIs(t, f.vault.Withdraw(ctx, 1, f.owner), domain.ErrPaused)
	assert.ErrorIs(t, f.vault.GrantEntitlement(ctx, f.entitlement(1, time.Hour), f.owner), domain.ErrPaused)
	assert.ErrorIs(t, f.vault.ApproveOperator(ctx, 1, addr(0x33), f.owner), domain.ErrPaused)

	// Settlement-path operations stay live so positions can always unwind.
	require.NoError(t, f.vault.SetBeneficialOwner(ctx, 1, addr(0x55), f.operator))
	require.NoError(t, f.vault.ClearEntitlement(ctx, 1, f.operator))
}

// goodReceiver returns the asset before the callback finishes.
type goodReceiver struct {
	addr      domain.Address
	custodian *collection.Ledger
	used      bool
}

func (r *goodReceiver) ReceiverAddress() domain.Address { return r.addr }

func (r *goodReceiver) OnFlashUse(ctx context.Context, vault, coll domain.Address, id domain.AssetID, data []byte) (bool, error) {
	r.used = true
	if err := r.custodian.Transfer(ctx, r.addr, coll, r.addr, vault, id); err != nil {
		return false, err
	}
	return true, nil
}

// keepReceiver reports success but keeps the asset.
type keepReceiver struct{ addr domain.Address }

func (r *keepReceiver) ReceiverAddress() domain.Address { return r.addr }

func (r *keepReceiver) OnFlashUse(context.Context, domain.Address, domain.Address, domain.AssetID, []byte) (bool, error) {
	return true, nil
}

// reenterReceiver tries to withdraw mid-callback.
type reenterReceiver struct {
	addr  domain.Address
	vault *Vault
	owner domain.Address
	err   error
}

func (r *reenterReceiver) ReceiverAddress() domain.Address { return r.addr }

func (r *reenterReceiver) OnFlashUse(ctx context.Context, _, _ domain.Address, id domain.AssetID, _ []byte) (bool, error) {
	r.err = r.vault.Withdraw(ctx, id, r.owner)
	return true, nil
}

func TestFlashUse(t *testing.T) {
	ctx := context.Background()

	t.Run("returns asset and succeeds", func(t *testing.T) {
		f := newFixture(t)
		f.mintAndDeposit(t, 1)

		r := &goodReceiver{addr: addr(0xF1), custodian: f.custodian}
		require.NoError(t, f.vault.FlashUse(ctx, 1, r, nil, f.owner))
		assert.True(t, r.used)
		assert.True(t, f.vault.Holds(1))

		owner, err := f.custodian.OwnerOf(ctx, f.collectionAddr, 1)
		require.NoError(t, err)
		assert.Equal(t, f.vaultAddr, owner)
	})

	t.Run("pulls asset back via approval", func(t *testing.T) {
		f := newFixture(t)
		f.mintAndDeposit(t, 1)

		recv := addr(0xF2)
		r := approvalReceiver{addr: recv, custodian: f.custodian, vault: f.vaultAddr}
		require.NoError(t, f.vault.FlashUse(ctx, 1, r, nil, f.owner))

		owner, err := f.custodian.OwnerOf(ctx, f.collectionAddr, 1)
		require.NoError(t, err)
		assert.Equal(t, f.vaultAddr, owner)
	})

	t.Run("rolls back when asset kept", func(t *testing.T) {
		f := newFixture(t)
		f.mintAndDeposit(t, 1)

		err := f.vault.FlashUse(ctx, 1, &keepReceiver{addr: addr(0xF3)}, nil, f.owner)
		assert.ErrorIs(t, err, domain.ErrFlashUseFailed)

		// Host-ledger state restored exactly.
		owner, cerr := f.custodian.OwnerOf(ctx, f.collectionAddr, 1)
		require.NoError(t, cerr)
		assert.Equal(t, f.vaultAddr, owner)
		assert.True(t, f.vault.Holds(1))
	})

	t.Run("reentrant mutation is rejected", func(t *testing.T) {
		f := newFixture(t)
		f.mintAndDeposit(t, 1)

		r := &reenterReceiver{addr: addr(0xF4), vault: f.vault, owner: f.owner}
		// The flash use itself fails because the receiver never returns
		// the asset, but the interesting assertion is the inner error.
		err := f.vault.FlashUse(ctx, 1, r, nil, f.owner)
		assert.Error(t, err)
		assert.ErrorIs(t, r.err, domain.ErrReentrancy)
	})

	t.Run("only beneficial owner may flash use", func(t *testing.T) {
		f := newFixture(t)
		f.mintAndDeposit(t, 1)

		err := f.vault.FlashUse(ctx, 1, &keepReceiver{addr: addr(0xF5)}, nil, addr(0x99))
		assert.ErrorIs(t, err, domain.ErrNotBeneficialOwner)
	})

	t.Run("collection flag disables flash use", func(t *testing.T) {
		f := newFixture(t)
		f.mintAndDeposit(t, 1)

		require.NoError(t, f.gate.SetCollectionFlags(addr(0x01), f.collectionAddr, domain.CollectionFlags{
			FlashUseDisabled: true,
		}))
		err := f.vault.FlashUse(ctx, 1, &keepReceiver{addr: addr(0xF6)}, nil, f.owner)
		assert.ErrorIs(t, err, domain.ErrFlashUseDisabled)
	})
}

// approvalReceiver keeps the asset but approves the vault to pull it back.
type approvalReceiver struct {
	addr      domain.Address
	custodian *collection.Ledger
	vault     domain.Address
}

func (r approvalReceiver) ReceiverAddress() domain.Address { return r.addr }

func (r approvalReceiver) OnFlashUse(ctx context.Context, vault, coll domain.Address, id domain.AssetID, _ []byte) (bool, error) {
	return true, r.custodian.Approve(ctx, r.addr, coll, r.vault, id)
}
