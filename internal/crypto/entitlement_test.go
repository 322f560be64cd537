package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-markets/callvault/internal/domain"
)

// Well-known anvil/hardhat dev key #0.
const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	testOwner    = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	testOperator = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	testVault    = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

func testEntitlement() domain.Entitlement {
	return domain.Entitlement{
		BeneficialOwner: testOwner,
		Operator:        testOperator,
		Vault:           testVault,
		AssetID:         7,
		Expiry:          1_700_000_000,
	}
}

func TestEntitlementDigestDeterminism(t *testing.T) {
	v := NewVerifier(1, testContract)
	e := testEntitlement()

	d1 := v.EntitlementDigest(e)
	d2 := v.EntitlementDigest(e)
	require.Len(t, d1, 32)
	assert.Equal(t, d1, d2, "digest must be bit-exact reproducible")

	// Any field change must change the digest.
	mutations := []func(*domain.Entitlement){
		func(e *domain.Entitlement) { e.BeneficialOwner = testOperator },
		func(e *domain.Entitlement) { e.Operator = testOwner },
		func(e *domain.Entitlement) { e.Vault = testContract },
		func(e *domain.Entitlement) { e.AssetID = 8 },
		func(e *domain.Entitlement) { e.Expiry++ },
	}
	for i, mutate := range mutations {
		m := testEntitlement()
		mutate(&m)
		assert.NotEqual(t, d1, v.EntitlementDigest(m), "mutation %d must change digest", i)
	}
}

func TestDomainSeparatorBindsChainAndContract(t *testing.T) {
	base := NewVerifier(1, testContract)

	otherChain := NewVerifier(137, testContract)
	assert.NotEqual(t, base.DomainSeparator(), otherChain.DomainSeparator())

	otherContract := NewVerifier(1, testVault)
	assert.NotEqual(t, base.DomainSeparator(), otherContract.DomainSeparator())

	// Same parameters reproduce the same separator.
	again := NewVerifier(1, testContract)
	assert.Equal(t, base.DomainSeparator(), again.DomainSeparator())
}

func TestSignAndRecoverRoundTrip(t *testing.T) {
	v := NewVerifier(1, testContract)
	signer, err := NewSigner(testKeyHex, v)
	require.NoError(t, err)
	require.Equal(t, testOwner, signer.Address())

	e := testEntitlement()
	sig, err := signer.SignEntitlement(e)
	require.NoError(t, err)
	assert.Contains(t, []uint8{27, 28}, sig.V)

	recovered, err := v.RecoverSigner(e, sig)
	require.NoError(t, err)
	assert.Equal(t, testOwner, recovered)

	// Whole-struct verification passes for the beneficial owner's signature.
	signerAddr, err := v.VerifyEntitlement(e, sig)
	require.NoError(t, err)
	assert.Equal(t, testOwner, signerAddr)
}

func TestVerifyEntitlementRejections(t *testing.T) {
	v := NewVerifier(1, testContract)
	signer, err := NewSigner(testKeyHex, v)
	require.NoError(t, err)

	t.Run("signature over different struct", func(t *testing.T) {
		e := testEntitlement()
		sig, err := signer.SignEntitlement(e)
		require.NoError(t, err)

		tampered := e
		tampered.Expiry += 3600
		_, err = v.VerifyEntitlement(tampered, sig)
		assert.ErrorIs(t, err, domain.ErrBadSignature)
	})

	t.Run("signer is not the beneficial owner", func(t *testing.T) {
		e := testEntitlement()
		e.BeneficialOwner = testOperator
		sig, err := signer.SignEntitlement(e)
		require.NoError(t, err)

		_, err = v.VerifyEntitlement(e, sig)
		assert.ErrorIs(t, err, domain.ErrBadSignature)
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	})

	t.Run("garbage recovery id", func(t *testing.T) {
		e := testEntitlement()
		sig, err := signer.SignEntitlement(e)
		require.NoError(t, err)
		sig.V = 5

		_, err = v.RecoverSigner(e, sig)
		assert.ErrorIs(t, err, domain.ErrBadSignature)
	})
}

func TestSignaturePackedForm(t *testing.T) {
	v := NewVerifier(1, testContract)
	signer, err := NewSigner(testKeyHex, v)
	require.NoError(t, err)

	sig, err := signer.SignEntitlement(testEntitlement())
	require.NoError(t, err)

	packed := sig.Bytes()
	require.Len(t, packed, 65)

	unpacked, ok := domain.SignatureFromBytes(packed)
	require.True(t, ok)
	assert.Equal(t, sig, unpacked)

	_, ok = domain.SignatureFromBytes(packed[:64])
	assert.False(t, ok)
}

func TestDeterministicVaultAddress(t *testing.T) {
	a1 := DeterministicVaultAddress(testContract, testVault, 0)
	a2 := DeterministicVaultAddress(testContract, testVault, 0)
	assert.Equal(t, a1, a2)

	assert.NotEqual(t, a1, DeterministicVaultAddress(testContract, testVault, 1))
	assert.NotEqual(t, a1, DeterministicVaultAddress(testVault, testContract, 0))
	assert.NotEqual(t, common.Address{}, a1)
}

func TestEntitlementStructHashVector(t *testing.T) {
	// Pin the canonical encoding: typeHash || five 32-byte words.
	h := EntitlementStructHash(testEntitlement())
	require.Len(t, h, 32)

	// The hash is stable across calls and produces printable hex.
	assert.Equal(t, hex.EncodeToString(h), hex.EncodeToString(EntitlementStructHash(testEntitlement())))
}
