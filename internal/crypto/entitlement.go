// Package crypto implements the typed-struct signature boundary of the
// protocol: EIP-712 hashing of entitlements, signature recovery, signing for
// clients and tests, and encrypted operator key storage.
package crypto

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/covenant-markets/callvault/internal/domain"
)

// Domain constants. These feed the EIP-712 domain separator and must stay
// bit-exact across implementations for signature interop.
const (
	DomainName    = "CallVault"
	DomainVersion = "1"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	// Entitlement(address beneficialOwner,address operator,address vaultAddress,uint256 assetId,uint256 expiry)
	entitlementTypeHash = ethcrypto.Keccak256(
		[]byte("Entitlement(address beneficialOwner,address operator,address vaultAddress,uint256 assetId,uint256 expiry)"),
	)
)

// Verifier recovers the signer of typed entitlement structs. The verifying
// contract in the domain is the vault the entitlement targets, so the
// registry builds one Verifier per vault and a signature granted against one
// vault does not replay against another.
type Verifier struct {
	chainID   int64
	verifying common.Address
	domainSep []byte
}

// NewVerifier creates a Verifier for the given chain and verifying contract
// address. The domain separator is computed once and cached.
func NewVerifier(chainID int64, verifyingContract common.Address) *Verifier {
	return &Verifier{
		chainID:   chainID,
		verifying: verifyingContract,
		domainSep: buildDomainSeparator(DomainName, DomainVersion, chainID, verifyingContract),
	}
}

// DomainSeparator returns the cached EIP-712 domain separator hash.
func (v *Verifier) DomainSeparator() []byte {
	out := make([]byte, len(v.domainSep))
	copy(out, v.domainSep)
	return out
}

// EntitlementDigest computes the final EIP-712 digest for an entitlement:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func (v *Verifier) EntitlementDigest(e domain.Entitlement) []byte {
	return eip712Hash(v.domainSep, EntitlementStructHash(e))
}

// RecoverSigner recovers the account that produced sig over the entitlement
// digest. It returns domain.ErrBadSignature for malformed or unrecoverable
// signatures; authorization against the beneficial owner is the vault's job.
func (v *Verifier) RecoverSigner(e domain.Entitlement, sig domain.Signature) (common.Address, error) {
	raw := sig.Bytes()

	// go-ethereum expects the recovery id in {0,1}; callers supply {27,28}.
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	if raw[64] > 1 {
		return common.Address{}, domain.E("crypto.recover", domain.ErrBadSignature)
	}

	pub, err := ethcrypto.SigToPub(v.EntitlementDigest(e), raw)
	if err != nil {
		return common.Address{}, domain.E("crypto.recover", domain.ErrBadSignature)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyEntitlement recovers the signer and checks it against the
// entitlement's beneficial owner. This is the whole-struct check used by the
// vault's signed-grant path.
func (v *Verifier) VerifyEntitlement(e domain.Entitlement, sig domain.Signature) (common.Address, error) {
	signer, err := v.RecoverSigner(e, sig)
	if err != nil {
		return common.Address{}, err
	}
	if signer != e.BeneficialOwner {
		return signer, domain.E("crypto.verify", domain.ErrBadSignature)
	}
	return signer, nil
}

// EntitlementStructHash encodes and hashes an entitlement per EIP-712:
// keccak256(typeHash || owner || operator || vault || assetId || expiry),
// every field left-padded to 32 bytes.
func EntitlementStructHash(e domain.Entitlement) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			entitlementTypeHash,
			common.LeftPadBytes(e.BeneficialOwner.Bytes(), 32),
			common.LeftPadBytes(e.Operator.Bytes(), 32),
			common.LeftPadBytes(e.Vault.Bytes(), 32),
			bigIntTo32Bytes(new(big.Int).SetUint64(uint64(e.AssetID))),
			bigIntTo32Bytes(big.NewInt(e.Expiry)),
		),
	)
}

// buildDomainSeparator returns
// keccak256(abi.encode(typeHash, nameHash, versionHash, chainId, verifyingContract)).
func buildDomainSeparator(name, version string, chainID int64, verifying common.Address) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
			bigIntTo32Bytes(big.NewInt(chainID)),
			common.LeftPadBytes(verifying.Bytes(), 32),
		),
	)
}

// eip712Hash computes keccak256("\x19\x01" || domainSeparator || structHash).
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}

// DeterministicVaultAddress derives the protocol address of a vault from the
// deployer, the underlying collection, and a salt, mirroring CREATE2-style
// derivation so registry lookups are reproducible across restarts.
func DeterministicVaultAddress(deployer, collection common.Address, salt uint64) common.Address {
	h := ethcrypto.Keccak256(
		concatBytes(
			[]byte{0xff},
			deployer.Bytes(),
			collection.Bytes(),
			bigIntTo32Bytes(new(big.Int).SetUint64(salt)),
		),
	)
	return common.BytesToAddress(h[12:])
}
