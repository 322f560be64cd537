package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/covenant-markets/callvault/internal/domain"
)

// Signer produces EIP-712 entitlement signatures. Beneficial owners use it
// to authorize an operator grant without calling the vault directly; the
// test suite uses it to produce interop vectors against the Verifier.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	verifier   *Verifier
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key bound
// to the given verification domain.
func NewSigner(privateKeyHex string, verifier *Verifier) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		verifier:   verifier,
	}, nil
}

// Address returns the account derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignEntitlement signs the EIP-712 digest of e. The returned signature
// carries v in {27,28} as expected by the recovery boundary.
func (s *Signer) SignEntitlement(e domain.Entitlement) (domain.Signature, error) {
	raw, err := ethcrypto.Sign(s.verifier.EntitlementDigest(e), s.privateKey)
	if err != nil {
		return domain.Signature{}, fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; EIP-712 expects v in {27,28}.
	if raw[64] < 27 {
		raw[64] += 27
	}

	sig, ok := domain.SignatureFromBytes(raw)
	if !ok {
		return domain.Signature{}, fmt.Errorf("crypto/signer: unexpected signature length %d", len(raw))
	}
	return sig, nil
}
