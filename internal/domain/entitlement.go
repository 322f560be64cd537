package domain

import "time"

// Entitlement is a time-bounded grant letting a named operator reassign
// beneficial ownership of a vaulted asset without withdrawing it. At most one
// entitlement exists per asset-id at a time.
//
// Expiry is immutable once granted: an entitlement is never extended in
// place; a replacement may only be granted after the old one is cleared or
// has expired.
type Entitlement struct {
	BeneficialOwner Address
	Operator        Address
	Vault           Address
	AssetID         AssetID
	Expiry          int64 // unix seconds; 0 means no entitlement
}

// ActiveAt reports whether the entitlement is active at the given instant.
// Expiry is checked lazily at read time; there is no stored expiry event.
func (e *Entitlement) ActiveAt(now time.Time) bool {
	if e == nil || e.Expiry == 0 {
		return false
	}
	return now.Unix() < e.Expiry
}

// Signature is a 65-byte secp256k1 signature split into its r, s, v
// components, the form used across the signed-entitlement boundary.
type Signature struct {
	V uint8
	R [32]byte
	S [32]byte
}

// Bytes returns the packed r || s || v form expected by signature recovery.
func (s Signature) Bytes() []byte {
	out := make([]byte, 65)
	copy(out[:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V
	return out
}

// SignatureFromBytes unpacks a packed 65-byte r || s || v signature.
func SignatureFromBytes(b []byte) (Signature, bool) {
	if len(b) != 65 {
		return Signature{}, false
	}
	var sig Signature
	copy(sig.R[:], b[:32])
	copy(sig.S[:], b[32:64])
	sig.V = b[64]
	return sig, true
}
