package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed operation so callers can distinguish
// "you're not authorized" from "wrong timing" from "bad input" without
// string-matching messages.
type ErrorKind string

const (
	KindAuthorization ErrorKind = "authorization"
	KindState         ErrorKind = "state"
	KindTiming        ErrorKind = "timing"
	KindValidation    ErrorKind = "validation"
	KindPaused        ErrorKind = "paused"
	KindInternal      ErrorKind = "internal"
)

// Sentinel causes. Each belongs to exactly one kind; see KindOf.
var (
	// Authorization
	ErrNotBeneficialOwner  = errors.New("caller is not the beneficial owner")
	ErrNotOwnerOrOperator  = errors.New("caller is neither beneficial owner nor approved operator")
	ErrNotEntitledOperator = errors.New("caller is not the entitled operator")
	ErrNotWriter           = errors.New("caller is not the option writer")
	ErrNotInstrumentHolder = errors.New("caller does not hold the instrument token")
	ErrRoleDenied          = errors.New("caller lacks the required role")

	// State
	ErrEntitlementActive       = errors.New("an entitlement is already active")
	ErrNoActiveEntitlement     = errors.New("no active entitlement")
	ErrAssetNotInVault         = errors.New("asset is not held in the vault")
	ErrAssetAlreadyInVault     = errors.New("asset is already held in the vault")
	ErrOptionSettled           = errors.New("option is already in a terminal state")
	ErrPreviousOptionUnsettled = errors.New("previous option on this asset is not settled")
	ErrNoWinningBid            = errors.New("option has no winning bid")
	ErrHasWinningBid           = errors.New("option has a winning bid")
	ErrNothingClaimable        = errors.New("no claimable proceeds")
	ErrReentrancy              = errors.New("reentrant call")
	ErrDepositsDisabled        = errors.New("unsolicited deposits are disabled for this collection")
	ErrFlashUseDisabled        = errors.New("flash use is disabled for this collection")
	ErrFlashUseFailed          = errors.New("flash use callback failed or asset was not returned")

	// Timing
	ErrAuctionNotOpen   = errors.New("settlement auction is not open")
	ErrOptionExpired    = errors.New("option has passed expiration")
	ErrOptionNotExpired = errors.New("option has not yet expired")
	ErrTooSoonToExpiry  = errors.New("expiration is below the minimum option duration")
	ErrExpiryInPast     = errors.New("expiry is not in the future")

	// Validation
	ErrBadSignature      = errors.New("signature does not recover to an authorized signer")
	ErrUnauthorizedVault = errors.New("vault is not a protocol-deployed instance")
	ErrReceiverMismatch  = errors.New("intended receiver is not the current beneficial owner")
	ErrBidTooLow         = errors.New("bid must exceed both the strike price and the current high bid")
	ErrInsufficientFunds = errors.New("insufficient ledger balance")
	ErrBadAmount         = errors.New("amount must be a positive integer")
	ErrZeroOperator      = errors.New("operator must not be the zero address")
	ErrUnknownOption     = errors.New("unknown option id")
	ErrUnknownAsset      = errors.New("unknown asset id")
	ErrTokenNotAllowed   = errors.New("collection is not allowed by protocol configuration")

	// Paused
	ErrPaused = errors.New("protocol is paused")

	// Infrastructure
	ErrNotFound = errors.New("not found")
	ErrLockHeld = errors.New("lock already held")
)

// kindOfCause maps each sentinel to its kind.
var kindOfCause = map[error]ErrorKind{
	ErrNotBeneficialOwner:  KindAuthorization,
	ErrNotOwnerOrOperator:  KindAuthorization,
	ErrNotEntitledOperator: KindAuthorization,
	ErrNotWriter:           KindAuthorization,
	ErrNotInstrumentHolder: KindAuthorization,
	ErrRoleDenied:          KindAuthorization,

	ErrEntitlementActive:       KindState,
	ErrNoActiveEntitlement:     KindState,
	ErrAssetNotInVault:         KindState,
	ErrAssetAlreadyInVault:     KindState,
	ErrOptionSettled:           KindState,
	ErrPreviousOptionUnsettled: KindState,
	ErrNoWinningBid:            KindState,
	ErrHasWinningBid:           KindState,
	ErrNothingClaimable:        KindState,
	ErrReentrancy:              KindState,
	ErrDepositsDisabled:        KindState,
	ErrFlashUseDisabled:        KindState,
	ErrFlashUseFailed:          KindState,

	ErrAuctionNotOpen:   KindTiming,
	ErrOptionExpired:    KindTiming,
	ErrOptionNotExpired: KindTiming,
	ErrTooSoonToExpiry:  KindTiming,
	ErrExpiryInPast:     KindTiming,

	ErrBadSignature:      KindValidation,
	ErrUnauthorizedVault: KindValidation,
	ErrReceiverMismatch:  KindValidation,
	ErrBidTooLow:         KindValidation,
	ErrInsufficientFunds: KindValidation,
	ErrBadAmount:         KindValidation,
	ErrZeroOperator:      KindValidation,
	ErrUnknownOption:     KindValidation,
	ErrUnknownAsset:      KindValidation,
	ErrTokenNotAllowed:   KindValidation,

	ErrPaused: KindPaused,
}

// Error is the structured failure returned by every protocol operation. It
// carries the operation name and a sentinel cause so callers can branch with
// errors.Is while clients see a stable kind.
type Error struct {
	Op    string    // operation, e.g. "vault.withdraw"
	Kind  ErrorKind // classification for clients
	Cause error     // sentinel or wrapped lower-level error
}

// E builds an Error for op around a sentinel cause, deriving the kind.
func E(op string, cause error) *Error {
	kind := KindInternal
	if k, ok := kindOfCause[cause]; ok {
		kind = k
	} else {
		var inner *Error
		if errors.As(cause, &inner) {
			kind = inner.Kind
		}
	}
	return &Error{Op: op, Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

// Unwrap exposes the sentinel cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// KindOf returns the classification of err, or KindInternal when err carries
// no protocol classification.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for cause, kind := range kindOfCause {
		if errors.Is(err, cause) {
			return kind
		}
	}
	return KindInternal
}
