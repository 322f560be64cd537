package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/covenant-markets/callvault/internal/domain"
	"github.com/covenant-markets/callvault/internal/engine"
	"github.com/covenant-markets/callvault/internal/ledger"
)

// OptionService fronts the option engine and the funds ledger for the API
// surface. The engine's in-memory state is authoritative for live options;
// historical queries come from the journal stores.
type OptionService struct {
	engine  *engine.Engine
	funds   *ledger.Ledger
	options domain.OptionStore
	bids    domain.BidStore
	claims  domain.ClaimStore
	logger  *slog.Logger
}

// NewOptionService creates an OptionService with all required dependencies.
func NewOptionService(
	eng *engine.Engine,
	funds *ledger.Ledger,
	options domain.OptionStore,
	bids domain.BidStore,
	claims domain.ClaimStore,
	logger *slog.Logger,
) *OptionService {
	return &OptionService{
		engine:  eng,
		funds:   funds,
		options: options,
		bids:    bids,
		claims:  claims,
		logger:  logger,
	}
}

// MintWithVault writes a covered call against an asset already held in the
// given vault.
func (s *OptionService) MintWithVault(ctx context.Context, vaultAddr domain.Address, assetID domain.AssetID, strike *big.Int, expiration int64, caller domain.Address) (domain.OptionID, error) {
	return s.engine.MintWithVault(ctx, vaultAddr, assetID, strike, expiration, caller)
}

// MintWithAssetTransfer deposits the asset and writes the call in one step.
func (s *OptionService) MintWithAssetTransfer(ctx context.Context, collection domain.Address, assetID domain.AssetID, strike *big.Int, expiration int64, caller domain.Address) (domain.OptionID, error) {
	return s.engine.MintWithAssetTransfer(ctx, collection, assetID, strike, expiration, caller)
}

// Bid places an auction bid on an option.
func (s *OptionService) Bid(ctx context.Context, id domain.OptionID, amount *big.Int, bidder domain.Address) error {
	return s.engine.Bid(ctx, id, amount, bidder)
}

// Settle exercises an expired option with a winning bid.
func (s *OptionService) Settle(ctx context.Context, id domain.OptionID, caller domain.Address) error {
	return s.engine.SettleOption(ctx, id, caller)
}

// BurnExpired closes out an expired option that attracted no bids.
func (s *OptionService) BurnExpired(ctx context.Context, id domain.OptionID, caller domain.Address) error {
	return s.engine.BurnExpiredOption(ctx, id, caller)
}

// Reclaim lets the writer unwind their own unexercised position early.
func (s *OptionService) Reclaim(ctx context.Context, id domain.OptionID, returnAsset bool, caller domain.Address) error {
	return s.engine.ReclaimAsset(ctx, id, returnAsset, caller)
}

// ClaimProceeds pays out the settlement premium to the recorded holder.
func (s *OptionService) ClaimProceeds(ctx context.Context, id domain.OptionID, caller domain.Address) (*big.Int, error) {
	return s.engine.ClaimProceeds(ctx, id, caller)
}

// Option returns one option, preferring live engine state and falling back
// to the journal for records this replica no longer holds in memory.
func (s *OptionService) Option(ctx context.Context, id domain.OptionID) (domain.CallOption, error) {
	o, err := s.engine.Option(id)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, domain.ErrUnknownOption) {
		return domain.CallOption{}, err
	}

	o, storeErr := s.options.GetByID(ctx, id)
	if storeErr != nil {
		if errors.Is(storeErr, domain.ErrNotFound) {
			return domain.CallOption{}, err
		}
		return domain.CallOption{}, fmt.Errorf("option_service: get option %d: %w", id, storeErr)
	}
	return o, nil
}

// ListOpen returns all non-terminal options from live engine state.
func (s *OptionService) ListOpen(ctx context.Context) ([]domain.CallOption, error) {
	return s.engine.OpenOptions(), nil
}

// History returns the journaled options written against one asset slot,
// newest first.
func (s *OptionService) History(ctx context.Context, vaultAddr domain.Address, assetID domain.AssetID, opts domain.ListOpts) ([]domain.CallOption, error) {
	out, err := s.options.ListByVaultAsset(ctx, vaultAddr, assetID, opts)
	if err != nil {
		return nil, fmt.Errorf("option_service: list history: %w", err)
	}
	return out, nil
}

// Bids returns the historical bid tape for an option, newest first.
func (s *OptionService) Bids(ctx context.Context, id domain.OptionID, opts domain.ListOpts) ([]domain.Bid, error) {
	out, err := s.bids.ListByOption(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("option_service: list bids: %w", err)
	}
	return out, nil
}

// Claim returns the pending or paid claim for an option, if any. Falls back
// to the claim journal for settlements this replica did not perform.
func (s *OptionService) Claim(ctx context.Context, id domain.OptionID) (domain.Claim, bool) {
	if c, ok := s.funds.ClaimFor(id); ok {
		return c, true
	}
	c, err := s.claims.Get(ctx, id)
	if err != nil {
		return domain.Claim{}, false
	}
	return c, true
}

// DepositFunds credits bidding collateral to an account.
func (s *OptionService) DepositFunds(ctx context.Context, account domain.Address, amount *big.Int) error {
	return s.funds.Deposit(account, amount)
}

// WithdrawFunds debits free (non-escrowed) balance from an account.
func (s *OptionService) WithdrawFunds(ctx context.Context, account domain.Address, amount *big.Int) error {
	return s.funds.Withdraw(account, amount)
}

// Balance returns an account's free balance.
func (s *OptionService) Balance(ctx context.Context, account domain.Address) *big.Int {
	return s.funds.Balance(account)
}

// TotalEscrowed returns the sum of all live auction escrows.
func (s *OptionService) TotalEscrowed(ctx context.Context) *big.Int {
	return s.funds.TotalEscrowed()
}
