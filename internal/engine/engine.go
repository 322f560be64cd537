// Package engine implements the covered-call option lifecycle: minting
// against a vault entitlement, the pre-expiry settlement auction, and the
// settle / burn-expired / reclaim terminal paths.
//
// All entry points are serialized and atomic-per-call: every precondition
// failure aborts with no partial state change. Funds never leave the engine
// synchronously; superseded bids, strike payments, and premiums are credited
// to free ledger balances (or recorded as one-shot claims) that their owners
// withdraw at leisure, so a hostile recipient can never block a transition.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-markets/callvault/internal/domain"
	"github.com/covenant-markets/callvault/internal/guard"
	"github.com/covenant-markets/callvault/internal/ledger"
	"github.com/covenant-markets/callvault/internal/vault"
)

const (
	// DefaultMinDuration is the floor on time-to-expiry at mint.
	DefaultMinDuration = 24 * time.Hour

	// DefaultAuctionWindow is how long before expiration bidding opens.
	DefaultAuctionWindow = 24 * time.Hour
)

// VaultRegistry is the slice of the factory the engine consumes: vault
// resolution for the direct-transfer mint path and authenticity checks for
// the vault-bound path.
type VaultRegistry interface {
	ResolveOrCreateVault(ctx context.Context, collection domain.Address) (*vault.Vault, error)
	ByAddress(addr domain.Address) (*vault.Vault, bool)
	IsAuthenticVault(addr, collection domain.Address) bool
}

// PauseGate is the read-only protocol-config surface the engine consumes.
// Settlement-path entry points bypass it; positions must always unwind.
type PauseGate interface {
	ThrowIfPaused(op string) error
}

type slotKey struct {
	vault   domain.Address
	assetID domain.AssetID
}

// Engine is the option state machine.
type Engine struct {
	addr domain.Address // the engine's protocol address; entitlement operator

	minDuration   time.Duration
	auctionWindow time.Duration
	allowed       map[domain.Address]bool // nil allows every collection

	vaults      VaultRegistry
	instruments domain.InstrumentRegistry
	funds       *ledger.Ledger
	gate        PauseGate
	clock       domain.Clock

	mu      sync.Mutex
	reentry guard.Guard
	options map[domain.OptionID]*domain.CallOption
	slots   map[slotKey]domain.OptionID
	nextID  domain.OptionID

	journal domain.OptionStore // nil disables write-through persistence
	tape    domain.BidStore    // nil disables the historical bid tape
	events  domain.EventSink
	logger  *slog.Logger
}

// Config bundles the collaborators an Engine needs. Zero durations take the
// defaults; a nil AllowedCollections admits every collection.
type Config struct {
	Address            domain.Address
	MinDuration        time.Duration
	AuctionWindow      time.Duration
	AllowedCollections map[domain.Address]bool

	Vaults      VaultRegistry
	Instruments domain.InstrumentRegistry
	Funds       *ledger.Ledger
	Gate        PauseGate
	Clock       domain.Clock

	Journal domain.OptionStore
	Bids    domain.BidStore
	Events  domain.EventSink
	Logger  *slog.Logger
}

// New creates an Engine with no options written. Option ids start at 1; id 0
// is reserved as "no option".
func New(cfg Config) *Engine {
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = DefaultMinDuration
	}
	if cfg.AuctionWindow <= 0 {
		cfg.AuctionWindow = DefaultAuctionWindow
	}
	events := cfg.Events
	if events == nil {
		events = domain.NopSink{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		addr:          cfg.Address,
		minDuration:   cfg.MinDuration,
		auctionWindow: cfg.AuctionWindow,
		allowed:       cfg.AllowedCollections,
		vaults:        cfg.Vaults,
		instruments:   cfg.Instruments,
		funds:         cfg.Funds,
		gate:          cfg.Gate,
		clock:         cfg.Clock,
		options:       make(map[domain.OptionID]*domain.CallOption),
		slots:         make(map[slotKey]domain.OptionID),
		nextID:        1,
		journal:       cfg.Journal,
		tape:          cfg.Bids,
		events:        events,
		logger:        logger.With(slog.String("component", "engine")),
	}
}

// Address returns the engine's protocol address, the operator named in
// every entitlement it imposes.
func (e *Engine) Address() domain.Address { return e.addr }

// AuctionWindow returns the configured auction window.
func (e *Engine) AuctionWindow() time.Duration { return e.auctionWindow }

// ---------------------------------------------------------------------------
// Minting
// ---------------------------------------------------------------------------

// MintWithVault writes a covered call against an asset already held in a
// protocol vault. The caller must be the asset's beneficial owner or its
// approved operator; the writer is always the beneficial owner. Returns the
// new option id.
func (e *Engine) MintWithVault(ctx context.Context, vaultAddr domain.Address, assetID domain.AssetID, strike *big.Int, expiration int64, caller domain.Address) (domain.OptionID, error) {
	const op = "engine.mint_with_vault"
	if err := e.gate.ThrowIfPaused(op); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	release, err := e.reentry.Enter()
	if err != nil {
		return 0, domain.E(op, err)
	}
	defer release()

	v, ok := e.vaults.ByAddress(vaultAddr)
	if !ok || !e.vaults.IsAuthenticVault(vaultAddr, v.Collection()) {
		return 0, domain.E(op, domain.ErrUnauthorizedVault)
	}
	return e.mint(ctx, op, v, assetID, strike, expiration, caller)
}

// MintWithAssetTransfer is the convenience mint path: the engine pulls the
// asset from the caller into the collection's vault (creating the vault on
// first use) and then proceeds exactly as MintWithVault with the caller as
// writer.
func (e *Engine) MintWithAssetTransfer(ctx context.Context, collection domain.Address, assetID domain.AssetID, strike *big.Int, expiration int64, caller domain.Address) (domain.OptionID, error) {
	const op = "engine.mint_with_asset_transfer"
	if err := e.gate.ThrowIfPaused(op); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	release, err := e.reentry.Enter()
	if err != nil {
		return 0, domain.E(op, err)
	}
	defer release()

	if !e.collectionAllowed(collection) {
		return 0, domain.E(op, domain.ErrTokenNotAllowed)
	}

	v, err := e.vaults.ResolveOrCreateVault(ctx, collection)
	if err != nil {
		return 0, domain.E(op, err)
	}
	if err := v.Deposit(ctx, assetID, caller, caller); err != nil {
		return 0, err
	}
	return e.mint(ctx, op, v, assetID, strike, expiration, caller)
}

// mint is the shared core of both mint paths. Caller holds the mutex and
// has authenticated the vault.
func (e *Engine) mint(ctx context.Context, op string, v *vault.Vault, assetID domain.AssetID, strike *big.Int, expiration int64, caller domain.Address) (domain.OptionID, error) {
	if !e.collectionAllowed(v.Collection()) {
		return 0, domain.E(op, domain.ErrTokenNotAllowed)
	}
	if strike == nil || strike.Sign() <= 0 {
		return 0, domain.E(op, domain.ErrBadAmount)
	}
	if !v.Holds(assetID) {
		return 0, domain.E(op, domain.ErrAssetNotInVault)
	}

	now := e.clock.Now()
	if expiration <= now.Add(e.minDuration).Unix() {
		return 0, domain.E(op, domain.ErrTooSoonToExpiry)
	}

	slot := slotKey{vault: v.Address(), assetID: assetID}
	if prevID, ok := e.slots[slot]; ok {
		if prev := e.options[prevID]; prev != nil && !prev.State.Terminal() {
			return 0, domain.E(op, domain.ErrPreviousOptionUnsettled)
		}
	}

	writer, err := v.BeneficialOwner(assetID)
	if err != nil {
		return 0, err
	}
	if caller != writer {
		approved, ok := v.ApprovedOperator(assetID)
		if !ok || approved != caller {
			return 0, domain.E(op, domain.ErrNotOwnerOrOperator)
		}
	}

	if err := e.bindEntitlement(ctx, op, v, assetID, expiration, caller); err != nil {
		return 0, err
	}

	id := e.nextID
	e.nextID++

	o := &domain.CallOption{
		ID:          id,
		Writer:      writer,
		Vault:       v.Address(),
		AssetID:     assetID,
		StrikePrice: new(big.Int).Set(strike),
		Expiration:  expiration,
		State:       domain.OptionStateWritten,
		CreatedAt:   now,
	}
	e.options[id] = o
	e.slots[slot] = id

	if err := e.instruments.Mint(ctx, id, writer); err != nil {
		delete(e.options, id)
		delete(e.slots, slot)
		return 0, domain.E(op, err)
	}
	if caller != writer {
		// The caller already had rights over the vaulted asset; extend the
		// same courtesy on the fresh instrument token.
		if err := e.instruments.Approve(ctx, writer, caller, id); err != nil {
			e.logger.Warn("instrument approval failed",
				slog.Uint64("option_id", uint64(id)),
				slog.String("error", err.Error()),
			)
		}
	}

	e.persist(ctx, *o)
	e.emitOption(domain.EventOptionMinted, o, caller, writer, strike)
	return id, nil
}

// bindEntitlement imposes or validates the entitlement naming the engine as
// operator with exactly the option's expiration. An active entitlement with
// any other operator or expiry blocks the mint.
func (e *Engine) bindEntitlement(ctx context.Context, op string, v *vault.Vault, assetID domain.AssetID, expiration int64, caller domain.Address) error {
	active, operator := v.CurrentEntitlementOperator(assetID)
	if active {
		if operator != e.addr || v.EntitlementExpiry(assetID) != expiration {
			return domain.E(op, domain.ErrEntitlementActive)
		}
		return nil
	}

	owner, err := v.BeneficialOwner(assetID)
	if err != nil {
		return err
	}
	return v.GrantEntitlement(ctx, domain.Entitlement{
		BeneficialOwner: owner,
		Operator:        e.addr,
		Vault:           v.Address(),
		AssetID:         assetID,
		Expiry:          expiration,
	}, caller)
}

// ---------------------------------------------------------------------------
// Auction
// ---------------------------------------------------------------------------

// Bid places or raises a bid during the settlement auction window
// [expiration - auctionWindow, expiration). The amount must strictly exceed
// both the strike price and the current high bid. The superseded bidder's
// escrow is released to their free ledger balance in the same step; their
// refund can never block the new bid.
func (e *Engine) Bid(ctx context.Context, id domain.OptionID, amount *big.Int, bidder domain.Address) error {
	const op = "engine.bid"
	if err := e.gate.ThrowIfPaused(op); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	release, err := e.reentry.Enter()
	if err != nil {
		return domain.E(op, err)
	}
	defer release()

	o, err := e.get(op, id)
	if err != nil {
		return err
	}
	if o.State.Terminal() {
		return domain.E(op, domain.ErrOptionSettled)
	}

	now := e.clock.Now()
	if now.Unix() >= o.Expiration {
		return domain.E(op, domain.ErrOptionExpired)
	}
	if now.Unix() < o.Expiration-int64(e.auctionWindow/time.Second) {
		return domain.E(op, domain.ErrAuctionNotOpen)
	}

	if amount == nil || amount.Sign() <= 0 {
		return domain.E(op, domain.ErrBadAmount)
	}
	if amount.Cmp(o.StrikePrice) <= 0 {
		return domain.E(op, domain.ErrBidTooLow)
	}
	if o.HasBid() && amount.Cmp(o.HighBid) <= 0 {
		return domain.E(op, domain.ErrBidTooLow)
	}

	refunded, refundAmt, err := e.funds.HoldEscrow(id, bidder, amount)
	if err != nil {
		return err
	}

	o.HighBid = new(big.Int).Set(amount)
	o.HighBidder = bidder
	e.persist(ctx, *o)
	e.recordBid(ctx, domain.Bid{OptionID: id, Bidder: bidder, Amount: new(big.Int).Set(amount), PlacedAt: now})

	if refunded != domain.ZeroAddress {
		e.logger.Debug("bid superseded",
			slog.Uint64("option_id", uint64(id)),
			slog.String("refunded", refunded.Hex()),
			slog.String("amount", domain.AmountString(refundAmt)),
		)
	}
	e.emitOption(domain.EventBidPlaced, o, bidder, bidder, amount)
	return nil
}

// ---------------------------------------------------------------------------
// Terminal transitions
// ---------------------------------------------------------------------------

// SettleOption finalizes an option that expired with a winning bid. Callable
// by anyone, even while paused. The strike goes to the writer's free
// balance, the premium above strike becomes a one-shot claim for whoever
// held the instrument at this moment, the high bidder becomes beneficial
// owner of the underlying, and the instrument is burned.
func (e *Engine) SettleOption(ctx context.Context, id domain.OptionID, caller domain.Address) error {
	const op = "engine.settle_option"

	e.mu.Lock()
	defer e.mu.Unlock()
	release, err := e.reentry.Enter()
	if err != nil {
		return domain.E(op, err)
	}
	defer release()

	o, err := e.get(op, id)
	if err != nil {
		return err
	}
	if o.State.Terminal() {
		return domain.E(op, domain.ErrOptionSettled)
	}
	now := e.clock.Now()
	if now.Unix() < o.Expiration {
		return domain.E(op, domain.ErrOptionNotExpired)
	}
	if !o.HasBid() {
		return domain.E(op, domain.ErrNoWinningBid)
	}

	v, ok := e.vaults.ByAddress(o.Vault)
	if !ok {
		return domain.E(op, domain.ErrUnauthorizedVault)
	}

	// The instrument owner at this instant is the premium claimant, recorded
	// before the burn so a post-settlement token grab cannot divert it.
	holder, err := e.instruments.OwnerOf(ctx, id)
	if err != nil {
		return domain.E(op, err)
	}

	if err := v.SetBeneficialOwner(ctx, o.AssetID, o.HighBidder, e.addr); err != nil {
		// The entitlement lapses at expiration, so between expiry and
		// settlement the writer may legally withdraw the underlying. The
		// sale can no longer deliver; void the option and refund the high
		// bidder rather than stranding the escrow.
		if errors.Is(err, domain.ErrAssetNotInVault) {
			return e.voidUndeliverable(ctx, o, now, caller)
		}
		return err
	}
	if err := v.ClearEntitlement(ctx, o.AssetID, e.addr); err != nil {
		return err
	}

	claim, err := e.funds.SettleEscrow(id, o.Writer, o.StrikePrice, holder)
	if err != nil {
		return err
	}

	if err := e.instruments.Burn(ctx, id); err != nil {
		return domain.E(op, err)
	}

	o.State = domain.OptionStateSettled
	o.SettlementHolder = holder
	closed := now
	o.ClosedAt = &closed
	e.persist(ctx, *o)

	premium := big.NewInt(0)
	if claim != nil {
		premium = claim.Amount
	}
	e.logger.Info("option settled",
		slog.Uint64("option_id", uint64(id)),
		slog.String("winner", o.HighBidder.Hex()),
		slog.String("strike", domain.AmountString(o.StrikePrice)),
		slog.String("premium", domain.AmountString(premium)),
	)
	e.emitOption(domain.EventOptionSettled, o, caller, o.HighBidder, o.HighBid)
	return nil
}

// voidUndeliverable closes out an option whose underlying left custody via
// the writer's post-expiry withdraw. The escrow is refunded in full to the
// high bidder, the instrument is burned, and the option terminates as
// expired so the slot reopens. Caller holds the engine mutex.
func (e *Engine) voidUndeliverable(ctx context.Context, o *domain.CallOption, now time.Time, caller domain.Address) error {
	const op = "engine.settle_option"

	refunded, amount := e.funds.ReleaseEscrow(o.ID)
	if err := e.instruments.Burn(ctx, o.ID); err != nil {
		return domain.E(op, err)
	}

	o.State = domain.OptionStateExpired
	closed := now
	o.ClosedAt = &closed
	e.persist(ctx, *o)

	e.logger.Warn("option voided, underlying withdrawn before settlement",
		slog.Uint64("option_id", uint64(o.ID)),
		slog.String("bidder", refunded.Hex()),
		slog.String("refund", domain.AmountString(amount)),
	)
	e.emitOption(domain.EventOptionExpired, o, caller, refunded, amount)
	return nil
}

// BurnExpiredOption closes out an option that expired with no bid. Callable
// by anyone, even while paused. No funds move; the writer keeps beneficial
// ownership of the vaulted asset and may withdraw or write again.
func (e *Engine) BurnExpiredOption(ctx context.Context, id domain.OptionID, caller domain.Address) error {
	const op = "engine.burn_expired_option"

	e.mu.Lock()
	defer e.mu.Unlock()
	release, err := e.reentry.Enter()
	if err != nil {
		return domain.E(op, err)
	}
	defer release()

	o, err := e.get(op, id)
	if err != nil {
		return err
	}
	if o.State.Terminal() {
		return domain.E(op, domain.ErrOptionSettled)
	}
	now := e.clock.Now()
	if now.Unix() < o.Expiration {
		return domain.E(op, domain.ErrOptionNotExpired)
	}
	if o.HasBid() {
		return domain.E(op, domain.ErrHasWinningBid)
	}

	// Sweep the (now inactive) entitlement record so the slot reads clean.
	// A post-expiry withdraw sweeps the record itself and may have taken the
	// asset with it; either way there is nothing left to clear.
	if v, ok := e.vaults.ByAddress(o.Vault); ok {
		err := v.ClearEntitlement(ctx, o.AssetID, e.addr)
		if err != nil && !errors.Is(err, domain.ErrAssetNotInVault) && !errors.Is(err, domain.ErrNoActiveEntitlement) {
			return err
		}
	}
	if err := e.instruments.Burn(ctx, id); err != nil {
		return domain.E(op, err)
	}

	o.State = domain.OptionStateExpired
	closed := now
	o.ClosedAt = &closed
	e.persist(ctx, *o)
	e.emitOption(domain.EventOptionExpired, o, caller, o.Writer, nil)
	return nil
}

// ReclaimAsset lets the writer unwind an unexpired option after buying the
// instrument back. Any standing bid is refunded in full, the entitlement is
// cleared, and the instrument is burned. With returnAsset the underlying is
// withdrawn to the writer in the same step.
func (e *Engine) ReclaimAsset(ctx context.Context, id domain.OptionID, returnAsset bool, caller domain.Address) error {
	const op = "engine.reclaim_asset"

	e.mu.Lock()
	defer e.mu.Unlock()
	release, err := e.reentry.Enter()
	if err != nil {
		return domain.E(op, err)
	}
	defer release()

	o, err := e.get(op, id)
	if err != nil {
		return err
	}
	if o.State.Terminal() {
		return domain.E(op, domain.ErrOptionSettled)
	}
	if caller != o.Writer {
		return domain.E(op, domain.ErrNotWriter)
	}
	now := e.clock.Now()
	if now.Unix() >= o.Expiration {
		return domain.E(op, domain.ErrOptionExpired)
	}

	holder, err := e.instruments.OwnerOf(ctx, id)
	if err != nil {
		return domain.E(op, err)
	}
	if holder != caller {
		return domain.E(op, domain.ErrNotInstrumentHolder)
	}

	v, ok := e.vaults.ByAddress(o.Vault)
	if !ok {
		return domain.E(op, domain.ErrUnauthorizedVault)
	}

	if returnAsset {
		if err := v.ClearEntitlementAndDistribute(ctx, o.AssetID, o.Writer, e.addr); err != nil {
			return err
		}
	} else {
		if err := v.ClearEntitlement(ctx, o.AssetID, e.addr); err != nil {
			return err
		}
	}

	if refunded, amt := e.funds.ReleaseEscrow(id); refunded != domain.ZeroAddress {
		e.logger.Info("bid refunded on reclaim",
			slog.Uint64("option_id", uint64(id)),
			slog.String("bidder", refunded.Hex()),
			slog.String("amount", domain.AmountString(amt)),
		)
	}
	if err := e.instruments.Burn(ctx, id); err != nil {
		return domain.E(op, err)
	}

	o.State = domain.OptionStateReclaimed
	closed := now
	o.ClosedAt = &closed
	e.persist(ctx, *o)
	e.emitOption(domain.EventOptionReclaimed, o, caller, o.Writer, nil)
	return nil
}

// ClaimProceeds pays out a recorded settlement premium. One shot; only the
// instrument holder recorded at settlement time may claim. Available even
// while paused.
func (e *Engine) ClaimProceeds(ctx context.Context, id domain.OptionID, caller domain.Address) (*big.Int, error) {
	const op = "engine.claim_proceeds"

	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.get(op, id)
	if err != nil {
		return nil, err
	}

	amount, err := e.funds.Claim(id, caller)
	if err != nil {
		return nil, err
	}
	e.emitOption(domain.EventProceedsClaimed, o, caller, caller, amount)
	return amount, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Option returns a copy of the option record.
func (e *Engine) Option(id domain.OptionID) (domain.CallOption, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.get("engine.option", id)
	if err != nil {
		return domain.CallOption{}, err
	}
	return copyOption(o), nil
}

// LatestOptionAt returns the most recent option written at a (vault, asset)
// slot.
func (e *Engine) LatestOptionAt(vaultAddr domain.Address, assetID domain.AssetID) (domain.CallOption, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.slots[slotKey{vault: vaultAddr, assetID: assetID}]
	if !ok {
		return domain.CallOption{}, false
	}
	return copyOption(e.options[id]), true
}

// OpenOptions returns copies of every non-terminal option, for the expiry
// sweeper and the query API.
func (e *Engine) OpenOptions() []domain.CallOption {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []domain.CallOption
	for _, o := range e.options {
		if !o.State.Terminal() {
			out = append(out, copyOption(o))
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

func (e *Engine) get(op string, id domain.OptionID) (*domain.CallOption, error) {
	o, ok := e.options[id]
	if !ok {
		return nil, domain.E(op, domain.ErrUnknownOption)
	}
	return o, nil
}

func (e *Engine) collectionAllowed(coll domain.Address) bool {
	return e.allowed == nil || e.allowed[coll]
}

func copyOption(o *domain.CallOption) domain.CallOption {
	out := *o
	if o.StrikePrice != nil {
		out.StrikePrice = new(big.Int).Set(o.StrikePrice)
	}
	if o.HighBid != nil {
		out.HighBid = new(big.Int).Set(o.HighBid)
	}
	if o.ClosedAt != nil {
		t := *o.ClosedAt
		out.ClosedAt = &t
	}
	return out
}

func (e *Engine) persist(ctx context.Context, o domain.CallOption) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Upsert(ctx, o); err != nil {
		e.logger.Warn("journal write failed",
			slog.Uint64("option_id", uint64(o.ID)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) recordBid(ctx context.Context, b domain.Bid) {
	if e.tape == nil {
		return
	}
	if err := e.tape.Insert(ctx, b); err != nil {
		e.logger.Warn("bid tape write failed",
			slog.Uint64("option_id", uint64(b.OptionID)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) emitOption(t domain.EventType, o *domain.CallOption, actor, subject domain.Address, amount *big.Int) {
	ev := domain.Event{
		ID:       uuid.New().String(),
		Type:     t,
		Vault:    o.Vault,
		AssetID:  o.AssetID,
		OptionID: o.ID,
		Actor:    actor,
		Subject:  subject,
		At:       e.clock.Now(),
	}
	if amount != nil {
		ev.Amount = domain.AmountString(amount)
	}
	e.events.Emit(ev)
}
