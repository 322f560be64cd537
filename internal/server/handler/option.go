package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/covenant-markets/callvault/internal/domain"
)

// OptionService defines the methods that the option handler requires from
// the service layer.
type OptionService interface {
	MintWithVault(ctx context.Context, vaultAddr domain.Address, assetID domain.AssetID, strike *big.Int, expiration int64, caller domain.Address) (domain.OptionID, error)
	MintWithAssetTransfer(ctx context.Context, collection domain.Address, assetID domain.AssetID, strike *big.Int, expiration int64, caller domain.Address) (domain.OptionID, error)
	Bid(ctx context.Context, id domain.OptionID, amount *big.Int, bidder domain.Address) error
	Settle(ctx context.Context, id domain.OptionID, caller domain.Address) error
	BurnExpired(ctx context.Context, id domain.OptionID, caller domain.Address) error
	Reclaim(ctx context.Context, id domain.OptionID, returnAsset bool, caller domain.Address) error
	ClaimProceeds(ctx context.Context, id domain.OptionID, caller domain.Address) (*big.Int, error)
	Option(ctx context.Context, id domain.OptionID) (domain.CallOption, error)
	ListOpen(ctx context.Context) ([]domain.CallOption, error)
	History(ctx context.Context, vaultAddr domain.Address, assetID domain.AssetID, opts domain.ListOpts) ([]domain.CallOption, error)
	Bids(ctx context.Context, id domain.OptionID, opts domain.ListOpts) ([]domain.Bid, error)
	Claim(ctx context.Context, id domain.OptionID) (domain.Claim, bool)
}

// OptionHandler serves option lifecycle HTTP endpoints.
type OptionHandler struct {
	options       OptionService
	auctionWindow time.Duration
	logger        *slog.Logger
}

// NewOptionHandler creates an OptionHandler with the given service and logger.
func NewOptionHandler(options OptionService, auctionWindow time.Duration, logger *slog.Logger) *OptionHandler {
	return &OptionHandler{
		options:       options,
		auctionWindow: auctionWindow,
		logger:        logger,
	}
}

// optionView is the JSON shape of an option record. Amounts are decimal
// strings since wei-scale integers do not survive float64 round-trips.
type optionView struct {
	ID               uint64     `json:"id"`
	Writer           string     `json:"writer"`
	Vault            string     `json:"vault"`
	AssetID          uint64     `json:"asset_id"`
	StrikePrice      string     `json:"strike_price"`
	Expiration       int64      `json:"expiration"`
	State            string     `json:"state"`
	HighBid          string     `json:"high_bid,omitempty"`
	HighBidder       string     `json:"high_bidder,omitempty"`
	SettlementHolder string     `json:"settlement_holder,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
}

func (h *OptionHandler) toOptionView(o domain.CallOption) optionView {
	out := optionView{
		ID:          uint64(o.ID),
		Writer:      o.Writer.Hex(),
		Vault:       o.Vault.Hex(),
		AssetID:     uint64(o.AssetID),
		StrikePrice: domain.AmountString(o.StrikePrice),
		Expiration:  o.Expiration,
		State:       string(o.LiveStateAt(time.Now().UTC(), h.auctionWindow)),
		CreatedAt:   o.CreatedAt,
		ClosedAt:    o.ClosedAt,
	}
	if o.HasBid() {
		out.HighBid = o.HighBid.String()
		out.HighBidder = o.HighBidder.Hex()
	}
	if o.SettlementHolder != (domain.Address{}) {
		out.SettlementHolder = o.SettlementHolder.Hex()
	}
	return out
}

type bidView struct {
	OptionID uint64    `json:"option_id"`
	Bidder   string    `json:"bidder"`
	Amount   string    `json:"amount"`
	PlacedAt time.Time `json:"placed_at"`
}

// Mint writes a new covered call. The body names either an existing vault or
// a collection (deposit-and-mint in one step).
// POST /api/options
func (h *OptionHandler) Mint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Vault      string `json:"vault,omitempty"`
		Collection string `json:"collection,omitempty"`
		AssetID    uint64 `json:"asset_id"`
		Strike     string `json:"strike"`
		Expiration int64  `json:"expiration"`
		Caller     string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if (req.Vault == "") == (req.Collection == "") {
		writeError(w, http.StatusBadRequest, "exactly one of vault or collection is required")
		return
	}
	strike, ok := parseAmount(req.Strike)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid strike amount")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}

	var (
		id  domain.OptionID
		err error
	)
	if req.Vault != "" {
		vaultAddr, addrOK := parseAddress(req.Vault)
		if !addrOK {
			writeError(w, http.StatusBadRequest, "invalid vault address")
			return
		}
		id, err = h.options.MintWithVault(r.Context(), vaultAddr, domain.AssetID(req.AssetID), strike, req.Expiration, caller)
	} else {
		coll, addrOK := parseAddress(req.Collection)
		if !addrOK {
			writeError(w, http.StatusBadRequest, "invalid collection address")
			return
		}
		id, err = h.options.MintWithAssetTransfer(r.Context(), coll, domain.AssetID(req.AssetID), strike, req.Expiration, caller)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"option_id": uint64(id)})
}

// GetOption returns one option by id.
// GET /api/options/{id}
func (h *OptionHandler) GetOption(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid option id")
		return
	}

	o, err := h.options.Option(r.Context(), domain.OptionID(id))
	if err != nil {
		if errors.Is(err, domain.ErrUnknownOption) {
			writeError(w, http.StatusNotFound, "option not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get option failed",
			slog.Uint64("option_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get option")
		return
	}

	writeJSON(w, http.StatusOK, h.toOptionView(o))
}

// ListOptions returns open options, or the history of one asset slot when
// vault and asset_id query parameters are given.
// GET /api/options?vault=0x...&asset_id=7
func (h *OptionHandler) ListOptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		options []domain.CallOption
		err     error
	)
	if q.Get("vault") != "" || q.Get("asset_id") != "" {
		vaultAddr, ok := parseAddress(q.Get("vault"))
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid vault address")
			return
		}
		id, parseErr := strconv.ParseUint(q.Get("asset_id"), 10, 64)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid asset id")
			return
		}
		options, err = h.options.History(r.Context(), vaultAddr, domain.AssetID(id), parseListOpts(r))
	} else {
		options, err = h.options.ListOpen(r.Context())
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list options failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list options")
		return
	}

	views := make([]optionView, 0, len(options))
	for _, o := range options {
		views = append(views, h.toOptionView(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"options": views})
}

// PlaceBid escrows an auction bid on an option.
// POST /api/options/{id}/bids
func (h *OptionHandler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid option id")
		return
	}

	var req struct {
		Amount string `json:"amount"`
		Bidder string `json:"bidder"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid bid amount")
		return
	}
	bidder, ok := parseAddress(req.Bidder)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid bidder address")
		return
	}

	if err := h.options.Bid(r.Context(), domain.OptionID(id), amount, bidder); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "bid_placed"})
}

// ListBids returns the historical bid tape for an option.
// GET /api/options/{id}/bids
func (h *OptionHandler) ListBids(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid option id")
		return
	}

	bids, err := h.options.Bids(r.Context(), domain.OptionID(id), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list bids failed",
			slog.Uint64("option_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list bids")
		return
	}

	views := make([]bidView, 0, len(bids))
	for _, b := range bids {
		views = append(views, bidView{
			OptionID: uint64(b.OptionID),
			Bidder:   b.Bidder.Hex(),
			Amount:   domain.AmountString(b.Amount),
			PlacedAt: b.PlacedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": views})
}

// Settle exercises an expired option with a winning bid.
// POST /api/options/{id}/settle
func (h *OptionHandler) Settle(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, "settled", h.options.Settle)
}

// BurnExpired closes out an expired option with no bids.
// POST /api/options/{id}/burn
func (h *OptionHandler) BurnExpired(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, "burned", h.options.BurnExpired)
}

// Reclaim lets the writer unwind an unexercised position early.
// POST /api/options/{id}/reclaim
func (h *OptionHandler) Reclaim(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid option id")
		return
	}

	var req struct {
		ReturnAsset bool   `json:"return_asset"`
		Caller      string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}

	if err := h.options.Reclaim(r.Context(), domain.OptionID(id), req.ReturnAsset, caller); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reclaimed"})
}

// ClaimProceeds pays out the settlement premium to the recorded holder.
// POST /api/options/{id}/claim
func (h *OptionHandler) ClaimProceeds(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid option id")
		return
	}

	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}

	amount, err := h.options.ClaimProceeds(r.Context(), domain.OptionID(id), caller)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "claimed",
		"amount": amount.String(),
	})
}

// GetClaim returns the pending or paid claim for an option.
// GET /api/options/{id}/claim
func (h *OptionHandler) GetClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid option id")
		return
	}

	c, found := h.options.Claim(r.Context(), domain.OptionID(id))
	if !found {
		writeError(w, http.StatusNotFound, "no claim for option")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"option_id":  uint64(c.OptionID),
		"claimant":   c.Claimant.Hex(),
		"amount":     domain.AmountString(c.Amount),
		"claimed":    c.Claimed(),
		"created_at": c.CreatedAt,
		"claimed_at": c.ClaimedAt,
	})
}

// lifecycleAction factors the settle/burn endpoints: both take only a caller.
func (h *OptionHandler) lifecycleAction(w http.ResponseWriter, r *http.Request, status string, fn func(context.Context, domain.OptionID, domain.Address) error) {
	id, ok := pathUint(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid option id")
		return
	}

	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}

	if err := fn(r.Context(), domain.OptionID(id), caller); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
