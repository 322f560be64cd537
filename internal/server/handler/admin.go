package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/covenant-markets/callvault/internal/domain"
)

// AdminService defines the protocol-control methods the admin handler
// requires.
type AdminService interface {
	SetPaused(ctx context.Context, caller domain.Address, paused bool) error
	Paused(ctx context.Context) bool
	SetCollectionFlags(ctx context.Context, caller, collection domain.Address, flags domain.CollectionFlags) error
	CollectionFlags(ctx context.Context, collection domain.Address) domain.CollectionFlags
}

// AdminHandler serves the role-gated protocol control endpoints.
type AdminHandler struct {
	admin  AdminService
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler with the given service and logger.
func NewAdminHandler(admin AdminService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, logger: logger}
}

// SetPaused flips the protocol pause switch.
// PUT /api/admin/pause
func (h *AdminHandler) SetPaused(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused bool   `json:"paused"`
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

	if err := h.admin.SetPaused(r.Context(), caller, req.Paused); err != nil {
		writeDomainError(w, err)
		return
	}

	h.logger.InfoContext(r.Context(), "handler: pause state changed",
		slog.Bool("paused", req.Paused),
		slog.String("caller", caller.Hex()),
	)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

// GetCollectionFlags returns the custody flags for a collection.
// GET /api/admin/collections/{address}/flags
func (h *AdminHandler) GetCollectionFlags(w http.ResponseWriter, r *http.Request) {
	coll, ok := pathAddress(r, "address")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid collection address")
		return
	}

	flags := h.admin.CollectionFlags(r.Context(), coll)
	writeJSON(w, http.StatusOK, map[string]any{
		"collection":                   coll.Hex(),
		"flash_use_disabled":           flags.FlashUseDisabled,
		"unsolicited_deposit_disabled": flags.UnsolicitedDepositDisabled,
	})
}

// SetCollectionFlags updates the custody flags for a collection.
// PUT /api/admin/collections/{address}/flags
func (h *AdminHandler) SetCollectionFlags(w http.ResponseWriter, r *http.Request) {
	coll, ok := pathAddress(r, "address")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid collection address")
		return
	}

	var req struct {
		FlashUseDisabled           bool   `json:"flash_use_disabled"`
		UnsolicitedDepositDisabled bool   `json:"unsolicited_deposit_disabled"`
		Caller                     string `json:"caller"`
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

	flags := domain.CollectionFlags{
		FlashUseDisabled:           req.FlashUseDisabled,
		UnsolicitedDepositDisabled: req.UnsolicitedDepositDisabled,
	}
	if err := h.admin.SetCollectionFlags(r.Context(), caller, coll, flags); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
