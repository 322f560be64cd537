package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/covenant-markets/callvault/internal/domain"
	"github.com/covenant-markets/callvault/internal/service"
)

// VaultService defines the methods that the vault handler requires from the
// service layer. It is declared locally so the handler package does not
// depend on the concrete service implementation.
type VaultService interface {
	ResolveVault(ctx context.Context, collection domain.Address) (service.VaultSummary, error)
	Vault(ctx context.Context, addr domain.Address) (service.VaultSummary, error)
	Deposit(ctx context.Context, collection domain.Address, assetID domain.AssetID, owner, caller domain.Address) (domain.Address, error)
	Withdraw(ctx context.Context, vaultAddr domain.Address, assetID domain.AssetID, caller domain.Address) error
	SetBeneficialOwner(ctx context.Context, vaultAddr domain.Address, assetID domain.AssetID, newOwner, caller domain.Address) error
	GrantEntitlement(ctx context.Context, vaultAddr domain.Address, e domain.Entitlement, caller domain.Address) error
	GrantEntitlementSigned(ctx context.Context, vaultAddr domain.Address, e domain.Entitlement, sig domain.Signature, caller domain.Address) error
	ClearEntitlement(ctx context.Context, vaultAddr domain.Address, assetID domain.AssetID, caller domain.Address) error
	ApproveOperator(ctx context.Context, vaultAddr domain.Address, assetID domain.AssetID, operator, caller domain.Address) error
	Asset(ctx context.Context, vaultAddr domain.Address, assetID domain.AssetID) (domain.Asset, error)
	ListAssets(ctx context.Context, vaultAddr domain.Address, opts domain.ListOpts) ([]domain.Asset, error)
}

// VaultHandler serves vault custody HTTP endpoints.
type VaultHandler struct {
	vaults VaultService
	logger *slog.Logger
}

// NewVaultHandler creates a VaultHandler with the given service and logger.
func NewVaultHandler(vaults VaultService, logger *slog.Logger) *VaultHandler {
	return &VaultHandler{
		vaults: vaults,
		logger: logger,
	}
}

// assetView is the JSON shape of a custody record.
type assetView struct {
	Collection       string           `json:"collection"`
	AssetID          uint64           `json:"asset_id"`
	HeldInVault      bool             `json:"held_in_vault"`
	BeneficialOwner  string           `json:"beneficial_owner"`
	ApprovedOperator string           `json:"approved_operator,omitempty"`
	Entitlement      *entitlementView `json:"entitlement,omitempty"`
	DepositedAt      time.Time        `json:"deposited_at"`
}

type entitlementView struct {
	BeneficialOwner string `json:"beneficial_owner"`
	Operator        string `json:"operator"`
	Vault           string `json:"vault"`
	AssetID         uint64 `json:"asset_id"`
	Expiry          int64  `json:"expiry"`
	Active          bool   `json:"active"`
}

func toAssetView(a domain.Asset) assetView {
	out := assetView{
		Collection:      a.Collection.Hex(),
		AssetID:         uint64(a.AssetID),
		HeldInVault:     a.HeldInVault,
		BeneficialOwner: a.BeneficialOwner.Hex(),
		DepositedAt:     a.DepositedAt,
	}
	if a.ApprovedOperator != nil {
		out.ApprovedOperator = a.ApprovedOperator.Hex()
	}
	if e := a.Entitlement; e != nil && e.Expiry != 0 {
		out.Entitlement = &entitlementView{
			BeneficialOwner: e.BeneficialOwner.Hex(),
			Operator:        e.Operator.Hex(),
			Vault:           e.Vault.Hex(),
			AssetID:         uint64(e.AssetID),
			Expiry:          e.Expiry,
			Active:          e.ActiveAt(time.Now().UTC()),
		}
	}
	return out
}

// ResolveVault creates (or returns) the vault for a collection.
// POST /api/vaults
func (h *VaultHandler) ResolveVault(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Collection string `json:"collection"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	coll, ok := parseAddress(req.Collection)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid collection address")
		return
	}

	summary, err := h.vaults.ResolveVault(r.Context(), coll)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: resolve vault failed",
			slog.String("collection", req.Collection),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to resolve vault")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// GetVault returns the vault registered at an address.
// GET /api/vaults/{address}
func (h *VaultHandler) GetVault(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(r, "address")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid vault address")
		return
	}

	summary, err := h.vaults.Vault(r.Context(), addr)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "vault not found")
			return
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// Deposit binds an asset into its collection's vault.
// POST /api/assets/deposit
func (h *VaultHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Collection      string `json:"collection"`
		AssetID         uint64 `json:"asset_id"`
		BeneficialOwner string `json:"beneficial_owner"`
		Caller          string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	coll, ok := parseAddress(req.Collection)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid collection address")
		return
	}
	owner, ok := parseAddress(req.BeneficialOwner)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid beneficial_owner address")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}

	vaultAddr, err := h.vaults.Deposit(r.Context(), coll, domain.AssetID(req.AssetID), owner, caller)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"vault":    vaultAddr.Hex(),
		"asset_id": req.AssetID,
	})
}

// ListAssets returns the journaled custody records for a vault.
// GET /api/vaults/{address}/assets?limit=50&offset=0
func (h *VaultHandler) ListAssets(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(r, "address")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid vault address")
		return
	}

	assets, err := h.vaults.ListAssets(r.Context(), addr, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list assets failed",
			slog.String("vault", addr.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list assets")
		return
	}

	views := make([]assetView, 0, len(assets))
	for _, a := range assets {
		views = append(views, toAssetView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": views})
}

// GetAsset returns the custody record for one asset.
// GET /api/vaults/{address}/assets/{asset_id}
func (h *VaultHandler) GetAsset(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(r, "address")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid vault address")
		return
	}
	id, ok := pathUint(r, "asset_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset id")
		return
	}

	a, err := h.vaults.Asset(r.Context(), addr, domain.AssetID(id))
	if err != nil {
		if errors.Is(err, domain.ErrUnknownAsset) || errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "asset not found")
			return
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAssetView(a))
}

// Withdraw releases an unencumbered asset to its beneficial owner.
// POST /api/vaults/{address}/assets/{asset_id}/withdraw
func (h *VaultHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	addr, id, caller, ok := h.assetActionParams(w, r)
	if !ok {
		return
	}
	if err := h.vaults.Withdraw(r.Context(), addr, domain.AssetID(id), caller); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}

// SetOwner reassigns beneficial ownership of a pledged asset.
// POST /api/vaults/{address}/assets/{asset_id}/owner
func (h *VaultHandler) SetOwner(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(r, "address")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid vault address")
		return
	}
	id, ok := pathUint(r, "asset_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset id")
		return
	}

	var req struct {
		NewOwner string `json:"new_owner"`
		Caller   string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	newOwner, ok := parseAddress(req.NewOwner)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid new_owner address")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}

	if err := h.vaults.SetBeneficialOwner(r.Context(), addr, domain.AssetID(id), newOwner, caller); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "owner_changed"})
}

// ApproveOperator sets or clears the standing operator approval.
// POST /api/vaults/{address}/assets/{asset_id}/operator
func (h *VaultHandler) ApproveOperator(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(r, "address")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid vault address")
		return
	}
	id, ok := pathUint(r, "asset_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset id")
		return
	}

	var req struct {
		Operator string `json:"operator"`
		Caller   string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	operator, ok := parseAddress(req.Operator)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid operator address")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}

	if err := h.vaults.ApproveOperator(r.Context(), addr, domain.AssetID(id), operator, caller); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "operator_approved"})
}

// GrantEntitlement applies a direct or signature-authorized entitlement.
// POST /api/vaults/{address}/assets/{asset_id}/entitlement
func (h *VaultHandler) GrantEntitlement(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(r, "address")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid vault address")
		return
	}
	id, ok := pathUint(r, "asset_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset id")
		return
	}

	var req struct {
		BeneficialOwner string `json:"beneficial_owner"`
		Operator        string `json:"operator"`
		Expiry          int64  `json:"expiry"`
		Caller          string `json:"caller"`
		Signature       string `json:"signature,omitempty"` // 65-byte hex; present for relayed grants
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	owner, ok := parseAddress(req.BeneficialOwner)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid beneficial_owner address")
		return
	}
	operator, ok := parseAddress(req.Operator)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid operator address")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}

	ent := domain.Entitlement{
		BeneficialOwner: owner,
		Operator:        operator,
		Vault:           addr,
		AssetID:         domain.AssetID(id),
		Expiry:          req.Expiry,
	}

	var err error
	if req.Signature != "" {
		raw, decErr := hexutil.Decode(req.Signature)
		if decErr != nil {
			writeError(w, http.StatusBadRequest, "invalid signature encoding")
			return
		}
		sig, sigOK := domain.SignatureFromBytes(raw)
		if !sigOK {
			writeError(w, http.StatusBadRequest, "signature must be 65 bytes")
			return
		}
		err = h.vaults.GrantEntitlementSigned(r.Context(), addr, ent, sig, caller)
	} else {
		err = h.vaults.GrantEntitlement(r.Context(), addr, ent, caller)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"status": "granted"})
}

// ClearEntitlement removes the stored entitlement. Operator only.
// DELETE /api/vaults/{address}/assets/{asset_id}/entitlement
func (h *VaultHandler) ClearEntitlement(w http.ResponseWriter, r *http.Request) {
	addr, id, caller, ok := h.assetActionParams(w, r)
	if !ok {
		return
	}
	if err := h.vaults.ClearEntitlement(r.Context(), addr, domain.AssetID(id), caller); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// assetActionParams parses the vault address and asset id from the path and
// the caller address from a JSON body of the form {"caller": "0x..."}.
func (h *VaultHandler) assetActionParams(w http.ResponseWriter, r *http.Request) (domain.Address, uint64, domain.Address, bool) {
	addr, ok := pathAddress(r, "address")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid vault address")
		return domain.Address{}, 0, domain.Address{}, false
	}
	id, ok := pathUint(r, "asset_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset id")
		return domain.Address{}, 0, domain.Address{}, false
	}

	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return domain.Address{}, 0, domain.Address{}, false
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return domain.Address{}, 0, domain.Address{}, false
	}
	return addr, id, caller, true
}
