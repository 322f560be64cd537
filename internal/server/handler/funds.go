package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/covenant-markets/callvault/internal/domain"
)

// FundsService defines the ledger methods the funds handler requires.
type FundsService interface {
	DepositFunds(ctx context.Context, account domain.Address, amount *big.Int) error
	WithdrawFunds(ctx context.Context, account domain.Address, amount *big.Int) error
	Balance(ctx context.Context, account domain.Address) *big.Int
	TotalEscrowed(ctx context.Context) *big.Int
}

// FundsHandler serves the bidding-collateral ledger endpoints.
type FundsHandler struct {
	funds  FundsService
	logger *slog.Logger
}

// NewFundsHandler creates a FundsHandler with the given service and logger.
func NewFundsHandler(funds FundsService, logger *slog.Logger) *FundsHandler {
	return &FundsHandler{funds: funds, logger: logger}
}

// Deposit credits bidding collateral to an account.
// POST /api/funds/deposit
func (h *FundsHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.funds.DepositFunds, "deposited")
}

// Withdraw debits free balance from an account.
// POST /api/funds/withdraw
func (h *FundsHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.funds.WithdrawFunds, "withdrawn")
}

// GetBalance returns an account's free balance and the protocol-wide escrow
// total.
// GET /api/funds/{address}
func (h *FundsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := pathAddress(r, "address")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"account":        account.Hex(),
		"balance":        h.funds.Balance(r.Context(), account).String(),
		"total_escrowed": h.funds.TotalEscrowed(r.Context()).String(),
	})
}

func (h *FundsHandler) mutate(w http.ResponseWriter, r *http.Request, fn func(context.Context, domain.Address, *big.Int) error, status string) {
	var req struct {
		Account string `json:"account"`
		Amount  string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	account, ok := parseAddress(req.Account)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	if err := fn(r.Context(), account, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
