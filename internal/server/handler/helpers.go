package handler

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/covenant-markets/callvault/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps a protocol error to an HTTP status from its kind and
// sends the error message as the JSON body.
func writeDomainError(w http.ResponseWriter, err error) {
	var status int
	switch domain.KindOf(err) {
	case domain.KindAuthorization:
		status = http.StatusForbidden
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindState, domain.KindTiming:
		status = http.StatusConflict
	case domain.KindPaused:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}
	writeError(w, status, err.Error())
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// pathAddress parses a named path parameter as a hex address.
func pathAddress(r *http.Request, name string) (domain.Address, bool) {
	s := pathParam(r, name)
	if !common.IsHexAddress(s) {
		return domain.Address{}, false
	}
	return common.HexToAddress(s), true
}

// pathUint parses a named path parameter as an unsigned decimal integer.
func pathUint(r *http.Request, name string) (uint64, bool) {
	n, err := strconv.ParseUint(pathParam(r, name), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseAddress parses a hex address from a request body field.
func parseAddress(s string) (domain.Address, bool) {
	if !common.IsHexAddress(s) {
		return domain.Address{}, false
	}
	return common.HexToAddress(s), true
}

// parseAmount parses a non-negative decimal string into a big integer. Wei
// amounts travel as strings since they do not fit in float64.
func parseAmount(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
