package handler

import (
	"log/slog"
	"net/http"

	"github.com/covenant-markets/callvault/internal/domain"
)

// AuditHandler serves read access to the append-only audit log and, when
// cold storage is wired, the archive file index.
type AuditHandler struct {
	audit   domain.AuditStore
	archive domain.BlobReader
	logger  *slog.Logger
}

// NewAuditHandler creates an AuditHandler with the given store and logger.
func NewAuditHandler(audit domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger}
}

// WithArchiveReader enables the archive listing endpoint.
func (h *AuditHandler) WithArchiveReader(r domain.BlobReader) *AuditHandler {
	h.archive = r
	return h
}

// ListAudit returns recent audit entries, newest first.
// GET /api/audit?limit=50&offset=0
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}

	if entries == nil {
		entries = []domain.AuditEntry{}
	}

	type entryView struct {
		ID        int64          `json:"id"`
		Event     string         `json:"event"`
		Detail    map[string]any `json:"detail,omitempty"`
		CreatedAt string         `json:"created_at"`
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{
			ID:        e.ID,
			Event:     e.Event,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}

// ListArchives returns the cold-storage archive files for a record kind.
// GET /api/archive?kind=options
func (h *AuditHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotFound, "archive storage is not configured")
		return
	}

	kind := r.URL.Query().Get("kind")
	switch kind {
	case "", "options", "audit":
	default:
		writeError(w, http.StatusBadRequest, "kind must be \"options\" or \"audit\"")
		return
	}

	prefix := "archive/"
	if kind != "" {
		prefix += kind + "/"
	}
	infos, err := h.archive.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archives failed",
			slog.String("prefix", prefix),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list archives")
		return
	}

	type fileView struct {
		Path         string `json:"path"`
		Size         int64  `json:"size"`
		LastModified string `json:"last_modified"`
	}
	views := make([]fileView, 0, len(infos))
	for _, info := range infos {
		views = append(views, fileView{
			Path:         info.Path,
			Size:         info.Size,
			LastModified: info.LastModified.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": views})
}
