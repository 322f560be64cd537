package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/covenant-markets/callvault/internal/domain"
)

// ArchiveImpl implements domain.Archiver by querying the journal stores for
// closed-out records, serializing them to JSONL, and uploading the result to
// object storage.
//
// Deletion of the archived rows from the primary store is intentionally NOT
// performed here; that is a separate, explicit step to be executed after the
// archive has been verified.
type ArchiveImpl struct {
	writer  domain.BlobWriter
	options domain.OptionStore
	audit   domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, options domain.OptionStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer:  writer,
		options: options,
		audit:   audit,
	}
}

// archivedOption is the flat JSONL form of a terminal option record. Amounts
// are decimal strings so wei-scale integers survive the round trip.
type archivedOption struct {
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

func toArchivedOption(o domain.CallOption) archivedOption {
	out := archivedOption{
		ID:          uint64(o.ID),
		Writer:      o.Writer.Hex(),
		Vault:       o.Vault.Hex(),
		AssetID:     uint64(o.AssetID),
		StrikePrice: amountOrEmpty(o.StrikePrice),
		Expiration:  o.Expiration,
		State:       string(o.State),
		CreatedAt:   o.CreatedAt,
		ClosedAt:    o.ClosedAt,
	}
	if o.HasBid() {
		out.HighBid = o.HighBid.String()
		out.HighBidder = o.HighBidder.Hex()
	}
	if o.SettlementHolder != domain.ZeroAddress {
		out.SettlementHolder = o.SettlementHolder.Hex()
	}
	return out
}

func amountOrEmpty(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// ArchiveOptions queries terminal options closed before the cutoff,
// serializes them to JSONL, and uploads the file at
// archive/options/YYYY-MM.jsonl. The archival event is recorded in the audit
// log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveOptions(ctx context.Context, before time.Time) (int64, error) {
	options, err := a.options.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive options query: %w", err)
	}
	if len(options) == 0 {
		return 0, nil
	}

	records := make([]archivedOption, 0, len(options))
	for _, o := range options {
		records = append(records, toArchivedOption(o))
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive options marshal: %w", err)
	}

	path := archivePath("options", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive options upload: %w", err)
	}

	count := int64(len(records))

	if err := a.audit.Log(ctx, "archive.options", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive options audit log: %w", err)
	}

	return count, nil
}

// ArchiveAudit queries audit entries before the cutoff, serializes them to
// JSONL, and uploads the file at archive/audit/YYYY-MM.jsonl. The count of
// archived entries is returned.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	count := int64(len(entries))

	if err := a.audit.Log(ctx, "archive.audit", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit log: %w", err)
	}

	return count, nil
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/options/2026-08.jsonl
//	archive/audit/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
