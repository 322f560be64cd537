package service

import (
	"context"
	"log/slog"

	"github.com/covenant-markets/callvault/internal/domain"
	"github.com/covenant-markets/callvault/internal/protocol"
)

// AdminService handles the role-gated protocol controls: the emergency pause
// switch and per-collection custody flags. Changes are written through to
// the flags cache so read-heavy paths on other replicas pick them up.
type AdminService struct {
	protocol *protocol.Config
	cache    domain.FlagsCache
	audit    domain.AuditStore
	logger   *slog.Logger
}

// NewAdminService creates an AdminService with all required dependencies.
func NewAdminService(p *protocol.Config, cache domain.FlagsCache, audit domain.AuditStore, logger *slog.Logger) *AdminService {
	return &AdminService{
		protocol: p,
		cache:    cache,
		audit:    audit,
		logger:   logger,
	}
}

// SetPaused flips the protocol pause switch. Only pauser role holders may
// call it.
func (s *AdminService) SetPaused(ctx context.Context, caller domain.Address, paused bool) error {
	if err := s.protocol.SetPaused(caller, paused); err != nil {
		return err
	}

	if s.cache != nil {
		if err := s.cache.SetPaused(ctx, paused); err != nil {
			s.logger.WarnContext(ctx, "admin_service: flags cache write failed",
				slog.String("error", err.Error()),
			)
		}
	}

	s.logAudit(ctx, "protocol.pause", map[string]any{
		"caller": caller.Hex(),
		"paused": paused,
	})
	return nil
}

// Paused reports the current pause state.
func (s *AdminService) Paused(ctx context.Context) bool {
	return s.protocol.Paused()
}

// SetCollectionFlags updates the custody flags for one collection. Only
// configurer role holders may call it.
func (s *AdminService) SetCollectionFlags(ctx context.Context, caller, collection domain.Address, flags domain.CollectionFlags) error {
	if err := s.protocol.SetCollectionFlags(caller, collection, flags); err != nil {
		return err
	}

	if s.cache != nil {
		if err := s.cache.SetCollectionFlags(ctx, collection, flags); err != nil {
			s.logger.WarnContext(ctx, "admin_service: flags cache write failed",
				slog.String("collection", collection.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logAudit(ctx, "protocol.collection_flags", map[string]any{
		"caller":                       caller.Hex(),
		"collection":                   collection.Hex(),
		"unsolicited_deposit_disabled": flags.UnsolicitedDepositDisabled,
		"flash_use_disabled":           flags.FlashUseDisabled,
	})
	return nil
}

// CollectionFlags reads the custody flags for one collection, preferring the
// cache and falling back to the authoritative config.
func (s *AdminService) CollectionFlags(ctx context.Context, collection domain.Address) domain.CollectionFlags {
	if s.cache != nil {
		if flags, ok, err := s.cache.GetCollectionFlags(ctx, collection); err == nil && ok {
			return flags
		}
	}
	return s.protocol.CollectionFlags(collection)
}

func (s *AdminService) logAudit(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "admin_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
