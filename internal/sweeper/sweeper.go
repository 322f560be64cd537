// Package sweeper runs the background maintenance loops: closing out expired
// options and archiving terminal records to cold storage.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/covenant-markets/callvault/internal/domain"
)

// sweepLockKey serializes the expiry sweep across replicas.
const sweepLockKey = "sweep:expiry"

// archiveInterval is how often the archival pass runs.
const archiveInterval = 24 * time.Hour

// OptionEngine is the slice of the option engine the sweeper drives.
type OptionEngine interface {
	OpenOptions() []domain.CallOption
	SettleOption(ctx context.Context, id domain.OptionID, caller domain.Address) error
	BurnExpiredOption(ctx context.Context, id domain.OptionID, caller domain.Address) error
}

// Archiver moves terminal records older than a cutoff to cold storage.
type Archiver interface {
	ArchiveOptions(ctx context.Context, before time.Time) (int64, error)
	ArchiveAudit(ctx context.Context, before time.Time) (int64, error)
}

// Sweeper closes out expired options on a ticker and archives old terminal
// records once a day. Settlement and burn are permissionless operations, so
// the sweeper calls them with its own operator address.
type Sweeper struct {
	engine    OptionEngine
	archiver  Archiver
	locks     domain.LockManager
	clock     domain.Clock
	operator  domain.Address
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
}

// Config collects the sweeper's dependencies.
type Config struct {
	Engine    OptionEngine
	Archiver  Archiver // nil disables archival
	Locks     domain.LockManager
	Clock     domain.Clock
	Operator  domain.Address
	Interval  time.Duration
	Retention time.Duration // age after which terminal records move to cold storage
	Logger    *slog.Logger
}

// New creates a Sweeper.
func New(cfg Config) *Sweeper {
	clock := cfg.Clock
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Sweeper{
		engine:    cfg.Engine,
		archiver:  cfg.Archiver,
		locks:     cfg.Locks,
		clock:     clock,
		operator:  cfg.Operator,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		logger:    cfg.Logger.With(slog.String("component", "sweeper")),
	}
}

// Run starts the sweep and archival loops as concurrent goroutines using an
// errgroup. Each goroutine respects ctx cancellation; Run returns when the
// context is cancelled or a loop fails with a non-context error.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper starting",
		slog.Duration("interval", s.interval),
		slog.Duration("retention", s.retention),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.runSweepLoop(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("expiry sweep: %w", err)
	})

	if s.archiver != nil {
		g.Go(func() error {
			err := s.runArchiveLoop(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.Error("sweeper stopped with error", slog.String("error", err.Error()))
		return err
	}

	s.logger.Info("sweeper stopped cleanly")
	return nil
}

// runSweepLoop sweeps immediately on start and then on every tick.
func (s *Sweeper) runSweepLoop(ctx context.Context) error {
	s.SweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce closes out every expired open option: settle the ones with a
// winning bid, burn the rest. Per-option failures are logged and do not stop
// the pass. The pass is serialized across replicas with a distributed lock;
// if another replica holds it, this pass is skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, sweepLockKey, s.interval)
		if err != nil {
			s.logger.Debug("sweep skipped, lock held elsewhere",
				slog.String("error", err.Error()),
			)
			return
		}
		defer unlock()
	}

	now := s.clock.Now().Unix()
	var settled, burned int

	for _, o := range s.engine.OpenOptions() {
		if now < o.Expiration {
			continue
		}

		var err error
		if o.HasBid() {
			err = s.engine.SettleOption(ctx, o.ID, s.operator)
			if err == nil {
				settled++
			}
		} else {
			err = s.engine.BurnExpiredOption(ctx, o.ID, s.operator)
			if err == nil {
				burned++
			}
		}

		// Another caller may have raced us to the same option.
		if err != nil && !errors.Is(err, domain.ErrOptionSettled) {
			s.logger.Warn("sweep: close-out failed",
				slog.Uint64("option_id", uint64(o.ID)),
				slog.String("error", err.Error()),
			)
		}
	}

	if settled > 0 || burned > 0 {
		s.logger.Info("sweep pass complete",
			slog.Int("settled", settled),
			slog.Int("burned", burned),
		)
	}
}

// runArchiveLoop archives once on start and then daily.
func (s *Sweeper) runArchiveLoop(ctx context.Context) error {
	s.archiveOnce(ctx)

	ticker := time.NewTicker(archiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.archiveOnce(ctx)
		}
	}
}

func (s *Sweeper) archiveOnce(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.retention)

	options, err := s.archiver.ArchiveOptions(ctx, cutoff)
	if err != nil {
		s.logger.Error("archive options failed", slog.String("error", err.Error()))
	}

	audits, err := s.archiver.ArchiveAudit(ctx, cutoff)
	if err != nil {
		s.logger.Error("archive audit failed", slog.String("error", err.Error()))
	}

	if options > 0 || audits > 0 {
		s.logger.Info("archive pass complete",
			slog.Int64("options", options),
			slog.Int64("audit_entries", audits),
			slog.Time("cutoff", cutoff),
		)
	}
}
