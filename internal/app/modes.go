package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/covenant-markets/callvault/internal/collection"
	"github.com/covenant-markets/callvault/internal/crypto"
	"github.com/covenant-markets/callvault/internal/domain"
	"github.com/covenant-markets/callvault/internal/engine"
	"github.com/covenant-markets/callvault/internal/instrument"
	"github.com/covenant-markets/callvault/internal/ledger"
	"github.com/covenant-markets/callvault/internal/notify"
	"github.com/covenant-markets/callvault/internal/protocol"
	"github.com/covenant-markets/callvault/internal/registry"
	"github.com/covenant-markets/callvault/internal/server"
	"github.com/covenant-markets/callvault/internal/server/handler"
	"github.com/covenant-markets/callvault/internal/server/ws"
	"github.com/covenant-markets/callvault/internal/service"
	"github.com/covenant-markets/callvault/internal/sweeper"
)

// core holds the in-process protocol state machines and the services built on
// top of them. Every mode builds one core; what differs between modes is
// which loops run against it.
type core struct {
	protocol  *protocol.Config
	vaults    *registry.Registry
	engine    *engine.Engine
	funds     *ledger.Ledger
	publisher *service.EventPublisher

	vaultSvc  *service.VaultService
	optionSvc *service.OptionService
	adminSvc  *service.AdminService

	operator domain.Address
}

// buildCore constructs the custody registry, the option engine, and the
// service layer from the wired infrastructure dependencies.
func (a *App) buildCore(deps *Dependencies) (*core, error) {
	publisher := service.NewEventPublisher(deps.SignalBus, deps.Streams, deps.AuditStore, a.logger)

	roles := make(map[domain.Address][]domain.Role)
	for _, addr := range a.cfg.Protocol.Pausers {
		acct := common.HexToAddress(addr)
		roles[acct] = append(roles[acct], domain.RolePauser)
	}
	for _, addr := range a.cfg.Protocol.Configurers {
		acct := common.HexToAddress(addr)
		roles[acct] = append(roles[acct], domain.RoleConfigurer)
	}
	prot := protocol.New(protocol.StaticPolicy{Roles: roles})

	clock := domain.SystemClock{}
	custodian := collection.NewLedger()
	instruments := instrument.New()
	funds := ledger.New(clock)

	vaults := registry.New(registry.Config{
		Deployer:  common.HexToAddress(a.cfg.Chain.Deployer),
		ChainID:   a.cfg.Chain.ChainID,
		Custodian: custodian,
		Gate:      prot,
		Clock:     clock,
		Journal:   deps.VaultStore,
		Events:    publisher,
		Logger:    a.logger,
	})

	eng := engine.New(engine.Config{
		Address:            common.HexToAddress(a.cfg.Protocol.EngineAddress),
		MinDuration:        a.cfg.Protocol.MinOptionDuration.Duration,
		AuctionWindow:      a.cfg.Protocol.AuctionWindow.Duration,
		AllowedCollections: a.cfg.Protocol.AllowedCollectionSet(),
		Vaults:             vaults,
		Instruments:        instruments,
		Funds:              funds,
		Gate:               prot,
		Clock:              clock,
		Journal:            deps.OptionStore,
		Bids:               deps.BidStore,
		Events:             publisher,
		Logger:             a.logger,
	})

	// The operator identity attributes sweeper-driven settlements and is the
	// signing key for relayed entitlement grants. Without a key the deployer
	// address is used for attribution only.
	operator := common.HexToAddress(a.cfg.Chain.Deployer)
	signer, err := a.buildSigner()
	if err != nil {
		return nil, fmt.Errorf("build core: %w", err)
	}
	if signer != nil {
		operator = signer.Address()
		a.logger.Info("operator key loaded", slog.String("address", operator.Hex()))
	}

	return &core{
		protocol:  prot,
		vaults:    vaults,
		engine:    eng,
		funds:     funds,
		publisher: publisher,
		vaultSvc:  service.NewVaultService(vaults, deps.VaultStore, a.logger),
		optionSvc: service.NewOptionService(eng, funds, deps.OptionStore, deps.BidStore, deps.ClaimStore, a.logger),
		adminSvc:  service.NewAdminService(prot, deps.FlagsCache, deps.AuditStore, a.logger),
		operator:  operator,
	}, nil
}

// buildSigner loads the operator signing key when one is configured. Returns
// nil without error when no key source is set.
func (a *App) buildSigner() (*crypto.Signer, error) {
	if a.cfg.Signer.PrivateKey == "" && a.cfg.Signer.EncryptedKeyPath == "" {
		return nil, nil
	}
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Signer.PrivateKey,
		EncryptedKeyPath: a.cfg.Signer.EncryptedKeyPath,
		KeyPassword:      a.cfg.Signer.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("load signer key: %w", err)
	}
	verifier := crypto.NewVerifier(a.cfg.Chain.ChainID, common.HexToAddress(a.cfg.Protocol.EngineAddress))
	return crypto.NewSigner(key, verifier)
}

// NodeMode runs the operational vault node: the event publisher, the
// notification bridge, and the HTTP API against a live engine.
func (a *App) NodeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting node mode")

	c, err := a.buildCore(deps)
	if err != nil {
		return fmt.Errorf("node mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := c.publisher.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("event publisher: %w", err)
	})

	a.startNotifyBridge(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c)
	}

	return g.Wait()
}

// SweepMode runs only the expiry sweep and archival loops. It is meant for a
// dedicated replica; the distributed lock keeps concurrent sweepers from
// double-settling.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweep mode")

	c, err := a.buildCore(deps)
	if err != nil {
		return fmt.Errorf("sweep mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := c.publisher.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("event publisher: %w", err)
	})

	sw := sweeper.New(sweeper.Config{
		Engine:    c.engine,
		Archiver:  deps.Archiver,
		Locks:     deps.LockManager,
		Operator:  c.operator,
		Interval:  a.cfg.Sweeper.Interval.Duration,
		Retention: time.Duration(a.cfg.Sweeper.ArchiveRetentionDays) * 24 * time.Hour,
		Logger:    a.logger,
	})
	g.Go(func() error {
		return sw.Run(ctx)
	})

	return g.Wait()
}

// ServerMode runs the HTTP and WebSocket API without the sweeper or
// notification loops. The API surface is identical to node mode.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	c, err := a.buildCore(deps)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := c.publisher.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("event publisher: %w", err)
	})

	// The HTTP server always runs in server mode.
	a.startHTTPServer(ctx, g, deps, c)

	return g.Wait()
}

// FullMode runs all subsystems: the engine with its HTTP API, the expiry
// sweeper, the archival loop, and the notification bridge.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	c, err := a.buildCore(deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := c.publisher.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("event publisher: %w", err)
	})

	a.startNotifyBridge(ctx, g, deps)

	if a.cfg.Sweeper.Enabled {
		sw := sweeper.New(sweeper.Config{
			Engine:    c.engine,
			Archiver:  deps.Archiver,
			Locks:     deps.LockManager,
			Operator:  c.operator,
			Interval:  a.cfg.Sweeper.Interval.Duration,
			Retention: time.Duration(a.cfg.Sweeper.ArchiveRetentionDays) * 24 * time.Hour,
			Logger:    a.logger,
		})
		g.Go(func() error {
			return sw.Run(ctx)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c)
	}

	return g.Wait()
}

// startNotifyBridge adds the event-to-notification bridge goroutine when at
// least one notification channel is configured.
func (a *App) startNotifyBridge(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !deps.Notifier.Enabled() {
		return
	}
	bridge := notify.NewEventBridge(deps.SignalBus, deps.Notifier, a.logger)
	g.Go(func() error {
		err := bridge.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("notify bridge: %w", err)
	})
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	startedAt := time.Now().UTC()

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:          a.cfg.Mode,
		EngineAddress: a.cfg.Protocol.EngineAddress,
		StartedAt:     startedAt,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(a.logger),
		Status:  handler.NewStatusHandler(a.cfg.Mode, a.cfg.Protocol.EngineAddress, startedAt, c.adminSvc),
		Vaults:  handler.NewVaultHandler(c.vaultSvc, a.logger),
		Options: handler.NewOptionHandler(c.optionSvc, c.engine.AuctionWindow(), a.logger),
		Funds:   handler.NewFundsHandler(c.optionSvc, a.logger),
		Admin:   handler.NewAdminHandler(c.adminSvc, a.logger),
		Audit:   handler.NewAuditHandler(deps.AuditStore, a.logger).WithArchiveReader(deps.BlobReader),
	}

	srvCfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKeys:     a.cfg.Server.APIKeys,
	}
	if a.cfg.Server.RateLimitPerMin > 0 {
		srvCfg.RateLimiter = deps.RateLimiter
		srvCfg.RateLimit = a.cfg.Server.RateLimitPerMin
		srvCfg.RateWindow = time.Minute
	}

	srv := server.NewServer(srvCfg, handlers, hub, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}
