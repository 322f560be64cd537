package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/covenant-markets/callvault/internal/domain"
	"github.com/covenant-markets/callvault/internal/server/handler"
	"github.com/covenant-markets/callvault/internal/server/middleware"
	"github.com/covenant-markets/callvault/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKeys     []string // if empty, authentication is disabled

	// RateLimiter applies per-IP limits when non-nil.
	RateLimiter domain.RateLimiter
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Vaults  *handler.VaultHandler
	Options *handler.OptionHandler
	Funds   *handler.FundsHandler
	Admin   *handler.AdminHandler
	Audit   *handler.AuditHandler
}

// Server is the headless HTTP + WebSocket API for the vault node.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, rate limiting, auth) and attaches
// the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check and status. The auth middleware exempts the health path
	// so liveness probes need no credentials.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Vault custody endpoints.
	mux.HandleFunc("POST /api/vaults", handlers.Vaults.ResolveVault)
	mux.HandleFunc("GET /api/vaults/{address}", handlers.Vaults.GetVault)
	mux.HandleFunc("GET /api/vaults/{address}/assets", handlers.Vaults.ListAssets)
	mux.HandleFunc("GET /api/vaults/{address}/assets/{asset_id}", handlers.Vaults.GetAsset)
	mux.HandleFunc("POST /api/vaults/{address}/assets/{asset_id}/withdraw", handlers.Vaults.Withdraw)
	mux.HandleFunc("POST /api/vaults/{address}/assets/{asset_id}/owner", handlers.Vaults.SetOwner)
	mux.HandleFunc("POST /api/vaults/{address}/assets/{asset_id}/operator", handlers.Vaults.ApproveOperator)
	mux.HandleFunc("POST /api/vaults/{address}/assets/{asset_id}/entitlement", handlers.Vaults.GrantEntitlement)
	mux.HandleFunc("DELETE /api/vaults/{address}/assets/{asset_id}/entitlement", handlers.Vaults.ClearEntitlement)
	mux.HandleFunc("POST /api/assets/deposit", handlers.Vaults.Deposit)

	// Option lifecycle endpoints.
	mux.HandleFunc("POST /api/options", handlers.Options.Mint)
	mux.HandleFunc("GET /api/options", handlers.Options.ListOptions)
	mux.HandleFunc("GET /api/options/{id}", handlers.Options.GetOption)
	mux.HandleFunc("POST /api/options/{id}/bids", handlers.Options.PlaceBid)
	mux.HandleFunc("GET /api/options/{id}/bids", handlers.Options.ListBids)
	mux.HandleFunc("POST /api/options/{id}/settle", handlers.Options.Settle)
	mux.HandleFunc("POST /api/options/{id}/burn", handlers.Options.BurnExpired)
	mux.HandleFunc("POST /api/options/{id}/reclaim", handlers.Options.Reclaim)
	mux.HandleFunc("POST /api/options/{id}/claim", handlers.Options.ClaimProceeds)
	mux.HandleFunc("GET /api/options/{id}/claim", handlers.Options.GetClaim)

	// Funds ledger endpoints.
	mux.HandleFunc("POST /api/funds/deposit", handlers.Funds.Deposit)
	mux.HandleFunc("POST /api/funds/withdraw", handlers.Funds.Withdraw)
	mux.HandleFunc("GET /api/funds/{address}", handlers.Funds.GetBalance)

	// Protocol control endpoints.
	mux.HandleFunc("PUT /api/admin/pause", handlers.Admin.SetPaused)
	mux.HandleFunc("GET /api/admin/collections/{address}/flags", handlers.Admin.GetCollectionFlags)
	mux.HandleFunc("PUT /api/admin/collections/{address}/flags", handlers.Admin.SetCollectionFlags)

	// Audit log and archive index.
	mux.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)
	mux.HandleFunc("GET /api/archive", handlers.Audit.ListArchives)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if no keys configured).
	h = middleware.Auth(cfg.APIKeys)(h)

	// Apply per-IP rate limiting when a limiter is configured.
	if cfg.RateLimiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit, cfg.RateWindow)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
