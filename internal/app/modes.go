package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/solhedge/exitpilot/internal/feed"
	"github.com/solhedge/exitpilot/internal/server"
	"github.com/solhedge/exitpilot/internal/server/handler"
)

// MonitorMode runs the position monitor together with the optional price feed
// and archiver, without the HTTP API.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startPipeline(ctx, g, deps)
	return g.Wait()
}

// ServerMode runs only the HTTP API. Monitor control endpoints respond with
// 503 since no monitor is wired in this mode.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the monitor pipeline and the HTTP API in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startPipeline(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// startPipeline launches the monitor, the price feed, and the archiver on the
// given errgroup according to the configuration.
func (a *App) startPipeline(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	// Run attaches monitors to every open position itself.
	g.Go(func() error {
		return deps.Monitor.Run(ctx)
	})

	if a.cfg.Feed.Enabled {
		stream := feed.NewPriceStream(
			feed.Config{
				URL:             a.cfg.Venues.AlphaQuoteWSURL,
				RefreshInterval: a.cfg.Feed.RefreshInterval.Duration,
			},
			deps.PositionStore,
			deps.PriceCache,
			a.logger,
		)
		g.Go(func() error {
			return stream.Run(ctx)
		})
	}

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		g.Go(func() error {
			return deps.Archiver.Run(ctx, a.cfg.Archive.Interval.Duration, retention)
		})
	}
}

// startHTTPServer builds the handler set, launches the HTTP server on the
// errgroup, and registers a goroutine that shuts it down when ctx is done.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	health := handler.NewHealthHandler(map[string]handler.Pinger{
		"postgres": deps.PgClient,
		"redis":    deps.RedisClient,
	}, a.logger)

	var monitorCtl handler.MonitorControl
	if deps.Monitor != nil {
		monitorCtl = deps.Monitor
	}

	handlers := server.Handlers{
		Health:    health,
		Positions: handler.NewPositionHandler(deps.PositionStore, deps.ExitStore, deps.PriceCache, a.logger),
		Monitor:   handler.NewMonitorHandler(monitorCtl, a.logger),
		Audit:     handler.NewAuditHandler(deps.AuditStore, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("server shutdown", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})
}
