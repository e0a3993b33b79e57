package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/gateway"
	"github.com/jkaninda/toolgate/internal/gateway/auth"
	"github.com/jkaninda/toolgate/internal/gateway/httpapi"
	"github.com/jkaninda/toolgate/internal/gateway/mcp"
	"github.com/jkaninda/toolgate/internal/gateway/ws"
	"github.com/jkaninda/toolgate/internal/scheduler"
)

// StreamPath is where the live audit stream is mounted when enabled.
const StreamPath = "/v1/audit/stream"

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the enabled gateways (HTTP API, MCP over stdio)",
	Long: `Serve starts every enabled gateway and the maintenance scheduler, and
runs until interrupted. Gateways are enabled under "gateways" in the config;
--listen enables the HTTP API on the given address.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "listen", "", "enable the HTTP API on this address (e.g. :8080)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{}
		}
		cfg.Gateways.HTTP.Enabled = true
		cfg.Gateways.HTTP.ListenAddr = serveAddr
	}
	logger := newLogger(cfg.Logging, slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	var gateways []gateway.Gateway

	if h := cfg.Gateways.HTTP; h != nil && h.Enabled {
		g, hub, err := buildHTTPGateway(sc, h)
		if err != nil {
			return err
		}
		if hub != nil {
			// Added before any call is mediated; AddSink is startup-only.
			sc.Audit.AddSink(hub)
			defer hub.Close()
		}
		gateways = append(gateways, g)
	}

	if m := cfg.Gateways.MCP; m != nil && m.Enabled {
		g, err := buildMCPGateway(sc, m.Principal)
		if err != nil {
			return err
		}
		gateways = append(gateways, g)
	}

	if len(gateways) == 0 {
		return withCode(ExitConfig, errors.New("no gateway enabled: set gateways.http.enabled or gateways.mcp.enabled, or pass --listen"))
	}

	// Maintenance jobs.
	sched, err := buildScheduler(sc)
	if err != nil {
		return withCode(ExitConfig, err)
	}
	stopScheduler := sched.Start(ctx)
	defer stopScheduler()

	logger.Info("toolgate started",
		slog.String("version", version),
		slog.String("config", cfg.Source()),
		slog.Int("gateways", len(gateways)),
	)

	// The first gateway to return takes the others down with it.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(runCtx)
	for _, gw := range gateways {
		eg.Go(func() error {
			defer cancel()
			return gw.Start(egCtx)
		})
	}
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info("shutting down gateways")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		for i := len(gateways) - 1; i >= 0; i-- {
			if err := gateways[i].Stop(shutdownCtx); err != nil {
				logger.Error("gateway stop error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		return withCode(ExitUnavailable, err)
	}
	logger.Info("toolgate stopped")
	return nil
}

// buildHTTPGateway creates the HTTP API and, when streaming is on, the
// audit stream hub mounted next to it.
func buildHTTPGateway(sc *SharedComponents, h *config.HTTPGatewayConfig) (*httpapi.Gateway, *ws.Server, error) {
	cfg, logger := sc.Config, sc.Logger

	authenticator, err := auth.New(h, cfg.Security)
	if err != nil {
		return nil, nil, withCode(ExitConfig, err)
	}
	if !authenticator.Enabled() {
		logger.Warn("http gateway has no api keys or jwt secret; every /v1 request will be rejected")
	}

	hc := httpapi.Config{
		ListenAddr:     h.Addr(),
		EnableDocs:     h.EnableDocs,
		MaxRequestSize: h.RequestLimit(),
		Version:        version,
		HealthChecker:  sc.Obs.HealthOrNil(),
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		hc.Metrics = m
		hc.MetricsRegistry = m.Registry
		hc.MetricsPath = cfg.Observability.Metrics.MetricsPath()
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		hc.Tracer = ts.Tracer()
	}

	g := httpapi.NewGateway(hc, sc.Pipeline, authenticator, logger)
	if sc.Store != nil {
		g.WithAuditStore(sc.Store.Audit())
	}

	var hub *ws.Server
	if h.Stream {
		hub = ws.NewServer(ws.Config{}, authenticator, logger)
		g.WithHandler(StreamPath, hub.Handler())
		logger.Debug("audit stream enabled", slog.String("path", StreamPath))
	}
	return g, hub, nil
}

// buildMCPGateway serves the mediated tools over stdio as principal.
func buildMCPGateway(sc *SharedComponents, principal config.PrincipalConfig) (*mcp.Gateway, error) {
	if principal.UserID == "" {
		principal.UserID = "mcp"
	}
	p, err := sc.Config.Security.Principal(principal, "")
	if err != nil {
		return nil, withCode(ExitConfig, err)
	}
	return mcp.New(sc.Pipeline, p, version, sc.Logger)
}

func buildScheduler(sc *SharedComponents) (*scheduler.Scheduler, error) {
	cfg := sc.Config

	var reg *prometheus.Registry
	if m := sc.Obs.MetricsOrNil(); m != nil {
		reg = m.Registry
	}
	sched := scheduler.New(scheduler.NewMetrics(reg), sc.Logger)

	jobs := []scheduler.Job{
		scheduler.BucketPrune(sc.Limiter.Rate(), cfg.Limits.BucketIdleDuration()),
	}
	if sc.Anomaly != nil {
		jobs = append(jobs, scheduler.AnomalyPrune(sc.Anomaly))
	}
	if sc.Store != nil && cfg.Audit.RetentionDays > 0 {
		schedule := cfg.Audit.PruneSchedule
		if schedule == "" {
			schedule = "@daily"
		}
		jobs = append(jobs, scheduler.AuditRetention(sc.Store.Audit(), cfg.Audit.RetentionDuration(), schedule, nil))
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return nil, err
		}
	}
	return sched, nil
}
