package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/kazi/internal/bus"
	"github.com/jkaninda/kazi/internal/capability"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/gateway/httpapi"
	"github.com/jkaninda/kazi/internal/gateway/ws"
	"github.com/jkaninda/kazi/internal/heartbeat"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/orchestrator"
	"github.com/jkaninda/kazi/internal/ratelimit"
	"github.com/jkaninda/kazi/internal/resilience"
	"github.com/jkaninda/kazi/internal/router"
	"github.com/jkaninda/kazi/internal/scheduler"
	"github.com/jkaninda/kazi/internal/secure"
	"github.com/jkaninda/kazi/internal/store"
	"github.com/jkaninda/kazi/internal/store/sqlstore"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator server (HTTP API + agent WebSocket gateway)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `kazi --config path` and `kazi serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the orchestrator server.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("KAZI_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateway.HTTP == nil {
			cfg.Gateway.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateway.HTTP.ListenAddr = servePort
	}

	logger.Info("starting server", slog.String("config", serveConfigPath))

	srv, err := buildServer(cfg, logger)
	if err != nil {
		return err
	}
	defer srv.close()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.run(ctx)
}

// server wires every component of a single orchestrator process.
type server struct {
	cfg    *config.Config
	logger *slog.Logger

	obs    *observability.Observability
	st     store.Store
	bus    *bus.Bus
	orch   *orchestrator.Orchestrator
	sched  *scheduler.Scheduler
	ws     *ws.Server
	httpGW *httpapi.Gateway
}

// buildServer assembles the component graph from config. Nothing is
// started; run drives the long-lived pieces.
func buildServer(cfg *config.Config, logger *slog.Logger) (*server, error) {
	var reg *prometheus.Registry
	if cfg.Observability != nil && cfg.Observability.Metrics != nil && cfg.Observability.Metrics.Enabled {
		reg = prometheus.NewRegistry()
	}

	obs, err := observability.New(cfg.Observability, reg, logger)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	sealer, err := secure.New(cfg.MessagingSecret, logger, secure.NewMetrics(reg))
	if err != nil {
		return nil, fmt.Errorf("messaging sealer: %w", err)
	}

	b := bus.New(logger, bus.NewMetrics(reg))

	breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{
		Threshold: uint32(cfg.Resilience.Threshold()),
		Timeout:   cfg.Resilience.BreakerTimeout(),
	}, resilience.NewMetrics(reg), logger)

	monitor := heartbeat.NewMonitor(heartbeat.Config{
		Interval: cfg.Heartbeat.Interval(),
		TTL:      cfg.Heartbeat.TTL(),
	}, st, logger)

	wsCfg := ws.Config{
		RegisterTimeout: cfg.Gateway.WebSocket.RegisterTimeout(),
		WriteTimeout:    cfg.Gateway.WebSocket.WriteTimeout(),
		ProbeTimeout:    cfg.Gateway.WebSocket.ProbeTimeout(),
	}
	if wc := cfg.Gateway.WebSocket; wc != nil {
		wsCfg.AgentToken = wc.AgentToken
	}
	wsServer := ws.NewServer(wsCfg, b, sealer, monitor, logger, ws.NewMetrics(reg))

	matcherOpts := capability.Options{
		CapabilityTimeout: cfg.Matcher.CapabilityTimeout(),
	}
	if m := cfg.Matcher; m != nil {
		matcherOpts.DefaultProficiency = m.DefaultProficiency
		matcherOpts.Threshold = m.Threshold
		matcherOpts.EMAAlpha = m.EMAAlpha
	}
	registry := capability.NewRegistry(matcherOpts,
		&capability.PromptProber{Exec: wsServer.Probe},
		logger, capability.NewMetrics(reg))

	var routerOpts router.Options
	if r := cfg.Router; r != nil {
		routerOpts = router.Options{
			WorkspaceDir: r.WorkspaceDir,
			MaxFileBytes: r.MaxFileBytes,
		}
	}
	rt := router.New(routerOpts, logger, router.NewMetrics(reg))

	orch := orchestrator.New(orchestrator.Config{
		ID:                  cfg.Orchestrator.ID,
		TickInterval:        cfg.Orchestrator.TickInterval(),
		TaskTimeout:         cfg.Orchestrator.TaskTimeout(),
		MaxRetries:          cfg.Orchestrator.MaxRetries,
		QueueWeights:        cfg.Orchestrator.QueueWeights,
		AssignBurst:         cfg.Orchestrator.AssignBurst,
		DeadLetterThreshold: cfg.Orchestrator.DeadLetterThreshold,
		FailureBatch:        cfg.Orchestrator.FailureBatch,
		MigrateBatch:        cfg.Orchestrator.MigrateBatch,
		Tracer:              obs.TracerOrNil().Tracer(),
	}, st, registry, b, breakers, logger, orchestrator.NewMetrics(reg))

	sched := scheduler.New(logger, scheduler.NewMetrics(reg))
	sweeps := []scheduler.Job{
		{Name: "stuck-scan", Spec: cfg.Sweeps.StuckScanSpec(), Run: orch.ScanStuck},
		{Name: "failure-sweep", Spec: cfg.Sweeps.FailureSweepSpec(), Run: orch.ProcessFailures},
		{Name: "balance", Spec: cfg.Sweeps.BalanceSpec(), Run: orch.Balance},
		{Name: "health-publish", Spec: cfg.Sweeps.HealthPublishSpec(), Run: orch.PublishHealth},
		{Name: "stale-agents", Spec: cfg.Sweeps.StaleAgentsSpec(), Run: func(ctx context.Context) error {
			monitor.CheckStale(ctx)
			return nil
		}},
		{Name: "discovery", Spec: cfg.Sweeps.DiscoverySpec(), Run: registry.ProbeStale},
	}
	for _, job := range sweeps {
		if err := sched.Add(job); err != nil {
			return nil, fmt.Errorf("scheduling %s: %w", job.Name, err)
		}
	}

	var httpGW *httpapi.Gateway
	if hc := cfg.Gateway.HTTP; hc != nil && hc.Enabled {
		limiter := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: hc.RateLimit.RequestsPerMinute,
			BurstSize:         hc.RateLimit.BurstSize,
		})

		// API key → user ID mapping from config + env override.
		apiKeys := hc.APIKeyUserMapping
		if apiKeys == nil {
			apiKeys = make(map[string]string)
		}
		if envKeys := os.Getenv("KAZI_API_KEYS"); envKeys != "" {
			for _, entry := range strings.Split(envKeys, ",") {
				parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
				if len(parts) == 2 {
					apiKeys[parts[0]] = parts[1]
				}
			}
		}

		httpCfg := httpapi.Config{
			ListenAddr:     hc.Addr(),
			EnableDocs:     hc.EnableDocs,
			APIKeys:        apiKeys,
			MaxRequestSize: hc.MaxRequestSizeBytes,
			MetricsPath:    hc.MetricsPath,
		}
		if obs != nil {
			httpCfg.Metrics = obs.Metrics
			httpCfg.HealthChecker = obs.Health
			if obs.Metrics != nil {
				httpCfg.MetricsRegistry = obs.Metrics.Registry
			}
			if obs.Tracer != nil {
				httpCfg.Tracer = obs.Tracer.Tracer()
			}
			obs.Health.AddCheck("store", st.Ping)
		}

		httpGW = httpapi.NewGateway(httpCfg, orch, st, rt, b, limiter, logger)

		// Agents connect over the same listener as the operator API.
		httpGW.WithHandler(cfg.Gateway.WebSocket.WSPath(), wsServer.Handler())
	} else {
		logger.Warn("http gateway disabled; agent websocket endpoint not exposed")
	}

	return &server{
		cfg:    cfg,
		logger: logger,
		obs:    obs,
		st:     st,
		bus:    b,
		orch:   orch,
		sched:  sched,
		ws:     wsServer,
		httpGW: httpGW,
	}, nil
}

// run drives the orchestrator loop, the sweep scheduler, and the HTTP
// gateway until ctx is canceled or one of them fails.
func (s *server) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.orch.Run(gctx) })
	g.Go(func() error { return s.sched.Run(gctx) })
	if s.httpGW != nil {
		g.Go(func() error {
			err := s.httpGW.Start(gctx)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		// StartServer blocks; stop it once the group context ends.
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return s.httpGW.Stop(shutdownCtx)
		})
	}

	s.logger.Info("server started",
		slog.String("orchestrator_id", s.orch.ID()),
		slog.String("store", s.cfg.Store.StoreDriver()),
	)

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// close releases resources in reverse dependency order.
func (s *server) close() {
	s.bus.Close()
	if err := s.st.Close(); err != nil {
		s.logger.Error("closing store", slog.String("error", err.Error()))
	}
	if s.obs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.obs.Shutdown(ctx)
	}
}

// openStore selects the persistence backend from config.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.StoreDriver() {
	case "sqlite":
		var journalMode string
		if cfg.Store.SQLite != nil {
			journalMode = cfg.Store.SQLite.JournalMode
		}
		return sqlstore.Open(sqlstore.Config{
			Driver:      sqlstore.DriverSQLite,
			Path:        cfg.DatabasePath(),
			JournalMode: journalMode,
		}, logger)
	case "postgres":
		pg := cfg.Store.Postgres
		size := pg.MaxOpenConns
		if size <= 0 {
			size = 25
		}
		// One SQL connection per pooled handle; handles that report
		// domain.ErrStoreUnavailable are discarded, not reused. The dial
		// retries with backoff so a database that comes up after us does
		// not fail the whole server start.
		open := func(ctx context.Context) (store.Store, error) {
			var st store.Store
			err := resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
				var openErr error
				st, openErr = sqlstore.Open(sqlstore.Config{
					Driver:          sqlstore.DriverPostgres,
					DSN:             pg.DSN,
					MaxOpenConns:    1,
					MaxIdleConns:    1,
					ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
				}, logger)
				return openErr
			})
			return st, err
		}
		return store.NewPooled(size, open), nil
	default:
		return store.NewInMemory(), nil
	}
}
