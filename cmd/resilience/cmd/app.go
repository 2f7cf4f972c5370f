package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/bargom/resilience/internal/admission"
	"github.com/bargom/resilience/internal/api"
	"github.com/bargom/resilience/internal/api/handlers"
	"github.com/bargom/resilience/internal/auth"
	"github.com/bargom/resilience/internal/config"
	"github.com/bargom/resilience/internal/delivery"
	"github.com/bargom/resilience/internal/delivery/sqlstore"
	"github.com/bargom/resilience/internal/delivery/target"
	"github.com/bargom/resilience/internal/failover"
	"github.com/bargom/resilience/internal/health"
	"github.com/bargom/resilience/internal/health/checks"
	"github.com/bargom/resilience/internal/scheduler"
	schedhandlers "github.com/bargom/resilience/internal/scheduler/handlers"
	"github.com/bargom/resilience/internal/shutdown"
	"github.com/bargom/resilience/internal/shutdown/hooks"
	"github.com/bargom/resilience/pkg/metrics"
)

// errNoTargets is the delivery error when no targets are configured, so
// every queued event ends in the dead letters.
var errNoTargets = errors.New("no delivery targets configured")

// app holds the wired components of the server.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	metrics   *metrics.Registry
	admission *admission.Controller
	redis     redis.UniversalClient
	archive   *sqlstore.Store
	failover  *failover.Registry
	targets   *target.Client
	queue     *delivery.Queue
	scheduler *scheduler.Scheduler
	interval  *scheduler.Interval
	health    *health.Registry
	server    *api.Server
	shutdown  *shutdown.Manager

	closers []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

// buildApp wires every component from cfg. Nothing is started.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		shutdown: shutdown.NewManager(cfg.Shutdown, logger),
	}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewRegistry(cfg.Metrics.Config)
	}

	if err := a.buildAdmission(); err != nil {
		return nil, err
	}
	if err := a.buildArchive(ctx); err != nil {
		return nil, err
	}
	if err := a.buildFailover(); err != nil {
		return nil, err
	}
	if err := a.buildQueue(); err != nil {
		return nil, err
	}
	a.buildScheduler()
	a.buildHealth()
	if err := a.buildServer(); err != nil {
		return nil, err
	}
	a.registerShutdownHooks()

	return a, nil
}

func (a *app) buildAdmission() error {
	controller, client, err := newAdmissionController(a.cfg, a.logger, admission.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.admission = controller
	if client != nil {
		a.redis = client
		a.closers = append(a.closers, namedCloser{"redis", client})
	}
	return nil
}

func (a *app) buildArchive(ctx context.Context) error {
	if !a.cfg.Delivery.Archive.Enabled {
		return nil
	}
	store, err := sqlstore.Open(a.cfg.Delivery.Archive.Config)
	if err != nil {
		return fmt.Errorf("opening dead-letter archive: %w", err)
	}
	a.archive = store
	a.closers = append(a.closers, namedCloser{"dead-letter-archive", store})

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating dead-letter archive: %w", err)
	}
	return nil
}

// httpProbe probes providers named by http(s) URLs and reports every
// other provider healthy.
func httpProbe(c *target.Client) failover.HealthCheckFunc {
	probe := c.HealthCheck()
	return func(ctx context.Context, provider string) failover.HealthResult {
		if strings.HasPrefix(provider, "http://") || strings.HasPrefix(provider, "https://") {
			return probe(ctx, provider)
		}
		return failover.AlwaysHealthy(ctx, provider)
	}
}

func (a *app) buildFailover() error {
	a.targets = target.NewClient(target.Config{
		Timeout: a.cfg.Delivery.RequestTimeout,
		Secret:  a.cfg.Delivery.Secret,
	})

	a.failover = failover.NewRegistry(
		failover.WithLogger(a.logger),
		failover.WithMetrics(a.metrics),
		failover.WithHealthCheckTimeout(a.cfg.Failover.HealthCheckTimeout),
		failover.WithHealthCheck(httpProbe(a.targets)),
	)

	for name, mcfg := range a.cfg.Failover.Managers {
		if _, err := a.failover.Register(name, mcfg); err != nil {
			return err
		}
	}

	targets := a.cfg.Delivery.Targets
	if len(targets) == 0 {
		return nil
	}
	_, err := a.failover.Register(target.ManagerName, failover.Config{
		PrimaryProvider:   targets[0],
		FallbackProviders: targets[1:],
	})
	return err
}

func (a *app) deliverFunc() delivery.DeliverFunc {
	m, ok := a.failover.Get(target.ManagerName)
	if !ok || len(a.cfg.Delivery.Targets) == 0 {
		return func(context.Context, delivery.RetryItem) error { return errNoTargets }
	}
	return target.Deliverer(m, a.targets)
}

func (a *app) buildQueue() error {
	opts := []delivery.Option{
		delivery.WithLogger(a.logger),
		delivery.WithMetrics(a.metrics),
	}
	if a.archive != nil {
		opts = append(opts, delivery.WithArchive(a.archive))
	}
	if a.cfg.Delivery.DispatchRate > 0 {
		burst := max(a.cfg.Delivery.DispatchBurst, 1)
		opts = append(opts, delivery.WithDispatchLimit(rate.Limit(a.cfg.Delivery.DispatchRate), burst))
	}

	q, err := delivery.NewQueue(a.cfg.Delivery.Config, a.deliverFunc(), opts...)
	if err != nil {
		return err
	}
	a.queue = q
	return nil
}

func (a *app) buildScheduler() {
	if a.cfg.Scheduler.Enabled {
		mux := schedhandlers.New(a.queue, a.failover, a.logger).Mux()
		a.scheduler = scheduler.New(a.cfg.Scheduler, mux, a.logger)
		return
	}
	a.interval = scheduler.NewInterval(a.cfg.Scheduler.ProcessInterval, func(ctx context.Context) {
		a.queue.ProcessQueue(ctx)
	}, a.logger)
}

func (a *app) buildHealth() {
	a.health = health.NewRegistry(Version, health.WithTimeout(a.cfg.Failover.HealthCheckTimeout))
	a.health.Register(
		checks.AdmissionChecker(a.admission),
		checks.QueueChecker(a.queue, a.cfg.Delivery.DeadLetterAlert),
		checks.FailoverChecker(a.failover),
	)
	if a.archive != nil {
		a.health.Register(checks.NewArchiveChecker(a.archive.DB()))
	}
	if a.redis != nil {
		a.health.Register(checks.NewRedisChecker(a.redis))
	}
}

// adminAuth returns the /admin guard. Without a verification key every
// token is rejected, so admin routes stay closed unless explicitly opened.
func (a *app) adminAuth() (func(http.Handler) http.Handler, error) {
	if a.cfg.Admin.AllowUnauthenticated {
		a.logger.Warn("admin endpoints are unauthenticated")
		return nil, nil
	}
	v, err := auth.NewValidator(a.cfg.Admin.Auth, a.logger)
	if err != nil {
		return nil, fmt.Errorf("admin auth: %w", err)
	}
	if !a.cfg.Admin.Auth.Configured() {
		a.logger.Warn("no admin token key configured, admin endpoints reject every request")
	}
	return auth.RequireToken(v), nil
}

func (a *app) buildServer() error {
	adminAuth, err := a.adminAuth()
	if err != nil {
		return err
	}
	trusted, err := api.ParseTrustedProxies(a.cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	opts := []handlers.Option{handlers.WithLogger(a.logger)}
	if a.archive != nil {
		opts = append(opts, handlers.WithArchive(a.archive))
	}
	if a.scheduler != nil {
		opts = append(opts, handlers.WithProcessTrigger(a.scheduler))
	}
	h := handlers.NewHandler(a.queue, a.failover, opts...)

	router := api.NewRouter(h, api.RouterConfig{
		Health:         health.NewHandler(a.health),
		Metrics:        a.metrics,
		MetricsPath:    a.cfg.Metrics.Path,
		Admission:      a.admission,
		GeneralPreset:  a.cfg.Admission.Preset(admission.GeneralPreset()),
		WebhookPreset:  a.cfg.Admission.Preset(admission.WebhookPreset()),
		AdminAuth:      adminAuth,
		TrustedProxies: trusted,
		Logger:         a.logger,
	})

	a.server = api.NewServer(router, a.cfg.Server.Addr(), api.ServerTimeouts{
		Read:  a.cfg.Server.ReadTimeout,
		Write: a.cfg.Server.WriteTimeout,
		Idle:  a.cfg.Server.IdleTimeout,
	})
	return nil
}

func (a *app) registerShutdownHooks() {
	a.shutdown.RegisterHook(hooks.HTTPServerShutdown(a.server))
	if a.scheduler != nil {
		a.shutdown.RegisterHook(hooks.SchedulerShutdown(a.scheduler))
	} else {
		a.shutdown.RegisterHook(hooks.SchedulerShutdown(a.interval))
	}
	a.shutdown.RegisterHook(hooks.StopLoop("admission-sweep", a.admission.Local()))
	a.shutdown.RegisterHook(hooks.DestroyFailover(a.failover))
	a.shutdown.RegisterHook(hooks.FlushQueue(a.queue))
	for _, c := range a.closers {
		a.shutdown.RegisterHook(hooks.Close(c.name, c.c))
	}
}

// start launches the background loops. The HTTP server is started by serve.
func (a *app) start(ctx context.Context) error {
	a.admission.Local().Start(ctx)
	a.failover.StartAll(ctx)
	if a.scheduler != nil {
		if err := a.scheduler.Start(); err != nil {
			return err
		}
	} else {
		a.interval.Start(ctx)
	}
	return nil
}

// serve accepts connections on l until the server is shut down.
func (a *app) serve(l net.Listener) error {
	return a.server.Serve(l)
}

// closeAll releases connections opened during a failed build.
func (a *app) closeAll() {
	for _, c := range a.closers {
		if err := c.c.Close(); err != nil {
			a.logger.Warn("closing after failed start", "name", c.name, "error", err)
		}
	}
}
