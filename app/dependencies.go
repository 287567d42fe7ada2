package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/upb/crypto-control-plane/config"
	"github.com/upb/crypto-control-plane/internal/auth"
	"github.com/upb/crypto-control-plane/internal/observability"
	"github.com/upb/crypto-control-plane/middleware"
	"github.com/upb/crypto-control-plane/repositories"
	"github.com/upb/crypto-control-plane/repositories/postgres"
	"github.com/upb/crypto-control-plane/services/alerting"
	"github.com/upb/crypto-control-plane/services/dispatch"
	"github.com/upb/crypto-control-plane/services/executor"
	"github.com/upb/crypto-control-plane/services/inventory"
	"github.com/upb/crypto-control-plane/services/ledger"
	"github.com/upb/crypto-control-plane/services/orchestrator"
	"github.com/upb/crypto-control-plane/services/planner"
	"github.com/upb/crypto-control-plane/services/policy"
	"github.com/upb/crypto-control-plane/services/workflow"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies. This is the central
// wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	DB      *postgres.DB
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Repos     *repositories.Repositories
	TxManager repositories.TransactionManager

	// Core services
	Ledger       *ledger.Ledger
	Mirror       *ledger.RedisMirror
	Policies     *policy.Service
	Executor     *executor.Executor
	Dispatcher   *dispatch.Dispatcher
	Planner      planner.Planner
	Projector    *inventory.Projector
	Monitor      *inventory.Monitor
	Engine       *workflow.Engine
	Orchestrator *orchestrator.Service

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	policyCacheStop chan struct{}
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	deps.initObservability(cfg)

	if err := deps.initLedger(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize audit ledger: %w", err)
	}

	if err := deps.initPolicies(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize policy service: %w", err)
	}

	if err := deps.initExecution(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize tool execution: %w", err)
	}

	deps.initWorkflow(cfg)
	deps.initAuth(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase initializes the PostgreSQL connection, schema, and repositories
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := d.DB.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if err := factory.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.Repos = factory.NewRepositories()
	d.TxManager = factory.GetTransactionManager()

	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))

	return nil
}

// initObservability sets up Prometheus collectors
func (d *Dependencies) initObservability(cfg *config.Config) {
	if cfg.Observability.MetricsEnabled {
		d.Metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
		d.Logger.Info("metrics collectors registered")
	}
}

// initLedger opens the hash-chained audit ledger, with HMAC signing and the
// Redis mirror when configured
func (d *Dependencies) initLedger(ctx context.Context, cfg *config.Config) error {
	var signer ledger.Signer = ledger.NopSigner{}
	if cfg.Ledger.SigningKey != "" {
		signer = ledger.NewHMACSigner([]byte(cfg.Ledger.SigningKey))
		d.Logger.Info("ledger entry signing enabled")
	}

	var opts []ledger.Option
	if cfg.Ledger.MirrorEnabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Ledger.RedisAddr,
			Password: cfg.Ledger.RedisPassword,
			DB:       cfg.Ledger.RedisDB,
		})
		d.Mirror = ledger.NewRedisMirror(client, cfg.Ledger.MirrorChannel, d.Logger, ledger.DefaultMirrorConfig())
		opts = append(opts, ledger.WithMirror(d.Mirror))
		d.Logger.Info("ledger mirror configured",
			zap.String("addr", cfg.Ledger.RedisAddr),
			zap.String("channel", cfg.Ledger.MirrorChannel))
	}

	d.Ledger = ledger.NewLedger(d.Repos.AuditLedger, signer, d.Logger, opts...)
	if err := d.Ledger.Open(ctx); err != nil {
		return err
	}

	seq, _ := d.Ledger.Head()
	d.Logger.Info("audit ledger opened", zap.Uint64("head_sequence", seq))
	return nil
}

// initPolicies builds the policy engine and activates a baseline set when
// storage is empty
func (d *Dependencies) initPolicies(ctx context.Context, cfg *config.Config) error {
	engine, err := policy.NewEngine(d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}

	cache := policy.NewSetCache(cfg.Policy.CacheMaxSize, cfg.Policy.CacheTTL)
	d.Policies = policy.NewService(d.Repos.PolicySets, cache, engine, d.Logger)

	set, err := d.Policies.Bootstrap(ctx, cfg.Policy.BootstrapFile)
	if err != nil {
		return fmt.Errorf("policy bootstrap failed: %w", err)
	}

	d.policyCacheStop = make(chan struct{})
	d.Policies.StartCacheCleanup(cfg.Policy.CacheCleanup, d.policyCacheStop)

	d.Logger.Info("policy service ready",
		zap.Int("active_version", set.Version),
		zap.Bool("strict_mode", set.StrictMode))
	return nil
}

// initExecution builds the tool registry, executor, and worker dispatcher
func (d *Dependencies) initExecution(cfg *config.Config) error {
	registry, err := executor.DefaultRegistry()
	if err != nil {
		return fmt.Errorf("failed to build tool registry: %w", err)
	}

	d.Executor = executor.NewExecutor(registry, executor.DefaultConfig(), d.Logger)
	d.Dispatcher = dispatch.NewDispatcher(cfg.Workflow.QueueSize, d.Logger)
	d.Planner = planner.NewTemplatePlanner(cfg.Workflow.StepTimeout, d.Logger)

	return nil
}

// initWorkflow wires the workflow engine, inventory projector, expiry
// monitor, and orchestrator facade
func (d *Dependencies) initWorkflow(cfg *config.Config) {
	notifier := alerting.NewLogNotifier(d.Logger)

	d.Projector = inventory.NewProjector(d.Repos.Inventory, d.TxManager, d.Ledger, d.Logger)

	monitorCfg := inventory.DefaultMonitorConfig()
	monitorCfg.Interval = cfg.Monitor.Interval
	monitorCfg.WarnWindow = cfg.Monitor.WarnWindow
	d.Monitor = inventory.NewMonitor(d.Projector, d.Repos.Inventory, notifier, monitorCfg, d.Logger)

	engineCfg := &workflow.Config{
		StepAttempts:        uint(cfg.Workflow.StepAttempts),
		CommitTimeout:       cfg.Workflow.CommitTimeout,
		CompensationTimeout: cfg.Workflow.CompensationTimeout,
	}

	opts := []workflow.Option{workflow.WithReports(d.Repos.Reports)}
	if d.Metrics != nil {
		opts = append(opts, workflow.WithMetrics(d.Metrics))
	}

	d.Engine = workflow.NewEngine(
		d.Policies,
		d.Executor,
		d.Dispatcher,
		d.Projector,
		d.Ledger,
		d.Repos.Runs,
		notifier,
		engineCfg,
		d.Logger,
		opts...,
	)

	// Runs outlive the requests that submit them; their base context is
	// cancelled only through Orchestrator.Shutdown.
	d.Orchestrator = orchestrator.NewService(context.Background(), d.Planner, d.Engine, d.Repos.Runs, d.Logger)
}

// initAuth wires the bearer token validator into the HTTP middleware
func (d *Dependencies) initAuth(cfg *config.Config) {
	validator := auth.NewHMACValidator(auth.Config{
		Secret: cfg.Auth.JWTSecret,
		Issuer: cfg.Auth.Issuer,
	})
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)

	if cfg.Auth.JWTSecret == "" {
		d.Logger.Warn("no JWT secret configured, all API requests will be rejected")
	}
}

// Start launches the background workers: the dispatcher's worker pool, the
// ledger mirror, and the certificate expiry monitor
func (d *Dependencies) Start() error {
	if err := d.Dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	if d.Mirror != nil {
		if err := d.Mirror.Start(); err != nil {
			return fmt.Errorf("failed to start ledger mirror: %w", err)
		}
	}
	if d.Config.Monitor.Enabled {
		if err := d.Monitor.Start(); err != nil {
			return fmt.Errorf("failed to start expiry monitor: %w", err)
		}
	}
	return nil
}

// Close gracefully shuts down all dependencies. Order matters: stop
// accepting work, drain in-flight runs, then stop the workers they depend
// on, and close storage last.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	timeout := d.Config.Server.ShutdownTimeout

	if d.Orchestrator != nil {
		if err := d.Orchestrator.Shutdown(timeout); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
		}
	}

	if d.Monitor != nil {
		d.Monitor.Stop()
	}

	if d.Dispatcher != nil {
		if err := d.Dispatcher.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher shutdown: %w", err))
		}
	}

	if d.Mirror != nil {
		if err := d.Mirror.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("ledger mirror shutdown: %w", err))
		}
	}

	if d.policyCacheStop != nil {
		close(d.policyCacheStop)
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
