package mintd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/holiman/uint256"

	"dailymint/core/events"
	"dailymint/core/state"
	"dailymint/core/types"
	"dailymint/crypto"
	"dailymint/native/market"
	"dailymint/native/subscription"
	"dailymint/observability"
	"dailymint/observability/logging"
	telemetry "dailymint/observability/otel"
	"dailymint/services/mintd/index"
	"dailymint/services/mintd/middleware"
	"dailymint/storage"
)

// PassphraseFunc resolves the operator keystore passphrase. envVar names the
// environment variable configured for it.
type PassphraseFunc func(envVar string) (string, error)

// Daemon holds the wired components of a running mintd instance.
type Daemon struct {
	Config    Config
	Logger    *slog.Logger
	Operator  types.Address
	Engine    *subscription.Engine
	Market    *market.Ledger
	Planner   *Planner
	Scheduler *Scheduler
	Index     *index.Index
	Stream    *events.Broadcaster
	Auth      *middleware.Authenticator
	Server    *Server

	closers []io.Closer
}

// Main initialises and runs the mint daemon.
func Main(args []string, passphrase PassphraseFunc) error {
	fs := flag.NewFlagSet("mintd", flag.ContinueOnError)
	cfgPath := fs.String("config", "services/mintd/config.yaml", "path to mintd configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("MINTD_ENV"))
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryConfig(env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon, err := Build(cfg, env, passphrase)
	if err != nil {
		return err
	}
	defer daemon.Close()
	return daemon.Serve(stopCtx)
}

func telemetryConfig(env string) telemetry.Config {
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	enabled := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")) != ""
	return telemetry.Config{
		ServiceName: "mintd",
		Environment: env,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     enabled,
		Traces:      enabled,
		SampleRatio: telemetry.ParseRatio(os.Getenv("OTEL_TRACES_SAMPLER_ARG")),
	}
}

// Build wires storage, the engine and its collaborators, the event index and
// the API server from cfg. The caller owns the returned daemon and must Close it.
func Build(cfg Config, env string, passphrase PassphraseFunc) (*Daemon, error) {
	d := &Daemon{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = d.Close()
		}
	}()

	var fileCfg *logging.FileConfig
	if strings.TrimSpace(cfg.Log.File) != "" {
		fileCfg = &logging.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
	}
	logger, logCloser := logging.SetupWithOptions("mintd", env, logging.Options{
		Level: logging.ParseLevel(cfg.Log.Level),
		File:  fileCfg,
	})
	d.Logger = logger
	d.closers = append(d.closers, logCloser)

	db, err := openStorage(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, db)
	manager := state.NewManager(db)
	if err := state.EnsureStateVersion(manager, cfg.AllowMigrate); err != nil {
		return nil, fmt.Errorf("state version: %w", err)
	}

	vault, _ := types.ParseAddress(cfg.Identities.Vault)
	owner, _ := types.ParseAddress(cfg.Identities.Owner)
	operator, err := resolveOperator(cfg, passphrase, logger)
	if err != nil {
		return nil, err
	}
	d.Operator = operator

	oracle, err := buildOracle(cfg.Oracle)
	if err != nil {
		return nil, err
	}

	treasury := owner
	if strings.TrimSpace(cfg.Market.Treasury) != "" {
		treasury, _ = types.ParseAddress(cfg.Market.Treasury)
	}
	d.Market = market.NewLedgerWithStore(manager.Market(), treasury, cfg.Market.DailySupply)
	opening := make(map[types.Address]*uint256.Int, len(cfg.Market.Balances))
	for raw, balance := range cfg.Market.Balances {
		addr, err := types.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("market.balances: %w", err)
		}
		amount, err := market.ParseAmount(balance)
		if err != nil {
			return nil, fmt.Errorf("market.balances[%s]: %w", raw, err)
		}
		opening[addr] = amount
	}
	seeded, err := d.Market.Seed(opening)
	if err != nil {
		return nil, fmt.Errorf("market.balances: %w", err)
	}
	if !seeded && len(opening) > 0 {
		logger.Info("market book already seeded; ignoring market.balances")
	}

	gormDB, err := index.Open(cfg.Index.Driver, cfg.Index.DSN)
	if err != nil {
		return nil, err
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		d.closers = append(d.closers, sqlDB)
	}
	d.Index = index.New(gormDB, logger.With("component", "index"))
	d.Stream = events.NewBroadcaster(cfg.Stream.Backlog)

	store := manager.Subscriptions()
	d.Engine = subscription.NewEngine(subscription.Config{
		Vault:         vault,
		Operator:      operator,
		Owner:         owner,
		InitialFeeBps: cfg.InitialFeeBps,
	})
	d.Engine.SetState(store)
	d.Engine.SetOracle(oracle)
	d.Engine.SetSettlementLedger(d.Market)
	d.Engine.SetLogger(logger.With("component", "engine"))
	d.Engine.SetEmitter(events.Multi{d.Stream, d.Index, observability.Events()})

	var directory Directory = StateDirectory{Store: store}
	if cfg.Scheduler.UseIndex {
		directory = d.Index
	}
	d.Planner = NewPlanner(directory, d.Engine, oracle)
	schedulerOpts := []SchedulerOption{
		WithInterval(cfg.Scheduler.Interval.Duration),
		WithLogger(logger.With("component", "scheduler")),
	}
	if dir := strings.TrimSpace(cfg.Index.ReportDir); dir != "" {
		schedulerOpts = append(schedulerOpts, WithReporter(index.Reporter{Index: d.Index, Dir: dir}))
	}
	d.Scheduler = NewScheduler(d.Engine, d.Planner, operator, schedulerOpts...)
	if cfg.Scheduler.PauseOnStart {
		d.Scheduler.Pause()
	}

	d.Auth, err = middleware.NewAuthenticator(middleware.AuthConfig{
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, logger.With("component", "auth"))
	if err != nil {
		return nil, err
	}
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"mutate": {RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst},
	})
	d.Server, err = NewServer(ServerDeps{
		Engine:    d.Engine,
		Scheduler: d.Scheduler,
		Planner:   d.Planner,
		Index:     d.Index,
		Stream:    d.Stream,
		Auth:      d.Auth,
		Limiter:   limiter,
		Logger:    logger.With("component", "api"),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("mintd configured", configSummary(cfg, vault, owner, operator)...)
	ok = true
	return d, nil
}

// configSummary lists the settings logged at startup. Secrets and
// connection strings go through the logging masks.
func configSummary(cfg Config, vault, owner, operator types.Address) []any {
	return []any{
		"vault", vault.Hex(),
		"owner", owner.Hex(),
		"operator", operator.Hex(),
		"oracle", cfg.Oracle.Kind,
		logging.MaskURL("oracle_endpoint", cfg.Oracle.Endpoint),
		logging.MaskField("oracle_api_key", cfg.Oracle.APIKey),
		"driver", cfg.Index.Driver,
		logging.MaskField("index_dsn", cfg.Index.DSN),
		logging.MaskField("auth_issuer", cfg.Auth.Issuer),
	}
}

func openStorage(dataDir string) (storage.Database, error) {
	if strings.TrimSpace(dataDir) == "" {
		return storage.NewMemDB(), nil
	}
	path := filepath.Join(dataDir, "state")
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return db, nil
}

func resolveOperator(cfg Config, passphrase PassphraseFunc, logger *slog.Logger) (types.Address, error) {
	if raw := strings.TrimSpace(cfg.Identities.Operator); raw != "" {
		return types.ParseAddress(raw)
	}
	if passphrase == nil {
		return types.Address{}, errors.New("operator keystore configured but no passphrase source available")
	}
	secret, err := passphrase(cfg.Operator.PassphraseEnv)
	if err != nil {
		return types.Address{}, fmt.Errorf("operator passphrase: %w", err)
	}
	var key *crypto.PrivateKey
	if cfg.Operator.Create {
		var created bool
		key, created, err = crypto.LoadOrCreateKeystore(cfg.Operator.KeystorePath, secret, crypto.StandardScrypt)
		if err == nil && created {
			logger.Warn("generated new operator key", "keystore", cfg.Operator.KeystorePath)
		}
	} else {
		key, err = crypto.LoadFromKeystore(cfg.Operator.KeystorePath, secret)
	}
	if err != nil {
		return types.Address{}, fmt.Errorf("operator keystore: %w", err)
	}
	return types.Address(key.PubKey().Address()), nil
}

func buildOracle(cfg OracleConfig) (subscription.PriceOracle, error) {
	if cfg.Kind == OracleHTTP {
		client := &http.Client{Timeout: cfg.Timeout.Duration}
		oracle, err := market.NewHTTPOracle(client, cfg.Endpoint, cfg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("oracle: %w", err)
		}
		return oracle, nil
	}
	price, err := market.ParseAmount(cfg.Price)
	if err != nil {
		return nil, fmt.Errorf("oracle.price: %w", err)
	}
	manual := market.NewManualOracle(price, cfg.Day)
	if cfg.Kind == OracleClock {
		genesis, err := time.Parse(time.RFC3339, cfg.Genesis)
		if err != nil {
			return nil, fmt.Errorf("oracle.genesis: %w", err)
		}
		return market.NewClockOracle(manual, genesis, cfg.DayLength.Duration), nil
	}
	return manual, nil
}

// Serve runs the API server and, when enabled, the scheduler until ctx is
// cancelled or the listener fails.
func (d *Daemon) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              d.Config.ListenAddress,
		Handler:           d.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	schedulerDone := make(chan struct{})
	if d.Config.Scheduler.Enabled {
		go func() {
			defer close(schedulerDone)
			_ = d.Scheduler.Run(runCtx)
		}()
	} else {
		close(schedulerDone)
	}

	errs := make(chan error, 1)
	go func() {
		d.Logger.Info("mintd listening", "addr", d.Config.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			serveErr = err
		}
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}
	cancel()
	<-schedulerDone
	return serveErr
}

// IssueToken signs a bearer token for subject with the configured secret.
func (d *Daemon) IssueToken(subject types.Address, ttl time.Duration, scopes ...string) (string, error) {
	if d == nil || d.Auth == nil {
		return "", errors.New("mintd: authenticator not configured")
	}
	return d.Auth.Issue(subject, ttl, scopes...)
}

// Close releases storage handles and the log sink in reverse order.
func (d *Daemon) Close() error {
	var firstErr error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.closers = nil
	return firstErr
}
