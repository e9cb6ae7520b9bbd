package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/cfoagent/internal/agentstate"
	"github.com/alanyoungcy/cfoagent/internal/approval"
	s3blob "github.com/alanyoungcy/cfoagent/internal/blob/s3"
	"github.com/alanyoungcy/cfoagent/internal/bus"
	"github.com/alanyoungcy/cfoagent/internal/bus/kafka"
	"github.com/alanyoungcy/cfoagent/internal/cache/local"
	"github.com/alanyoungcy/cfoagent/internal/cache/redis"
	"github.com/alanyoungcy/cfoagent/internal/config"
	"github.com/alanyoungcy/cfoagent/internal/crypto"
	"github.com/alanyoungcy/cfoagent/internal/domain"
	"github.com/alanyoungcy/cfoagent/internal/executor"
	"github.com/alanyoungcy/cfoagent/internal/ledger"
	"github.com/alanyoungcy/cfoagent/internal/notify"
	"github.com/alanyoungcy/cfoagent/internal/orders"
	"github.com/alanyoungcy/cfoagent/internal/pause"
	"github.com/alanyoungcy/cfoagent/internal/producer"
	"github.com/alanyoungcy/cfoagent/internal/recovery"
	"github.com/alanyoungcy/cfoagent/internal/scheduler"
	"github.com/alanyoungcy/cfoagent/internal/server/handler"
	"github.com/alanyoungcy/cfoagent/internal/store/memory"
	"github.com/alanyoungcy/cfoagent/internal/store/postgres"
	"github.com/alanyoungcy/cfoagent/internal/venue"
	"github.com/alanyoungcy/cfoagent/internal/venue/paper"
)

// Dependencies bundles every component the run modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	StartedAt time.Time

	// Stores
	Positions    domain.PositionStore
	Transactions domain.TransactionStore
	Snapshots    domain.SnapshotStore
	AgentStates  domain.AgentStateStore
	Cycles       domain.CycleStore

	// Coordination
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Core
	State     *agentstate.Store
	Ledger    *ledger.Ledger
	Tracker   *orders.Tracker
	Venues    *venue.Registry
	Executor  *executor.Executor
	Approvals *approval.Workflow
	Pause     *pause.Controller
	Producer  *producer.Stream
	Scheduler *scheduler.Scheduler
	Monitor   *orders.Monitor
	Recovery  *recovery.Recovery

	// Edges
	Bus      *bus.Client
	Notifier *notify.Notifier
	Wallet   *crypto.Wallet
	Archiver domain.Archiver // nil unless [s3] is enabled
	Health   []handler.Check
}

// Option customizes Wire.
type Option func(*wireOptions)

type wireOptions struct {
	venues map[string]domain.Venue
}

// WithVenue supplies the adapter for a non-paper venue configured under
// [venues.<name>].
func WithVenue(name string, v domain.Venue) Option {
	return func(o *wireOptions) { o.venues[name] = v }
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Dependencies, func(), error) {
	o := &wireOptions{venues: make(map[string]domain.Venue)}
	for _, opt := range opts {
		opt(o)
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{StartedAt: time.Now().UTC()}

	// --- Stores and coordination ---
	if cfg.Paper() {
		deps.Positions = memory.NewPositionStore()
		deps.Transactions = memory.NewTransactionStore()
		deps.Snapshots = memory.NewSnapshotStore()
		deps.AgentStates = memory.NewAgentStateStore()
		deps.Cycles = memory.NewCycleStore()
		deps.LockManager = local.NewLockManager()
		deps.SignalBus = local.NewSignalBus()
	} else {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
			AppName:  "cfo-" + cfg.Agent.ID,
			// Queries are bounded by the cycle timeout.
			StatementTimeout: cfg.Agent.CycleTimeout.Duration,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx, logger); err != nil {
				return fail("postgres migrations", err)
			}
		}

		pool := pgClient.Pool()
		deps.Positions = postgres.NewPositionStore(pool)
		deps.Transactions = postgres.NewTransactionStore(pool)
		deps.Snapshots = postgres.NewSnapshotStore(pool)
		deps.AgentStates = postgres.NewAgentStateStore(pool)
		deps.Cycles = postgres.NewCycleStore(pool)
		deps.Health = append(deps.Health, handler.Check{Name: "postgres", Probe: pgClient.Ping})

		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.LockManager = redis.NewLockManager(redisClient, logger)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamWait.Duration)
		deps.Health = append(deps.Health, handler.Check{Name: "redis", Probe: redisClient.Ping})
	}

	// --- Agent state ---
	deps.State = agentstate.New(deps.AgentStates, cfg.Agent.ID, logger)
	if _, err := deps.State.Load(ctx); err != nil {
		return fail("agent state", err)
	}

	// --- Wallet ---
	keyCfg := crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	}
	if keyCfg.Configured() {
		w, err := crypto.LoadWallet(keyCfg)
		if err != nil {
			return fail("wallet", err)
		}
		deps.Wallet = w
		logger.Info("wallet loaded", slog.String("address", w.Address()))
	}

	// --- Message bus ---
	var busOpts []bus.Option
	if len(cfg.Kafka.Brokers) > 0 {
		sink := kafka.NewSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		closers = append(closers, func() { _ = sink.Close() })
		busOpts = append(busOpts, bus.WithSink(sink))
	}
	if cfg.Wallet.SignMessages && deps.Wallet != nil {
		busOpts = append(busOpts, bus.WithSigner(deps.Wallet))
	}
	deps.Bus = bus.New(deps.SignalBus, deps.State, bus.Config{
		AgentID:      cfg.Agent.ID,
		Orchestrator: cfg.Bus.Orchestrator,
		Security:     cfg.Bus.Security,
		Audit:        cfg.Bus.Audit,
		Broadcast:    cfg.Bus.Broadcast,
	}, logger, busOpts...)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if cfg.Notify.Bus {
		senders = append(senders, notify.NewBusSender(deps.Bus))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Ledger ---
	var ledgerOpts []ledger.Option
	if deps.Wallet != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithWallet(deps.Wallet.Address()))
	}
	deps.Ledger = ledger.New(deps.Positions, deps.Transactions, deps.Snapshots, logger, ledgerOpts...)
	deps.Tracker = orders.NewTracker()
	deps.Ledger.SetOrderWatcher(deps.Tracker)

	// --- Venues ---
	reg, err := buildVenues(cfg, o.venues, logger)
	if err != nil {
		return fail("venues", err)
	}
	deps.Venues = reg

	// --- Decision pipeline ---
	callTimeout := cfg.Executor.CallTimeout.Duration
	deps.Executor = executor.NewExecutor(deps.Venues, deps.Ledger, executor.Config{
		CallTimeout:    callTimeout,
		ConfirmTimeout: cfg.Executor.ConfirmTimeout.Duration,
		PollInterval:   cfg.Executor.PollInterval.Duration,
		MaxAttempts:    cfg.Executor.MaxAttempts,
		RetryBackoff:   cfg.Executor.RetryBackoff.Duration,
		DryRun:         cfg.Agent.DryRun,
	}, logger)

	deps.Pause = pause.New(deps.State, deps.Venues, deps.Ledger, deps.Notifier, cfg.Pause.Cooldown.Duration, logger,
		pause.WithCallTimeout(callTimeout),
		pause.WithDust(cfg.Agent.DustUSD),
	)
	closers = append(closers, deps.Pause.Stop)

	deps.Approvals = approval.New(deps.State, deps.Executor, deps.Ledger, deps.Notifier, cfg.Approval.TTL.Duration, logger,
		approval.WithPause(deps.Pause),
		approval.WithCycleLock(deps.LockManager, cfg.Agent.CycleTimeout.Duration),
	)

	deps.Producer = producer.NewStream(deps.SignalBus, producer.Config{
		DecisionStream:   cfg.Producer.DecisionStream,
		IntelStream:      cfg.Producer.IntelStream,
		PortfolioChannel: cfg.Producer.PortfolioChannel,
		MaxAge:           cfg.Producer.MaxAge.Duration,
	}, logger)

	deps.Scheduler = scheduler.New(scheduler.Deps{
		Lock:      deps.LockManager,
		Ledger:    deps.Ledger,
		Producer:  deps.Producer,
		Intel:     deps.Producer,
		Executor:  deps.Executor,
		Approvals: deps.Approvals,
		Cooldowns: deps.State,
		Pause:     deps.Pause,
		Audit:     deps.Cycles,
		Reporter:  deps.Bus,
		Notifier:  deps.Notifier,
	}, scheduler.Config{
		Interval:     cfg.Agent.DecisionInterval.Duration,
		CycleTimeout: cfg.Agent.CycleTimeout.Duration,
		Cooldown:     cfg.Agent.Cooldown.Duration,
		DryRun:       cfg.Agent.DryRun,
	}, logger)

	deps.Monitor = orders.NewMonitor(deps.Tracker, deps.Ledger, deps.Venues, deps.Notifier, callTimeout, logger)
	deps.Monitor.SetDustThreshold(cfg.Agent.DustUSD)

	deps.Recovery = recovery.New(recovery.Deps{
		Approvals: deps.Approvals,
		Pause:     deps.Pause,
		Tracker:   deps.Tracker,
		Ledger:    deps.Ledger,
		Venues:    deps.Venues,
		Watcher:   deps.Bus,
		Notifier:  deps.Notifier,
		DustUSD:   cfg.Agent.DustUSD,
	}, callTimeout, logger)

	// --- Audit archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Archiver = s3blob.NewCycleArchiver(s3blob.NewWriter(s3Client, cfg.Agent.ID), deps.Cycles, cfg.S3.Prefix, logger)
		deps.Health = append(deps.Health, handler.Check{Name: "s3", Probe: s3Client.Health})
	}

	return deps, cleanup, nil
}

// buildVenues registers every enabled venue. Paper venues are simulated
// in-process; any other venue needs an adapter passed with WithVenue.
func buildVenues(cfg *config.Config, adapters map[string]domain.Venue, logger *slog.Logger) (*venue.Registry, error) {
	reg := venue.NewRegistry(logger)
	for _, name := range cfg.VenueNames() {
		vc := cfg.Venues[name]
		strategies := vc.StrategyList()

		var v domain.Venue
		switch {
		case vc.Paper:
			primary := domain.StrategySwap
			if len(strategies) > 0 {
				primary = strategies[0]
			}
			v = paper.New(name, primary, paper.WithMarks(vc.Marks), paper.WithFeeBps(vc.FeeBps))
		case adapters[name] != nil:
			v = adapters[name]
		case vc.Enabled:
			return nil, fmt.Errorf("venue %s: no adapter available: %w", name, domain.ErrNoVenue)
		default:
			continue
		}

		if err := reg.Register(v, venue.Config{
			Name:       name,
			Enabled:    vc.Enabled,
			Strategies: strategies,
			RatePerSec: vc.RatePerSec,
			Burst:      vc.Burst,
		}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
