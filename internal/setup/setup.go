package setup

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/aristath/trading-core/internal/breakers"
	"github.com/aristath/trading-core/internal/buffer"
	"github.com/aristath/trading-core/internal/clients/broker"
	"github.com/aristath/trading-core/internal/clients/riskengine"
	"github.com/aristath/trading-core/internal/clock"
	"github.com/aristath/trading-core/internal/config"
	"github.com/aristath/trading-core/internal/database"
	"github.com/aristath/trading-core/internal/domain"
	"github.com/aristath/trading-core/internal/events"
	"github.com/aristath/trading-core/internal/gate"
	"github.com/aristath/trading-core/internal/marketdata"
	"github.com/aristath/trading-core/internal/metrics"
	"github.com/aristath/trading-core/internal/orders"
	"github.com/aristath/trading-core/internal/outbox"
	"github.com/aristath/trading-core/internal/reconciler"
	"github.com/aristath/trading-core/internal/recovery"
	"github.com/aristath/trading-core/internal/scheduler"
	"github.com/aristath/trading-core/internal/state"
)

// Core wires every subsystem of the resilience core. Init builds the
// graph, Start spins up the background loops, Shutdown tears them down
// in reverse order.
type Core struct {
	Cfg *config.Config
	Clk clock.Clock

	DB     *database.DB
	Bus    *events.Bus
	Gate   *gate.Gate
	State  *state.Service
	Orch   *recovery.Orchestrator
	Buffer *buffer.Buffer

	Repo    *orders.Repository
	Updates *orders.UpdateHandler
	Outbox  *outbox.Worker

	Broker *broker.Client
	Risk   *riskengine.Client
	Stream *marketdata.Stream

	BrokerProbe breakers.Probe
	RiskProbe   breakers.Probe
	MDProbe     *breakers.MarketDataProbe
	DBProbe     *breakers.DBProbe

	BrokerBreaker *breakers.Breaker
	MDBreaker     *breakers.Breaker
	RiskBreaker   *breakers.Breaker
	DBBreaker     *breakers.Breaker

	Scheduler *scheduler.Scheduler

	log    zerolog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Init builds the full dependency graph without starting anything.
func Init(cfg *config.Config, log zerolog.Logger) (*Core, error) {
	clk := clock.New()

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	buf, err := buffer.New(buffer.Config{
		MaxEntries: cfg.DBBufferMaxEntries,
		MaxBytes:   cfg.DBBufferMaxBytes,
		WALPath:    cfg.WALPath,
	}, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	bus := events.New(cfg.EventBusQueueSize, cfg.FallbackPath, log)
	g := gate.New(log)
	stateSvc := state.New(state.Config{MinSafeModeSeconds: cfg.MinSafeModeSeconds}, g, clk, log)
	stateSvc.SetAudit(state.NewTransitionLog(db, log))

	brokerClient := broker.NewClient(cfg.BrokerServiceURL, log)
	riskClient := riskengine.NewClient(cfg.RiskServiceURL, log)
	stream := marketdata.NewStream(cfg.MarketDataWSURL, clk, log)

	brokerProbe := breakers.NewBrokerProbe(brokerClient, clk, log)
	riskProbe := breakers.NewRiskProbe(riskClient, clk, log)
	mdProbe := breakers.NewMarketDataProbe(stream, cfg.MarketDataCacheStaleMS, clk, log)
	dbProbe := breakers.NewDBProbe(db.Conn(), filepath.Dir(cfg.DatabasePath), clk, log)

	orch := recovery.New(recovery.Config{
		StableSeconds:   cfg.RecoveryStableSeconds,
		MaxStageRetries: cfg.RecoveryMaxStageRetry,
	}, stateSvc, bus, brokerProbe, mdProbe, riskProbe, clk, log)

	breakerCfg := breakers.Config{
		FailThresholdCount:   cfg.FailThresholdCount,
		FailThresholdSeconds: cfg.FailThresholdSeconds,
	}

	repo := orders.NewRepository(db, clk, log)
	updates := orders.NewUpdateHandler(db, repo, clk, log)
	updates.SetFallback(buf, bus)
	worker := outbox.NewWorker(outbox.Config{
		MaxAttempts:  cfg.OutboxMaxAttempts,
		PollInterval: time.Second,
	}, repo, g, brokerClient, log)

	c := &Core{
		Cfg:     cfg,
		Clk:     clk,
		DB:      db,
		Bus:     bus,
		Gate:    g,
		State:   stateSvc,
		Orch:    orch,
		Buffer:  buf,
		Repo:    repo,
		Updates: updates,
		Outbox:  worker,
		Broker:  brokerClient,
		Risk:    riskClient,
		Stream:  stream,

		BrokerProbe: brokerProbe,
		RiskProbe:   riskProbe,
		MDProbe:     mdProbe,
		DBProbe:     dbProbe,

		BrokerBreaker: breakers.NewBroker(breakerCfg, clk, bus, log),
		MDBreaker:     breakers.NewMarketData(breakerCfg, clk, bus, log),
		RiskBreaker:   breakers.NewRisk(breakerCfg, clk, bus, log),
		DBBreaker:     breakers.NewDB(breakerCfg, clk, bus, log),

		log: log.With().Str("component", "setup").Logger(),
	}
	return c, nil
}

// Start brings the core up: bus subscriptions, dispatcher, periodic
// tick, outbox worker, reconciler jobs, metrics listener, and the
// cold-start recovery run.
func (c *Core) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel

	// Subscription order matters: the state service must see each event
	// before the orchestrator reacts to the mode it implies.
	c.Bus.Subscribe(c.State.HandleEvent)
	c.Bus.Subscribe(c.Orch.HandleEvent)

	// Once the database reports healthy again, anything buffered during
	// the outage is replayed into the journal table.
	c.Bus.Subscribe(func(ev domain.SystemEvent) {
		if ev.Type == domain.EventRecovered && ev.Reason == domain.ReasonDBRecovered {
			if err := c.FlushBuffer(); err != nil {
				c.log.Error().Err(err).Msg("Buffer flush after database recovery failed")
			}
		}
	})

	// Dropped MUST_DELIVER events bypass the queue entirely: the gate is
	// slammed to SAFE_MODE synchronously from the publisher's goroutine.
	c.Bus.RegisterEmergencyCallback(func(ev domain.SystemEvent) {
		if err := c.Gate.UpdateMode(domain.ModeSafeMode, nil); err != nil {
			c.log.Error().Err(err).Msg("Emergency gate update failed")
		}
	})

	c.Bus.Start()

	// The 1s tick drives TTL expiry, override expiry and deferred dwell
	// targets even when no events arrive.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.State.Tick()
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Outbox.Run(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runQuoteFeed(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runHealthWatch(ctx)
	}()

	go metrics.Serve(c.Cfg.MetricsAddr, c.log)

	if err := c.startReconciler(ctx); err != nil {
		return err
	}

	// Cold start: the system boots in RECOVERING and must prove broker,
	// feed and risk health before trading resumes. The driver loop then
	// keeps running for any later automatic or manual run.
	if _, err := c.Orch.StartRecovery(recovery.TriggerColdStart, ""); err != nil {
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Orch.Run(ctx)
	}()

	c.log.Info().Msg("Resilience core started")
	return nil
}

// runQuoteFeed keeps the market data stream alive, feeding the
// staleness breaker on every outcome.
func (c *Core) runQuoteFeed(ctx context.Context) {
	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}
	for {
		err := c.Stream.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		c.MDBreaker.RecordFailure(map[string]interface{}{"error": err.Error()})

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.Duration()):
		}
	}
}

// runHealthWatch drives every breaker from its probe on a fixed cadence.
// The quote feed additionally reports connection failures directly from
// runQuoteFeed; everything else is observed only here.
func (c *Core) runHealthWatch(ctx context.Context) {
	pairs := []struct {
		probe   breakers.Probe
		breaker *breakers.Breaker
	}{
		{c.BrokerProbe, c.BrokerBreaker},
		{c.RiskProbe, c.RiskBreaker},
		{c.MDProbe, c.MDBreaker},
		{c.DBProbe, c.DBBreaker},
	}

	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, p := range pairs {
				res := p.probe.HealthCheck(ctx)
				if res.Healthy {
					p.breaker.RecordSuccess()
				} else {
					p.breaker.RecordFailure(map[string]interface{}{"message": res.Message})
				}
			}
		}
	}
}

// startReconciler registers the close-flow audit jobs.
func (c *Core) startReconciler(ctx context.Context) error {
	sched := scheduler.New(ctx, c.log)
	c.Scheduler = sched

	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{"0 * * * * *", reconciler.NewZombieJob(c.Repo, c.Clk, c.log)},
		{"0 */5 * * * *", reconciler.NewStuckJob(c.Repo, c.Broker, c.Updates, c.Clk, c.log)},
		{"0 */2 * * * *", reconciler.NewPartialRetryJob(c.Repo, c.log)},
		{"0 */10 * * * *", reconciler.NewInvariantsJob(c.Repo, c.Bus, c.Clk, c.log)},
		{"0 0 3 * * *", reconciler.NewCleanupJob(c.Repo, c.Cfg.OutboxRetentionDays, c.Clk, c.log)},
	}
	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			return fmt.Errorf("failed to register %s: %w", j.job.Name(), err)
		}
	}

	sched.Start()
	return nil
}

// FlushBuffer drains the degraded-mode buffer into the buffered_writes
// table. Called by the recovery path once the database is healthy. The
// primary key on idempotent_key makes a replayed flush a no-op.
func (c *Core) FlushBuffer() error {
	nowStr := c.Clk.Wall().Format(time.RFC3339)
	return c.Buffer.Flush(c.DB.Conn(), func(tx *sql.Tx, e buffer.Entry) error {
		_, err := tx.Exec(`
			INSERT OR IGNORE INTO buffered_writes
			(idempotent_key, resource_type, resource_id, data, buffered_at, flushed_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, e.IdempotentKey, e.ResourceType, e.ResourceID, string(e.Data),
			e.Timestamp.Format(time.RFC3339), nowStr)
		return err
	})
}

// Shutdown stops everything in reverse order of Start.
func (c *Core) Shutdown() {
	c.log.Info().Msg("Shutting down resilience core")

	if c.cancel != nil {
		c.cancel()
	}
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	c.wg.Wait()

	c.Bus.Stop()
	c.Stream.Close()
	c.Buffer.Close()
	if err := c.DB.Close(); err != nil {
		c.log.Error().Err(err).Msg("Database close failed")
	}

	c.log.Info().Msg("Resilience core stopped")
}

// DataDir returns the directory holding the database, used by the disk
// probe.
func (c *Core) DataDir() string {
	return filepath.Dir(c.Cfg.DatabasePath)
}
