package breakers

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/aristath/trading-core/internal/clock"
)

// HealthResult is one probe observation.
type HealthResult struct {
	Healthy       bool
	LatencyMS     float64
	Message       string
	TimestampMono time.Duration
}

// Probe is the capability set the recovery orchestrator drives: a point
// health check, a best-effort attempt to restore readiness, and the
// monotonic instant of the component's last sign of life.
type Probe interface {
	HealthCheck(ctx context.Context) HealthResult
	EnsureReady(ctx context.Context) bool
	LastUpdateMono() time.Duration
}

// Pinger is implemented by the broker and risk-engine clients.
type Pinger interface {
	Ping(ctx context.Context) error
}

// pingProbe implements Probe over anything that can be pinged.
type pingProbe struct {
	name string
	ping Pinger
	clk  clock.Clock
	log  zerolog.Logger

	lastOK timeHolder
}

// NewBrokerProbe builds a probe over the broker client.
func NewBrokerProbe(client Pinger, clk clock.Clock, log zerolog.Logger) Probe {
	return &pingProbe{
		name: "broker",
		ping: client,
		clk:  clk,
		log:  log.With().Str("probe", "broker").Logger(),
	}
}

// NewRiskProbe builds a probe over the risk-engine client.
func NewRiskProbe(client Pinger, clk clock.Clock, log zerolog.Logger) Probe {
	return &pingProbe{
		name: "risk",
		ping: client,
		clk:  clk,
		log:  log.With().Str("probe", "risk").Logger(),
	}
}

func (p *pingProbe) HealthCheck(ctx context.Context) HealthResult {
	start := p.clk.Mono()
	err := p.ping.Ping(ctx)
	latency := float64(p.clk.Mono()-start) / float64(time.Millisecond)

	res := HealthResult{
		Healthy:       err == nil,
		LatencyMS:     latency,
		TimestampMono: p.clk.Mono(),
	}
	if err != nil {
		res.Message = err.Error()
		p.log.Debug().Err(err).Msg("Health check failed")
		return res
	}

	p.lastOK.set(res.TimestampMono)
	return res
}

func (p *pingProbe) EnsureReady(ctx context.Context) bool {
	return p.HealthCheck(ctx).Healthy
}

func (p *pingProbe) LastUpdateMono() time.Duration {
	return p.lastOK.get()
}

// QuoteFeed is the slice of the market-data stream the probe needs.
type QuoteFeed interface {
	LastTickMono() time.Duration
	EnsureConnected(ctx context.Context) error
}

// MarketDataProbe reports healthy while the quote feed has ticked within
// the staleness threshold.
type MarketDataProbe struct {
	feed       QuoteFeed
	staleAfter time.Duration
	clk        clock.Clock
	log        zerolog.Logger
}

// NewMarketDataProbe builds a probe over the quote feed. staleMS is the
// maximum age of the last tick before the feed counts as stale.
func NewMarketDataProbe(feed QuoteFeed, staleMS int, clk clock.Clock, log zerolog.Logger) *MarketDataProbe {
	return &MarketDataProbe{
		feed:       feed,
		staleAfter: time.Duration(staleMS) * time.Millisecond,
		clk:        clk,
		log:        log.With().Str("probe", "market_data").Logger(),
	}
}

func (p *MarketDataProbe) HealthCheck(ctx context.Context) HealthResult {
	now := p.clk.Mono()
	last := p.feed.LastTickMono()
	age := now - last

	res := HealthResult{
		Healthy:       last > 0 && age <= p.staleAfter,
		TimestampMono: now,
	}
	if !res.Healthy {
		res.Message = "quote feed stale"
	}
	return res
}

func (p *MarketDataProbe) EnsureReady(ctx context.Context) bool {
	if p.HealthCheck(ctx).Healthy {
		return true
	}
	if err := p.feed.EnsureConnected(ctx); err != nil {
		p.log.Warn().Err(err).Msg("Quote feed reconnect failed")
		return false
	}
	return p.HealthCheck(ctx).Healthy
}

func (p *MarketDataProbe) LastUpdateMono() time.Duration {
	return p.feed.LastTickMono()
}

// DBProbe checks database liveness and disk headroom under the data
// directory.
type DBProbe struct {
	db          *sql.DB
	dataDir     string
	minDiskFree float64 // fraction of the volume that must stay free
	clk         clock.Clock
	log         zerolog.Logger

	lastOK timeHolder
}

// NewDBProbe builds a probe over the given connection and data
// directory.
func NewDBProbe(db *sql.DB, dataDir string, clk clock.Clock, log zerolog.Logger) *DBProbe {
	return &DBProbe{
		db:          db,
		dataDir:     dataDir,
		minDiskFree: 0.05,
		clk:         clk,
		log:         log.With().Str("probe", "db").Logger(),
	}
}

func (p *DBProbe) HealthCheck(ctx context.Context) HealthResult {
	start := p.clk.Mono()

	if err := p.db.PingContext(ctx); err != nil {
		return HealthResult{
			Healthy:       false,
			Message:       err.Error(),
			TimestampMono: p.clk.Mono(),
		}
	}

	if p.dataDir != "" {
		usage, err := disk.UsageWithContext(ctx, p.dataDir)
		if err == nil && usage.Total > 0 {
			free := float64(usage.Free) / float64(usage.Total)
			if free < p.minDiskFree {
				p.log.Warn().Float64("free_fraction", free).Msg("Low disk headroom")
				return HealthResult{
					Healthy:       false,
					Message:       "low disk headroom",
					TimestampMono: p.clk.Mono(),
				}
			}
		}
	}

	res := HealthResult{
		Healthy:       true,
		LatencyMS:     float64(p.clk.Mono()-start) / float64(time.Millisecond),
		TimestampMono: p.clk.Mono(),
	}
	p.lastOK.set(res.TimestampMono)
	return res
}

func (p *DBProbe) EnsureReady(ctx context.Context) bool {
	return p.HealthCheck(ctx).Healthy
}

func (p *DBProbe) LastUpdateMono() time.Duration {
	return p.lastOK.get()
}

// timeHolder is a tiny lock-protected duration cell.
type timeHolder struct {
	mu sync.Mutex
	v  time.Duration
}

func (t *timeHolder) set(v time.Duration) {
	t.mu.Lock()
	t.v = v
	t.mu.Unlock()
}

func (t *timeHolder) get() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.v
}
