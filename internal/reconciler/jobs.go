package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aristath/trading-core/internal/clients/broker"
	"github.com/aristath/trading-core/internal/clock"
	"github.com/aristath/trading-core/internal/domain"
	"github.com/aristath/trading-core/internal/orders"
)

const (
	// zombieAge is how long a close request may sit PENDING with no
	// outbox event before it is declared lost.
	zombieAge = 2 * time.Minute

	// stuckAge is how long a close request may sit SUBMITTED before its
	// orders are re-verified against the broker.
	stuckAge = 10 * time.Minute

	// maxNotFoundRetries is how many consecutive broker not-found
	// answers an order survives before the close fails.
	maxNotFoundRetries = 3
)

// Publisher lets jobs raise system events.
type Publisher interface {
	Publish(ev domain.SystemEvent) bool
}

// OrderQuerier is the broker surface the reconciler needs.
type OrderQuerier interface {
	OrderStatus(ctx context.Context, brokerOrderID string) (*broker.OrderStatusResult, error)
}

// UpdateApplier routes broker answers through the normal update path so
// reconciliation obeys the same idempotency and monotonicity rules.
type UpdateApplier interface {
	HandleUpdate(ctx context.Context, upd orders.BrokerOrderUpdate) error
}

// ZombieJob fails close requests that never produced an outbox event.
// A PENDING request with no PENDING SUBMIT_CLOSE_ORDER row means the
// dispatch crashed after the claim; nothing reached the broker, so the
// position reopens.
type ZombieJob struct {
	repo *orders.Repository
	clk  clock.Clock
	log  zerolog.Logger
}

// NewZombieJob creates the job.
func NewZombieJob(repo *orders.Repository, clk clock.Clock, log zerolog.Logger) *ZombieJob {
	return &ZombieJob{repo: repo, clk: clk, log: log.With().Str("job", "zombie_close_requests").Logger()}
}

// Name returns the job name
func (j *ZombieJob) Name() string { return "zombie_close_requests" }

// Run finds and fails zombie close requests.
func (j *ZombieJob) Run(ctx context.Context) error {
	cutoff := j.clk.Wall().Add(-zombieAge)
	stale, err := j.repo.CloseRequestsInStatusBefore(orders.CloseRequestPending, cutoff)
	if err != nil {
		return err
	}

	for _, cr := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pending, err := j.repo.HasPendingOutboxForCloseRequest(cr.ID)
		if err != nil {
			return err
		}
		if pending {
			continue
		}
		if err := j.repo.FailCloseRequest(ctx, cr.ID, orders.PositionOpen); err != nil {
			return err
		}
		j.log.Warn().
			Str("close_request_id", cr.ID).
			Msg("Zombie close request failed, position reopened")
	}
	return nil
}

// StuckJob re-verifies SUBMITTED close requests against the broker.
// Broker queries are rate limited so a backlog never floods the
// gateway.
type StuckJob struct {
	repo    *orders.Repository
	broker  OrderQuerier
	applier UpdateApplier
	limiter *rate.Limiter
	clk     clock.Clock
	log     zerolog.Logger
}

// NewStuckJob creates the job.
func NewStuckJob(repo *orders.Repository, querier OrderQuerier, applier UpdateApplier, clk clock.Clock, log zerolog.Logger) *StuckJob {
	return &StuckJob{
		repo:    repo,
		broker:  querier,
		applier: applier,
		limiter: rate.NewLimiter(rate.Limit(5), 1),
		clk:     clk,
		log:     log.With().Str("job", "stuck_close_requests").Logger(),
	}
}

// Name returns the job name
func (j *StuckJob) Name() string { return "stuck_close_requests" }

// Run reconciles each non-terminal order of each stuck close request.
func (j *StuckJob) Run(ctx context.Context) error {
	cutoff := j.clk.Wall().Add(-stuckAge)
	stuck, err := j.repo.CloseRequestsInStatusBefore(orders.CloseRequestSubmitted, cutoff)
	if err != nil {
		return err
	}

	for _, cr := range stuck {
		ords, err := j.repo.OrdersForCloseRequest(cr.ID)
		if err != nil {
			return err
		}
		for _, ord := range ords {
			if ord.Status.Terminal() || ord.BrokerOrderID == "" {
				continue
			}
			if err := j.reconcileOrder(ctx, cr, ord); err != nil {
				return err
			}
		}
	}
	return nil
}

func (j *StuckJob) reconcileOrder(ctx context.Context, cr orders.CloseRequest, ord orders.OrderRecord) error {
	if err := j.limiter.Wait(ctx); err != nil {
		return err
	}

	res, err := j.broker.OrderStatus(ctx, ord.BrokerOrderID)
	if errors.Is(err, broker.ErrOrderNotFound) {
		n, incErr := j.repo.IncrementNotFound(ord.OrderID)
		if incErr != nil {
			return incErr
		}
		j.log.Warn().
			Str("broker_order_id", ord.BrokerOrderID).
			Int("not_found_count", n).
			Msg("Broker does not know the order")
		if n >= maxNotFoundRetries {
			if err := j.repo.FailCloseRequest(ctx, cr.ID, orders.PositionCloseFailed); err != nil {
				return err
			}
			j.log.Error().
				Str("close_request_id", cr.ID).
				Msg("Order lost at broker, close request failed")
		}
		return nil
	}
	if err != nil {
		return err
	}

	return j.applier.HandleUpdate(ctx, orders.BrokerOrderUpdate{
		BrokerOrderID: res.BrokerOrderID,
		BrokerStatus:  res.Status,
		FilledQty:     res.FilledQty,
		Seq:           res.UpdateSeq,
	})
}

// PartialRetryJob resubmits the remaining quantity of RETRYABLE close
// requests.
type PartialRetryJob struct {
	repo *orders.Repository
	log  zerolog.Logger
}

// NewPartialRetryJob creates the job.
func NewPartialRetryJob(repo *orders.Repository, log zerolog.Logger) *PartialRetryJob {
	return &PartialRetryJob{repo: repo, log: log.With().Str("job", "partial_retry").Logger()}
}

// Name returns the job name
func (j *PartialRetryJob) Name() string { return "partial_retry" }

// Run queues a retry for every eligible close request.
func (j *PartialRetryJob) Run(ctx context.Context) error {
	eligible, err := j.repo.RetryableCloseRequests()
	if err != nil {
		return err
	}
	for _, cr := range eligible {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := j.repo.RetryCloseRequest(ctx, cr.ID); err != nil {
			j.log.Error().Err(err).Str("close_request_id", cr.ID).Msg("Retry failed")
		}
	}
	return nil
}

// InvariantsJob audits structural invariants of the close flow. A
// CLOSING position without an active close request id cannot make
// progress on its own; it is flagged CLOSE_FAILED and a warning event
// goes to the bus for the operator.
type InvariantsJob struct {
	repo *orders.Repository
	bus  Publisher
	clk  clock.Clock
	log  zerolog.Logger
}

// NewInvariantsJob creates the job.
func NewInvariantsJob(repo *orders.Repository, bus Publisher, clk clock.Clock, log zerolog.Logger) *InvariantsJob {
	return &InvariantsJob{repo: repo, bus: bus, clk: clk, log: log.With().Str("job", "invariants").Logger()}
}

// Name returns the job name
func (j *InvariantsJob) Name() string { return "invariants" }

// Run flags orphaned CLOSING positions.
func (j *InvariantsJob) Run(ctx context.Context) error {
	orphans, err := j.repo.ClosingPositionsWithoutActiveRequest()
	if err != nil {
		return err
	}
	for _, p := range orphans {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := j.repo.MarkPositionCloseFailed(p.ID); err != nil {
			return err
		}
		j.log.Error().
			Str("position_id", p.ID).
			Msg("CLOSING position has no active close request")
		j.bus.Publish(domain.SystemEvent{
			Type:     domain.EventInvariantBreach,
			Source:   domain.SourceSystem,
			Severity: domain.SeverityWarning,
			Reason:   domain.ReasonInvariantBreach,
			WallTime: j.clk.Wall(),
			MonoTime: j.clk.Mono(),
			Details:  map[string]interface{}{"position_id": p.ID},
		})
	}
	return nil
}

// CleanupJob purges finished outbox events past the retention window.
type CleanupJob struct {
	repo          *orders.Repository
	retentionDays int
	clk           clock.Clock
	log           zerolog.Logger
}

// NewCleanupJob creates the job.
func NewCleanupJob(repo *orders.Repository, retentionDays int, clk clock.Clock, log zerolog.Logger) *CleanupJob {
	return &CleanupJob{
		repo:          repo,
		retentionDays: retentionDays,
		clk:           clk,
		log:           log.With().Str("job", "outbox_cleanup").Logger(),
	}
}

// Name returns the job name
func (j *CleanupJob) Name() string { return "outbox_cleanup" }

// Run deletes DONE and DEAD outbox rows older than the retention.
func (j *CleanupJob) Run(ctx context.Context) error {
	cutoff := j.clk.Wall().AddDate(0, 0, -j.retentionDays)
	n, err := j.repo.PurgeOutbox(cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		j.log.Info().Int64("purged", n).Msg("Outbox history purged")
	}
	return nil
}
