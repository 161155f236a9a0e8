package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sessionbill/internal/clock"
	creditdomain "github.com/smallbiznis/sessionbill/internal/credit/domain"
	"github.com/smallbiznis/sessionbill/internal/observability/obscontext"
	obsmetrics "github.com/smallbiznis/sessionbill/internal/observability/metrics"
	"github.com/smallbiznis/sessionbill/internal/pricing"
	"github.com/smallbiznis/sessionbill/internal/provider"
	"github.com/smallbiznis/sessionbill/internal/ratelimit"
	"github.com/smallbiznis/sessionbill/internal/sessionbilling/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_monitor_config")

// Lease keeps concurrent replicas from sweeping at the same time.
type Lease interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Renew(ctx context.Context, key, token string, ttl time.Duration) error
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Config     Config `optional:"true"`
	Clock      clock.Clock
	Sessions   domain.Service
	Credit     creditdomain.Service
	Pricing    *pricing.Source
	Terminator provider.Terminator
	Locker     *ratelimit.Locker          `optional:"true"`
	Metrics    *obsmetrics.MonitorMetrics `optional:"true"`
}

// Monitor enforces limit policies on ACTIVE billing records. It keeps no state between
// sweeps; every sweep reads records and balances from the store.
type Monitor struct {
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	sessions   domain.Service
	credit     creditdomain.Service
	pricing    *pricing.Source
	terminator provider.Terminator
	lease      Lease
	metrics    *obsmetrics.MonitorMetrics
}

func New(p Params) (*Monitor, error) {
	if p.Log == nil || p.Sessions == nil || p.Credit == nil || p.Pricing == nil || p.Terminator == nil {
		return nil, ErrInvalidConfig
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	m := &Monitor{
		log:        p.Log.Named("monitor").With(zap.String("component", "monitor")),
		cfg:        p.Config.withDefaults(),
		clock:      clk,
		sessions:   p.Sessions,
		credit:     p.Credit,
		pricing:    p.Pricing,
		terminator: p.Terminator,
		metrics:    p.Metrics,
	}
	if p.Locker != nil {
		m.lease = p.Locker
	}
	return m, nil
}

// RunOnce performs a single sweep over every ACTIVE record. Failures on individual
// records do not stop the sweep and are returned joined.
func (m *Monitor) RunOnce(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, m.cfg.SweepTimeout)
	defer cancel()
	ctx = obscontext.WithActor(ctx, "system", "monitor")

	m.metrics.IncSweep()
	held, acquired, err := m.acquireLease(ctx)
	if err != nil {
		m.logger(ctx).Warn("monitor lease unavailable, sweeping without it", zap.Error(err))
	}
	if !acquired {
		m.metrics.IncSkipped("lease_held")
		m.logger(ctx).Debug("monitor lease held by another replica, skipping sweep")
		return nil
	}
	defer held.release()

	run := newSweepRun(m.cfg.BatchSize)
	m.logSweepStart(ctx, run)
	defer func() {
		m.metrics.ObserveSweepDuration(time.Since(run.startedAt))
		m.logSweepFinish(ctx, run)
	}()

	calc, err := m.pricing.Calculator()
	if err != nil {
		run.IncError()
		return fmt.Errorf("pricing snapshot: %w", err)
	}
	policy := Policy{Limits: calc.DefaultLimits(), CreditHorizon: m.cfg.CreditHorizon}

	var sweepErr error
	var afterID snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(sweepErr, err)
		}

		records, err := m.sessions.ListActive(ctx, afterID, m.cfg.BatchSize)
		if err != nil {
			run.IncError()
			m.metrics.IncError(err)
			return errors.Join(sweepErr, fmt.Errorf("list active records: %w", err))
		}

		for i := range records {
			record := records[i]
			run.AddProcessed(1)
			if err := m.process(ctx, run, calc, policy, &record); err != nil {
				m.logRecordError(ctx, run, &record, err)
				m.metrics.IncError(err)
				sweepErr = errors.Join(sweepErr, err)
			}
		}
		m.metrics.AddEvaluated(len(records))

		if len(records) < m.cfg.BatchSize {
			break
		}
		afterID = records[len(records)-1].ID

		if err := held.renew(ctx); err != nil {
			if errors.Is(err, ratelimit.ErrLeaseLost) {
				m.metrics.IncSkipped("lease_lost")
				m.logger(ctx).Warn("monitor lease lost mid-sweep, leaving the rest to the new holder",
					zap.String("run_id", run.runID),
					zap.Int("processed", run.processedCount),
				)
				break
			}
			m.logger(ctx).Warn("monitor lease renewal failed, continuing sweep", zap.Error(err))
		}
	}

	m.metrics.SetActiveRecords(run.processedCount - run.terminatedCount)
	return sweepErr
}

// RunForever sweeps every Interval until ctx is cancelled.
func (m *Monitor) RunForever(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	nextRun := time.Now().Add(m.cfg.Interval)

	for {
		if runLag := time.Since(nextRun); runLag > 0 {
			m.metrics.ObserveRunLoopLag(runLag)
		}
		if err := m.RunOnce(ctx); err != nil {
			m.log.Warn("monitor sweep finished with errors", zap.Error(err))
		}
		nextRun = nextRun.Add(m.cfg.Interval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) process(ctx context.Context, run *sweepRun, calc *pricing.Calculator, policy Policy, record *domain.Record) error {
	log := m.logger(ctx).With(
		zap.String("run_id", run.runID),
		zap.String("session_id", record.SessionID),
		zap.String("record_id", record.ID.String()),
		zap.String("account_id", record.AccountID),
	)

	balance, err := m.credit.Balance(ctx, record.AccountID)
	if err != nil {
		return fmt.Errorf("read balance for %s: %w", record.AccountID, err)
	}
	decision := Evaluate(calc, policy, record, run.Available(record.AccountID, balance), m.clock.Now())

	// Until it is settled, this record's cost competes with later records of the same account.
	settled := false
	defer func() {
		if !settled {
			run.Reserve(record.AccountID, decision.Accrued)
		}
	}()

	// A record already marked keeps being retried with its first breach reason.
	reason := record.TerminationReason
	retrying := record.TerminateRequestedAt != nil
	if !retrying {
		if !decision.Breached() {
			return nil
		}
		reason = decision.Reason
	}

	marked, err := m.sessions.MarkTerminationRequested(ctx, record.ID, reason)
	if errors.Is(err, domain.ErrNotBilling) {
		log.Debug("record closed before termination was requested")
		settled = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark termination for %s: %w", record.SessionID, err)
	}
	reason = marked.TerminationReason

	if !retrying {
		log.Info("monitor.limit.breached",
			zap.String("reason", string(reason)),
			zap.Int64("elapsed_ms", decision.Elapsed.Milliseconds()),
			zap.Int64("idle_ms", decision.Idle.Milliseconds()),
			zap.String("accrued", decision.Accrued.String()),
			zap.String("balance", balance.String()),
			zap.String("available", decision.Remaining.Add(decision.Accrued).String()),
			zap.Bool("clock_skew", decision.ClockSkew),
		)
	}

	termErr := m.terminator.TerminateSession(ctx, record.SessionID)
	if termErr == nil {
		err := m.settle(ctx, run, record, reason, false)
		settled = err == nil
		return err
	}

	m.metrics.IncProviderFailure()
	log.Warn("session provider unreachable, retrying next sweep",
		zap.String("reason", string(reason)),
		zap.Int("provider_attempts", marked.ProviderAttempts),
		zap.Error(termErr),
	)
	if marked.ProviderAttempts >= m.cfg.ProviderRetryCeiling {
		if marked.ProviderAttempts == m.cfg.ProviderRetryCeiling {
			m.metrics.IncEscalation()
			run.escalatedCount++
		}
		log.Error("monitor.termination.escalated",
			zap.String("reason", string(reason)),
			zap.Int("provider_attempts", marked.ProviderAttempts),
			zap.Int("retry_ceiling", m.cfg.ProviderRetryCeiling),
		)
	}

	ceiling := HardCeiling(record.Limits(policy.Limits), m.cfg.HardCeilingFactor)
	if ceiling > 0 && decision.Elapsed >= ceiling {
		log.Error("monitor.settlement.forced",
			zap.String("reason", string(reason)),
			zap.Int64("elapsed_ms", decision.Elapsed.Milliseconds()),
			zap.Int64("hard_ceiling_ms", ceiling.Milliseconds()),
		)
		m.metrics.IncForcedSettlement()
		err := m.settle(ctx, run, record, reason, true)
		settled = err == nil
		return err
	}
	return nil
}

func (m *Monitor) settle(ctx context.Context, run *sweepRun, record *domain.Record, reason domain.TerminationReason, forced bool) error {
	settlement, err := m.sessions.StopBillingWithReason(ctx, record.SessionID, reason, domain.StopOptions{Forced: forced})
	if err != nil {
		return fmt.Errorf("stop billing for %s: %w", record.SessionID, err)
	}
	run.terminatedCount++
	m.metrics.IncTermination(string(settlement.Record.TerminationReason))
	return nil
}

// heldLease is this replica's claim on the sweep. The zero value stands for "no lease configured".
type heldLease struct {
	m     *Monitor
	token string
}

func (h heldLease) renew(ctx context.Context) error {
	if h.m == nil || h.m.lease == nil || h.token == "" {
		return nil
	}
	return h.m.lease.Renew(ctx, h.m.cfg.LeaseKey, h.token, h.m.cfg.LeaseTTL)
}

func (h heldLease) release() {
	if h.m == nil || h.m.lease == nil || h.token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.m.lease.Release(ctx, h.m.cfg.LeaseKey, h.token); err != nil {
		h.m.log.Warn("release monitor lease", zap.Error(err))
	}
}

// acquireLease reports whether this replica may sweep. Without a configured lease, or when the
// lease store fails, every replica sweeps.
func (m *Monitor) acquireLease(ctx context.Context) (heldLease, bool, error) {
	if m.lease == nil {
		return heldLease{}, true, nil
	}
	token, ok, err := m.lease.TryLock(ctx, m.cfg.LeaseKey, m.cfg.LeaseTTL)
	if err != nil {
		return heldLease{}, true, err
	}
	if !ok {
		return heldLease{}, false, nil
	}
	return heldLease{m: m, token: token}, true, nil
}
