package monitor

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	obslogger "github.com/smallbiznis/sessionbill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/sessionbill/internal/observability/metrics"
	"github.com/smallbiznis/sessionbill/internal/sessionbilling/domain"
	"go.uber.org/zap"
)

type sweepRun struct {
	runID           string
	batchSize       int
	startedAt       time.Time
	processedCount  int
	errorCount      int
	terminatedCount int
	escalatedCount  int
	// reserved is the unsettled cost of ACTIVE records already evaluated this sweep, per account.
	reserved map[string]decimal.Decimal
}

func newSweepRun(batchSize int) *sweepRun {
	return &sweepRun{
		runID:     ulid.Make().String(),
		batchSize: batchSize,
		startedAt: time.Now(),
		reserved:  map[string]decimal.Decimal{},
	}
}

// Available is the balance left for a record once its siblings' accrued cost is set aside.
func (r *sweepRun) Available(accountID string, balance decimal.Decimal) decimal.Decimal {
	if r == nil {
		return balance
	}
	return balance.Sub(r.reserved[accountID])
}

// Reserve sets aside the accrued cost of a record that is still billing.
func (r *sweepRun) Reserve(accountID string, accrued decimal.Decimal) {
	if r == nil || !accrued.IsPositive() {
		return
	}
	r.reserved[accountID] = r.reserved[accountID].Add(accrued)
}

func (r *sweepRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *sweepRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (m *Monitor) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, m.log)
}

func (m *Monitor) logSweepStart(ctx context.Context, run *sweepRun) {
	m.logger(ctx).Info("monitor.sweep.start",
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (m *Monitor) logSweepFinish(ctx context.Context, run *sweepRun) {
	fields := []zap.Field{
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("terminated_count", run.terminatedCount),
		zap.Int("escalated_count", run.escalatedCount),
		zap.Int("error_count", run.errorCount),
	}
	log := m.logger(ctx)
	if run.errorCount > 0 {
		log.Warn("monitor.sweep.finish", fields...)
		return
	}
	log.Info("monitor.sweep.finish", fields...)
}

func (m *Monitor) logRecordError(ctx context.Context, run *sweepRun, record *domain.Record, err error) {
	if err == nil {
		return
	}
	run.IncError()
	m.logger(ctx).Error("monitor.record.failed",
		zap.String("run_id", run.runID),
		zap.String("session_id", record.SessionID),
		zap.String("record_id", record.ID.String()),
		zap.String("error_type", obsmetrics.ClassifyMonitorError(err)),
		zap.Error(err),
	)
}
