package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	MonitorErrorReasonDeadlineExceeded     = "deadline_exceeded"
	MonitorErrorReasonDBLockTimeout        = "db_lock_timeout"
	MonitorErrorReasonSerializationFailure = "serialization_failure"
	MonitorErrorReasonUniqueViolation      = "unique_violation"
	MonitorErrorReasonDB                   = "db"
	MonitorErrorReasonUnknown              = "unknown"
)

// MonitorMetrics captures session monitor health signals.
type MonitorMetrics struct {
	sweepRuns         prometheus.Counter
	sweepDuration     prometheus.Histogram
	sweepErrors       *prometheus.CounterVec
	sweepSkipped      *prometheus.CounterVec
	recordsEvaluated  prometheus.Counter
	activeRecords     prometheus.Gauge
	terminations      *prometheus.CounterVec
	providerFailures  prometheus.Counter
	escalations       prometheus.Counter
	forcedSettlements prometheus.Counter
	runLoopLag        prometheus.Observer
}

var (
	monitorMetricsOnce sync.Once
	monitorMetrics     *MonitorMetrics
)

// Monitor returns the singleton monitor metrics registry.
func Monitor() *MonitorMetrics {
	return MonitorWithConfig(Config{})
}

// MonitorWithConfig returns the singleton monitor metrics using config labels.
func MonitorWithConfig(cfg Config) *MonitorMetrics {
	monitorMetricsOnce.Do(func() {
		monitorMetrics = NewMonitorMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return monitorMetrics
}

// ResetMonitorMetricsForTest resets the singleton for tests.
func ResetMonitorMetricsForTest() {
	monitorMetricsOnce = sync.Once{}
	monitorMetrics = nil
}

// NewMonitorMetrics registers monitor collectors on registerer.
func NewMonitorMetrics(registerer prometheus.Registerer, cfg Config) *MonitorMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "sessionbill"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &MonitorMetrics{
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "sessionbill_monitor_sweeps_total",
			Help:        "Session monitor sweeps started.",
			ConstLabels: constLabels,
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "sessionbill_monitor_sweep_duration_seconds",
			Help:        "Session monitor sweep latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			ConstLabels: constLabels,
		}),
		sweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "sessionbill_monitor_errors_total",
			Help:        "Session monitor per-record errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		sweepSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "sessionbill_monitor_sweeps_skipped_total",
			Help:        "Sweeps skipped, e.g. because another replica holds the lease.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		recordsEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "sessionbill_monitor_records_evaluated_total",
			Help:        "Active billing records evaluated against the limit policy.",
			ConstLabels: constLabels,
		}),
		activeRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "sessionbill_monitor_active_records",
			Help:        "Active billing records seen by the last completed sweep.",
			ConstLabels: constLabels,
		}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "sessionbill_monitor_terminations_total",
			Help:        "Sessions terminated by the monitor, by breached limit.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		providerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "sessionbill_monitor_provider_failures_total",
			Help:        "Terminate signals the session provider did not accept.",
			ConstLabels: constLabels,
		}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "sessionbill_monitor_escalations_total",
			Help:        "Sessions whose termination exceeded the provider retry ceiling.",
			ConstLabels: constLabels,
		}),
		forcedSettlements: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "sessionbill_monitor_forced_settlements_total",
			Help:        "Sessions settled without provider confirmation after the hard ceiling.",
			ConstLabels: constLabels,
		}),
	}
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "sessionbill_monitor_runloop_lag_seconds",
		Help:        "Monitor run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	m.runLoopLag = runLoopLag

	registerer.MustRegister(
		m.sweepRuns,
		m.sweepDuration,
		m.sweepErrors,
		m.sweepSkipped,
		m.recordsEvaluated,
		m.activeRecords,
		m.terminations,
		m.providerFailures,
		m.escalations,
		m.forcedSettlements,
		runLoopLag,
	)
	return m
}

func (m *MonitorMetrics) IncSweep() {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
}

func (m *MonitorMetrics) ObserveSweepDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

// IncError classifies err and increments the error counter.
func (m *MonitorMetrics) IncError(err error) {
	if m == nil || err == nil {
		return
	}
	m.sweepErrors.WithLabelValues(ClassifyMonitorError(err)).Inc()
}

func (m *MonitorMetrics) IncSkipped(reason string) {
	if m == nil {
		return
	}
	m.sweepSkipped.WithLabelValues(reason).Inc()
}

func (m *MonitorMetrics) AddEvaluated(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.recordsEvaluated.Add(float64(count))
}

func (m *MonitorMetrics) SetActiveRecords(count int) {
	if m == nil {
		return
	}
	m.activeRecords.Set(float64(count))
}

func (m *MonitorMetrics) IncTermination(reason string) {
	if m == nil {
		return
	}
	m.terminations.WithLabelValues(reason).Inc()
}

func (m *MonitorMetrics) IncProviderFailure() {
	if m == nil {
		return
	}
	m.providerFailures.Inc()
}

func (m *MonitorMetrics) IncEscalation() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}

func (m *MonitorMetrics) IncForcedSettlement() {
	if m == nil {
		return
	}
	m.forcedSettlements.Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and the actual sweep start.
func (m *MonitorMetrics) ObserveRunLoopLag(d time.Duration) {
	if m == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	m.runLoopLag.Observe(d.Seconds())
}

// ClassifyMonitorError maps errors to low-cardinality reasons.
func ClassifyMonitorError(err error) string {
	switch {
	case err == nil:
		return MonitorErrorReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return MonitorErrorReasonDeadlineExceeded
	case HasPGCode(err, "55P03"):
		return MonitorErrorReasonDBLockTimeout
	case HasPGCode(err, "40001"):
		return MonitorErrorReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey), HasPGCode(err, "23505"):
		return MonitorErrorReasonUniqueViolation
	case IsDBError(err):
		return MonitorErrorReasonDB
	default:
		return MonitorErrorReasonUnknown
	}
}

// HasPGCode reports whether err wraps a postgres error with the given SQLSTATE.
func HasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

// IsDBError reports whether err originates from gorm or the postgres driver.
func IsDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
