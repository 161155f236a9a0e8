package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/sessionbill/internal/clock"
	"github.com/smallbiznis/sessionbill/internal/config"
	creditdomain "github.com/smallbiznis/sessionbill/internal/credit/domain"
	creditservice "github.com/smallbiznis/sessionbill/internal/credit/service"
	ledgerdomain "github.com/smallbiznis/sessionbill/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/sessionbill/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/sessionbill/internal/ledger/service"
	"github.com/smallbiznis/sessionbill/internal/migration/migrationtest"
	obsmetrics "github.com/smallbiznis/sessionbill/internal/observability/metrics"
	"github.com/smallbiznis/sessionbill/internal/pricing"
	"github.com/smallbiznis/sessionbill/internal/provider"
	"github.com/smallbiznis/sessionbill/internal/ratelimit"
	"github.com/smallbiznis/sessionbill/internal/sessionbilling/domain"
	sessionrepo "github.com/smallbiznis/sessionbill/internal/sessionbilling/repository"
	sessionservice "github.com/smallbiznis/sessionbill/internal/sessionbilling/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockTerminator struct {
	mock.Mock
}

func (m *mockTerminator) TerminateSession(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

type fakeLease struct {
	held     bool
	lost     bool
	renewed  int
	released int
}

func (l *fakeLease) Renew(context.Context, string, string, time.Duration) error {
	l.renewed++
	if l.lost {
		return ratelimit.ErrLeaseLost
	}
	return nil
}

func (l *fakeLease) TryLock(context.Context, string, time.Duration) (string, bool, error) {
	if l.held {
		return "", false, nil
	}
	return "token", true, nil
}

func (l *fakeLease) Release(context.Context, string, string) error {
	l.released++
	return nil
}

type fixture struct {
	sessions domain.Service
	credit   creditdomain.Service
	ledger   ledgerdomain.Store
	pricing  *pricing.Source
	clock    *clock.FakeClock
	registry *prometheus.Registry
	metrics  *obsmetrics.MonitorMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	conn := migrationtest.Open(t)
	prices := pricing.NewStaticSource(config.DefaultPricing())

	store := ledgerservice.NewService(ledgerservice.Params{
		DB: conn, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: ledgerrepo.Provide(),
	})
	credit := creditservice.NewService(creditservice.Params{
		Config:  config.Config{Credit: config.CreditConfig{MaxAttempts: 5}},
		Log:     zap.NewNop(),
		Ledger:  store,
		Pricing: prices,
	})
	sessions := sessionservice.NewService(sessionservice.Params{
		DB:      conn,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Repo:    sessionrepo.Provide(),
		Credit:  credit,
		Ledger:  store,
		Pricing: prices,
	})
	registry := prometheus.NewRegistry()
	return &fixture{
		sessions: sessions,
		credit:   credit,
		ledger:   store,
		pricing:  prices,
		clock:    clk,
		registry: registry,
		metrics:  obsmetrics.NewMonitorMetrics(registry, obsmetrics.Config{ServiceName: "sessionbill", Environment: "test"}),
	}
}

// monitor builds a fresh Monitor over the shared store, as a restarted process would.
func (f *fixture) monitor(t *testing.T, term provider.Terminator, cfg Config) *Monitor {
	t.Helper()
	m, err := New(Params{
		Log:        zap.NewNop(),
		Config:     cfg,
		Clock:      f.clock,
		Sessions:   f.sessions,
		Credit:     f.credit,
		Pricing:    f.pricing,
		Terminator: term,
		Metrics:    f.metrics,
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) account(t *testing.T, id, balance string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ledger.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{AccountID: id, UserClass: ledgerdomain.UserClassPro})
	require.NoError(t, err)
	_, err = f.credit.Credit(ctx, creditdomain.CreditRequest{AccountID: id, Amount: decimal.RequireFromString(balance)})
	require.NoError(t, err)
}

func (f *fixture) start(t *testing.T, sessionID, accountID string, limits *domain.LimitOverrides) {
	t.Helper()
	_, err := f.sessions.StartBilling(context.Background(), domain.StartRequest{
		SessionID:    sessionID,
		AccountID:    accountID,
		ResourceTier: "small",
		Limits:       limits,
	})
	require.NoError(t, err)
}

func (f *fixture) counter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			return sumCounter(family)
		}
	}
	return 0
}

func sumCounter(family *dto.MetricFamily) float64 {
	var total float64
	for _, metric := range family.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	return total
}

func durationLimits(maxDuration time.Duration) *domain.LimitOverrides {
	noIdle := time.Duration(0)
	return &domain.LimitOverrides{MaxDuration: &maxDuration, MaxIdle: &noIdle}
}

func TestRestartedMonitorTerminatesSessionPastMaxDuration(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", "10")
	f.start(t, "sess-1", "acct-1", durationLimits(time.Hour))
	f.clock.Advance(65 * time.Minute)

	crashed, cancel := context.WithCancel(context.Background())
	cancel()
	first := f.monitor(t, new(mockTerminator), Config{})
	require.ErrorIs(t, first.RunOnce(crashed), context.Canceled)

	record, err := f.sessions.GetRecord(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, record.Status)

	term := new(mockTerminator)
	term.On("TerminateSession", mock.Anything, "sess-1").Return(nil).Once()
	restarted := f.monitor(t, term, Config{})
	require.NoError(t, restarted.RunOnce(context.Background()))
	term.AssertExpectations(t)

	record, err = f.sessions.GetRecord(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, record.Status)
	assert.Equal(t, domain.ReasonMaxDuration, record.TerminationReason)
	assert.Equal(t, 1, record.ProviderAttempts)
	assert.True(t, record.FinalCost.Decimal.Equal(decimal.RequireFromString("0.0812")), record.FinalCost.Decimal.String())

	balance, err := f.credit.Balance(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("9.9188")), balance.String())
	assert.Equal(t, float64(1), f.counter(t, "sessionbill_monitor_terminations_total"))
}

func TestProviderFailureIsRetriedByNextMonitorInstance(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", "10")
	f.start(t, "sess-1", "acct-1", durationLimits(time.Hour))
	f.clock.Advance(61 * time.Minute)

	down := new(mockTerminator)
	down.On("TerminateSession", mock.Anything, "sess-1").Return(provider.ErrProviderUnreachable).Once()
	require.NoError(t, f.monitor(t, down, Config{}).RunOnce(context.Background()))
	down.AssertExpectations(t)

	record, err := f.sessions.GetRecord(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, record.Status)
	assert.Equal(t, domain.ReasonMaxDuration, record.TerminationReason)
	assert.Equal(t, 1, record.ProviderAttempts)
	require.NotNil(t, record.TerminateRequestedAt)

	f.clock.Advance(5 * time.Minute)
	up := new(mockTerminator)
	up.On("TerminateSession", mock.Anything, "sess-1").Return(nil).Once()
	require.NoError(t, f.monitor(t, up, Config{}).RunOnce(context.Background()))
	up.AssertExpectations(t)

	record, err = f.sessions.GetRecord(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, record.Status)
	assert.Equal(t, domain.ReasonMaxDuration, record.TerminationReason)
	assert.Equal(t, 2, record.ProviderAttempts)
	assert.False(t, record.HasAnomaly(domain.AnomalyForcedSettlement))
	assert.Equal(t, float64(1), f.counter(t, "sessionbill_monitor_provider_failures_total"))
}

func TestCreditExhaustionTakesPrecedenceOverMaxCost(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", "0.10")
	maxCost := decimal.RequireFromString("0.05")
	noIdle := time.Duration(0)
	f.start(t, "sess-1", "acct-1", &domain.LimitOverrides{MaxCost: &maxCost, MaxIdle: &noIdle})
	f.clock.Advance(80 * time.Minute)

	term := new(mockTerminator)
	term.On("TerminateSession", mock.Anything, "sess-1").Return(nil).Once()
	require.NoError(t, f.monitor(t, term, Config{}).RunOnce(context.Background()))

	record, err := f.sessions.GetRecord(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonCreditExhausted, record.TerminationReason)
	assert.True(t, record.ChargedAmount.Decimal.Equal(decimal.RequireFromString("0.1")))

	balance, err := f.credit.Balance(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestEscalationThenForcedSettlement(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", "10")
	f.start(t, "sess-1", "acct-1", durationLimits(time.Hour))

	term := new(mockTerminator)
	term.On("TerminateSession", mock.Anything, "sess-1").Return(errors.New("connection refused"))
	cfg := Config{ProviderRetryCeiling: 2, HardCeilingFactor: 2}

	for _, step := range []time.Duration{61 * time.Minute, 30 * time.Minute} {
		f.clock.Advance(step)
		require.NoError(t, f.monitor(t, term, cfg).RunOnce(context.Background()))
		record, err := f.sessions.GetRecord(context.Background(), "sess-1")
		require.NoError(t, err)
		require.Equal(t, domain.StatusActive, record.Status)
	}
	assert.Equal(t, float64(1), f.counter(t, "sessionbill_monitor_escalations_total"))
	assert.Zero(t, f.counter(t, "sessionbill_monitor_forced_settlements_total"))

	f.clock.Advance(30 * time.Minute)
	require.NoError(t, f.monitor(t, term, cfg).RunOnce(context.Background()))

	record, err := f.sessions.GetRecord(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, record.Status)
	assert.Equal(t, domain.ReasonMaxDuration, record.TerminationReason)
	assert.True(t, record.HasAnomaly(domain.AnomalyForcedSettlement))
	assert.Equal(t, 3, record.ProviderAttempts)
	assert.Equal(t, float64(1), f.counter(t, "sessionbill_monitor_escalations_total"))
	assert.Equal(t, float64(1), f.counter(t, "sessionbill_monitor_forced_settlements_total"))
	assert.Equal(t, float64(3), f.counter(t, "sessionbill_monitor_provider_failures_total"))
	term.AssertNumberOfCalls(t, "TerminateSession", 3)
}

func TestSweepPagesThroughAllActiveRecords(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", "100")
	for i := 0; i < 5; i++ {
		f.start(t, fmt.Sprintf("sess-%d", i), "acct-1", nil)
	}
	f.clock.Advance(31 * time.Minute)

	term := new(mockTerminator)
	term.On("TerminateSession", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, f.monitor(t, term, Config{BatchSize: 2}).RunOnce(context.Background()))
	term.AssertNumberOfCalls(t, "TerminateSession", 5)

	for i := 0; i < 5; i++ {
		record, err := f.sessions.GetRecord(context.Background(), fmt.Sprintf("sess-%d", i))
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, record.Status)
		assert.Equal(t, domain.ReasonMaxIdle, record.TerminationReason)
	}

	active, err := f.sessions.ListActive(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSessionWithinLimitsIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", "10")
	f.start(t, "sess-1", "acct-1", nil)
	f.clock.Advance(10 * time.Minute)

	term := new(mockTerminator)
	require.NoError(t, f.monitor(t, term, Config{}).RunOnce(context.Background()))
	term.AssertNotCalled(t, "TerminateSession", mock.Anything, mock.Anything)

	record, err := f.sessions.GetRecord(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, record.Status)
	assert.Nil(t, record.TerminateRequestedAt)
}

func TestSweepSkippedWhileLeaseHeld(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", "10")
	f.start(t, "sess-1", "acct-1", nil)
	f.clock.Advance(2 * time.Hour)

	term := new(mockTerminator)
	m := f.monitor(t, term, Config{})
	lease := &fakeLease{held: true}
	m.lease = lease

	require.NoError(t, m.RunOnce(context.Background()))
	term.AssertNotCalled(t, "TerminateSession", mock.Anything, mock.Anything)
	assert.Zero(t, lease.released)

	lease.held = false
	term.On("TerminateSession", mock.Anything, "sess-1").Return(nil).Once()
	require.NoError(t, m.RunOnce(context.Background()))
	term.AssertExpectations(t)
	assert.Equal(t, 1, lease.released)
}

func TestConcurrentSessionsShareTheAccountBalance(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", "0.30")
	for i := 0; i < 3; i++ {
		f.start(t, fmt.Sprintf("sess-%d", i), "acct-1", durationLimits(24*time.Hour))
	}
	// 2h at 0.075/h is 0.15 per session, so only the first session is covered.
	f.clock.Advance(2 * time.Hour)

	term := new(mockTerminator)
	term.On("TerminateSession", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, f.monitor(t, term, Config{}).RunOnce(context.Background()))

	term.AssertNotCalled(t, "TerminateSession", mock.Anything, "sess-0")
	term.AssertNumberOfCalls(t, "TerminateSession", 2)

	first, err := f.sessions.GetRecord(context.Background(), "sess-0")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, first.Status)
	for _, sessionID := range []string{"sess-1", "sess-2"} {
		record, err := f.sessions.GetRecord(context.Background(), sessionID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, record.Status, sessionID)
		assert.Equal(t, domain.ReasonCreditExhausted, record.TerminationReason, sessionID)
	}
}

func TestSweepStopsWhenLeaseIsLost(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", "100")
	for i := 0; i < 5; i++ {
		f.start(t, fmt.Sprintf("sess-%d", i), "acct-1", nil)
	}
	f.clock.Advance(31 * time.Minute)

	term := new(mockTerminator)
	term.On("TerminateSession", mock.Anything, mock.Anything).Return(nil)
	m := f.monitor(t, term, Config{BatchSize: 2})
	lease := &fakeLease{lost: true}
	m.lease = lease

	require.NoError(t, m.RunOnce(context.Background()))
	term.AssertNumberOfCalls(t, "TerminateSession", 2)
	assert.Equal(t, 1, lease.renewed)
	assert.Equal(t, 1, lease.released)

	active, err := f.sessions.ListActive(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Len(t, active, 3)

	lease.lost = false
	require.NoError(t, m.RunOnce(context.Background()))
	term.AssertNumberOfCalls(t, "TerminateSession", 5)
}
