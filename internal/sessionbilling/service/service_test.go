package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/sessionbill/internal/clock"
	"github.com/smallbiznis/sessionbill/internal/config"
	creditdomain "github.com/smallbiznis/sessionbill/internal/credit/domain"
	creditservice "github.com/smallbiznis/sessionbill/internal/credit/service"
	ledgerdomain "github.com/smallbiznis/sessionbill/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/sessionbill/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/sessionbill/internal/ledger/service"
	"github.com/smallbiznis/sessionbill/internal/migration/migrationtest"
	"github.com/smallbiznis/sessionbill/internal/pricing"
	"github.com/smallbiznis/sessionbill/internal/sessionbilling/domain"
	"github.com/smallbiznis/sessionbill/internal/sessionbilling/repository"
	"github.com/smallbiznis/sessionbill/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	svc    domain.Service
	credit creditdomain.Service
	ledger ledgerdomain.Store
	clock  *clock.FakeClock
}

func newFixture(t *testing.T) fixture {
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
	svc := NewService(Params{
		DB:      conn,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Repo:    repository.Provide(),
		Credit:  credit,
		Ledger:  store,
		Pricing: prices,
	})
	return fixture{svc: svc, credit: credit, ledger: store, clock: clk}
}

func (f fixture) account(t *testing.T, id string, class ledgerdomain.UserClass, balance string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ledger.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{AccountID: id, UserClass: class})
	require.NoError(t, err)
	if balance != "0" {
		_, err = f.credit.Credit(ctx, creditdomain.CreditRequest{AccountID: id, Amount: decimal.RequireFromString(balance)})
		require.NoError(t, err)
	}
}

func (f fixture) transactions(t *testing.T, accountID string, kind ledgerdomain.TransactionKind) []ledgerdomain.Transaction {
	t.Helper()
	var out []ledgerdomain.Transaction
	for txn, err := range f.ledger.ListTransactions(context.Background(), accountID, nil) {
		require.NoError(t, err)
		if txn.Kind == kind {
			out = append(out, txn)
		}
	}
	return out
}

func TestTwoHourProSessionDebitsFifteenCents(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "10.00")
	ctx := context.Background()

	record, err := f.svc.StartBilling(ctx, domain.StartRequest{SessionID: "sess-1", AccountID: "acct-1", ResourceTier: "small"})
	require.NoError(t, err)
	assert.True(t, record.HourlyRate.Equal(decimal.RequireFromString("0.075")))
	assert.Equal(t, domain.StatusActive, record.Status)

	f.clock.Advance(2 * time.Hour)
	settlement, err := f.svc.StopBilling(ctx, "sess-1")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, settlement.Record.Status)
	assert.Equal(t, domain.ReasonUserStop, settlement.Record.TerminationReason)
	assert.True(t, settlement.Record.FinalCost.Decimal.Equal(decimal.RequireFromString("0.15")))
	assert.Nil(t, settlement.Record.OpenSessionID)
	assert.True(t, settlement.Transaction.Amount.Equal(decimal.RequireFromString("-0.15")))
	assert.Equal(t, ledgerdomain.KindSessionRuntime, settlement.Transaction.Kind)
	require.NotNil(t, settlement.Transaction.RelatedSessionID)
	assert.Equal(t, "sess-1", *settlement.Transaction.RelatedSessionID)

	balance, err := f.credit.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("9.85")), "balance %s", balance)
	assert.Len(t, f.transactions(t, "acct-1", ledgerdomain.KindSessionRuntime), 1)

	result, err := f.credit.Verify(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, result.Consistent())
}

func TestDeactivatedAccountStillSettlesActiveSession(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "10")
	ctx := context.Background()

	_, err := f.svc.StartBilling(ctx, domain.StartRequest{SessionID: "sess-1", AccountID: "acct-1", ResourceTier: "small"})
	require.NoError(t, err)
	require.NoError(t, f.ledger.DeactivateAccount(ctx, "acct-1"))
	f.clock.Advance(time.Hour)

	settlement, err := f.svc.StopBilling(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, settlement.Record.Status)
	assert.True(t, settlement.Transaction.Amount.Equal(decimal.RequireFromString("-0.075")))

	again, err := f.svc.StopBilling(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.Transaction.ID, again.Transaction.ID)

	balance, err := f.credit.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("9.925")), "balance %s", balance)

	_, err = f.svc.StartBilling(ctx, domain.StartRequest{SessionID: "sess-2", AccountID: "acct-1", ResourceTier: "small"})
	assert.ErrorIs(t, err, creditdomain.ErrAccountInactive)
}

func TestStopBillingIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "10")
	ctx := context.Background()

	_, err := f.svc.StartBilling(ctx, domain.StartRequest{SessionID: "sess-1", AccountID: "acct-1", ResourceTier: "small"})
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	first, err := f.svc.StopBilling(ctx, "sess-1")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	second, err := f.svc.StopBillingWithReason(ctx, "sess-1", domain.ReasonMaxDuration, domain.StopOptions{})
	require.NoError(t, err)

	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, domain.ReasonUserStop, second.Record.TerminationReason)
	assert.Len(t, f.transactions(t, "acct-1", ledgerdomain.KindSessionRuntime), 1)
}

func TestConcurrentStopsDebitOnce(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "10")
	ctx := context.Background()

	_, err := f.svc.StartBilling(ctx, domain.StartRequest{SessionID: "sess-1", AccountID: "acct-1", ResourceTier: "medium"})
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	var wg sync.WaitGroup
	ids := make([]snowflake.ID, 4)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			settlement, err := f.svc.StopBilling(ctx, "sess-1")
			if err != nil {
				t.Errorf("stop %d: %v", i, err)
				return
			}
			ids[i] = settlement.Transaction.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, f.transactions(t, "acct-1", ledgerdomain.KindSessionRuntime), 1)
	balance, err := f.credit.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("9.85")))
}

func TestStartBillingInsufficientCredit(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", ledgerdomain.UserClassFree, "0.01")
	ctx := context.Background()

	_, err := f.svc.StartBilling(ctx, domain.StartRequest{SessionID: "sess-1", AccountID: "acct-1", ResourceTier: "small"})
	require.Error(t, err)
	assert.ErrorIs(t, err, creditdomain.ErrInsufficientCredit)

	var insufficient *creditdomain.InsufficientCreditError
	require.True(t, errors.As(err, &insufficient))
	assert.True(t, insufficient.Balance.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, insufficient.Required.Equal(decimal.RequireFromString("0.05")))

	_, err = f.svc.GetRecord(ctx, "sess-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStartBillingUnknownTier(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", ledgerdomain.UserClassFree, "5")

	_, err := f.svc.StartBilling(context.Background(), domain.StartRequest{SessionID: "sess-1", AccountID: "acct-1", ResourceTier: "xlarge"})
	assert.ErrorIs(t, err, pricing.ErrUnknownTier)
}

func TestConcurrentStartBillingAdmitsOne(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "10")
	ctx := context.Background()

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
		already int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.StartBilling(ctx, domain.StartRequest{SessionID: "sess-1", AccountID: "acct-1", ResourceTier: "small"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started++
			case errors.Is(err, domain.ErrAlreadyBilling):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, started)
	assert.Equal(t, callers-1, already)

	active, err := f.svc.ListActive(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestRestartAfterCompletion(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "10")
	ctx := context.Background()

	first, err := f.svc.StartBilling(ctx, domain.StartRequest{SessionID: "sess-1", AccountID: "acct-1", ResourceTier: "small"})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.svc.StopBilling(ctx, "sess-1")
	require.NoError(t, err)

	second, err := f.svc.StartBilling(ctx, domain.StartRequest{SessionID: "sess-1", AccountID: "acct-1", ResourceTier: "small"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	latest, err := f.svc.GetRecord(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestStopWithoutRecord(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.StopBilling(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotBilling)
}

func TestCancelBilling(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "10")
	ctx := context.Background()

	_, err := f.svc.StartBilling(ctx, domain.StartRequest{SessionID: "sess-1", AccountID: "acct-1", ResourceTier: "small"})
	require.NoError(t, err)
	f.clock.Advance(10 * time.Second)

	record, err := f.svc.CancelBilling(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, record.Status)
	assert.Equal(t, domain.ReasonCancelled, record.TerminationReason)
	assert.Nil(t, record.TransactionID)

	_, err = f.svc.StopBilling(ctx, "sess-1")
	assert.ErrorIs(t, err, domain.ErrNotBilling)
	_, err = f.svc.CancelBilling(ctx, "sess-1")
	assert.ErrorIs(t, err, domain.ErrNotBilling)
	assert.Empty(t, f.transactions(t, "acct-1", ledgerdomain.KindSessionRuntime))
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "10")
	ctx := context.Background()

	_, err := f.svc.StartBilling(ctx, domain.StartRequest{SessionID: "sess-1", AccountID: "acct-1", ResourceTier: "small"})
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.svc.Heartbeat(ctx, "sess-1"))

	record, err := f.svc.GetRecord(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, record.LastActivityTime.Equal(f.clock.Now()))

	assert.NoError(t, f.svc.Heartbeat(ctx, "unknown"))
}

func TestClockSkewSettlesAtZero(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "10")
	ctx := context.Background()

	_, err := f.svc.StartBilling(ctx, domain.StartRequest{SessionID: "sess-1", AccountID: "acct-1", ResourceTier: "small"})
	require.NoError(t, err)
	f.clock.Advance(-time.Minute)

	settlement, err := f.svc.StopBilling(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, settlement.Transaction.Amount.IsZero())
	assert.True(t, settlement.Record.HasAnomaly(domain.AnomalyInvalidInterval))
	assert.True(t, settlement.Record.FinalCost.Decimal.IsZero())

	balance, err := f.credit.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(10)))
}

func TestShortfallIsCappedAndFlagged(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", ledgerdomain.UserClassFree, "0.05")
	ctx := context.Background()

	_, err := f.svc.StartBilling(ctx, domain.StartRequest{SessionID: "sess-1", AccountID: "acct-1", ResourceTier: "small"})
	require.NoError(t, err)
	f.clock.Advance(3 * time.Hour)

	settlement, err := f.svc.StopBilling(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, settlement.Record.FinalCost.Decimal.Equal(decimal.RequireFromString("0.15")))
	assert.True(t, settlement.Record.ChargedAmount.Decimal.Equal(decimal.RequireFromString("0.05")))
	assert.True(t, settlement.Record.Shortfall.Decimal.Equal(decimal.RequireFromString("0.10")))
	assert.True(t, settlement.Record.HasAnomaly(domain.AnomalyCreditShortfall))

	balance, err := f.credit.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestGetCurrentCost(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "10")
	ctx := context.Background()

	_, err := f.svc.StartBilling(ctx, domain.StartRequest{SessionID: "sess-1", AccountID: "acct-1", ResourceTier: "small"})
	require.NoError(t, err)
	f.clock.Advance(90 * time.Second)

	view, err := f.svc.GetCurrentCost(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "0.0019", view.Cost.String())
	assert.Equal(t, domain.StatusActive, view.Status)

	balance, err := f.credit.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(10)), "projection does not charge")

	_, err = f.svc.StopBilling(ctx, "sess-1")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	view, err = f.svc.GetCurrentCost(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, view.Status)
	assert.Equal(t, "0.0019", view.Cost.String())
}

func TestLimitOverridesArePersisted(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", ledgerdomain.UserClassEnterprise, "50")
	ctx := context.Background()

	maxDuration := 2 * time.Hour
	maxCost := decimal.NewFromInt(5)
	_, err := f.svc.StartBilling(ctx, domain.StartRequest{
		SessionID:    "sess-1",
		AccountID:    "acct-1",
		ResourceTier: "large",
		GPUAddon:     "a100",
		Limits:       &domain.LimitOverrides{MaxDuration: &maxDuration, MaxCost: &maxCost},
	})
	require.NoError(t, err)

	record, err := f.svc.GetRecord(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, record.HourlyRate.Equal(decimal.RequireFromString("1.36")))

	limits := record.Limits(pricing.Limits{MaxDuration: 24 * time.Hour, MaxIdle: 30 * time.Minute})
	assert.Equal(t, 2*time.Hour, limits.MaxDuration)
	assert.Equal(t, 30*time.Minute, limits.MaxIdle)
	assert.True(t, limits.MaxCost.Equal(decimal.NewFromInt(5)))
}

func TestMarkTerminationRequestedKeepsFirstReason(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "10")
	ctx := context.Background()

	record, err := f.svc.StartBilling(ctx, domain.StartRequest{SessionID: "sess-1", AccountID: "acct-1", ResourceTier: "small"})
	require.NoError(t, err)

	for i, reason := range []domain.TerminationReason{domain.ReasonMaxIdle, domain.ReasonMaxDuration} {
		marked, err := f.svc.MarkTerminationRequested(ctx, record.ID, reason)
		require.NoError(t, err, fmt.Sprintf("attempt %d", i))
		assert.Equal(t, domain.ReasonMaxIdle, marked.TerminationReason)
		assert.Equal(t, i+1, marked.ProviderAttempts)
	}

	settlement, err := f.svc.StopBillingWithReason(ctx, "sess-1", domain.ReasonMaxDuration, domain.StopOptions{Forced: true})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonMaxIdle, settlement.Record.TerminationReason)
	assert.True(t, settlement.Record.HasAnomaly(domain.AnomalyForcedSettlement))
}

func TestListByAccountPagesNewestFirst(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "10")
	f.account(t, "acct-2", ledgerdomain.UserClassPro, "10")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.StartBilling(ctx, domain.StartRequest{SessionID: fmt.Sprintf("sess-%d", i), AccountID: "acct-1", ResourceTier: "small"})
		require.NoError(t, err)
		f.clock.Advance(time.Hour)
	}
	_, err := f.svc.StartBilling(ctx, domain.StartRequest{SessionID: "other", AccountID: "acct-2", ResourceTier: "small"})
	require.NoError(t, err)
	_, err = f.svc.CancelBilling(ctx, "sess-0")
	require.NoError(t, err)

	page, info, err := f.svc.ListByAccount(ctx, "acct-1", pagination.Pagination{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "sess-2", page[0].SessionID)
	assert.True(t, page[0].Cost.Equal(decimal.RequireFromString("0.075")), page[0].Cost.String())
	assert.Equal(t, "sess-1", page[1].SessionID)
	assert.True(t, page[1].Cost.Equal(decimal.RequireFromString("0.15")), page[1].Cost.String())
	require.True(t, info.HasMore)

	rest, info, err := f.svc.ListByAccount(ctx, "acct-1", pagination.Pagination{PageSize: 2, PageToken: info.NextPageToken})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "sess-0", rest[0].SessionID)
	assert.Equal(t, domain.StatusCancelled, rest[0].Status)
	assert.True(t, rest[0].Cost.IsZero())
	assert.False(t, info.HasMore)

	_, _, err = f.svc.ListByAccount(ctx, "acct-1", pagination.Pagination{PageToken: "bogus"})
	assert.ErrorIs(t, err, pagination.ErrInvalidPageToken)
	_, _, err = f.svc.ListByAccount(ctx, "missing", pagination.Pagination{})
	assert.ErrorIs(t, err, ledgerdomain.ErrNotFound)
}
