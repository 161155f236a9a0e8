package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/sessionbill/internal/clock"
	"github.com/smallbiznis/sessionbill/internal/config"
	"github.com/smallbiznis/sessionbill/internal/credit/domain"
	ledgerdomain "github.com/smallbiznis/sessionbill/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/sessionbill/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/sessionbill/internal/ledger/service"
	"github.com/smallbiznis/sessionbill/internal/migration/migrationtest"
	"github.com/smallbiznis/sessionbill/internal/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc    domain.Service
	ledger ledgerdomain.Store
	clock  *clock.FakeClock
}

func newFixture(t *testing.T, pricingDoc config.Pricing, wrap func(ledgerdomain.Store) ledgerdomain.Store) fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	store := ledgerservice.NewService(ledgerservice.Params{
		DB:    migrationtest.Open(t),
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  ledgerrepo.Provide(),
	})
	if wrap != nil {
		store = wrap(store)
	}

	svc := NewService(Params{
		Config:  config.Config{Credit: config.CreditConfig{MaxAttempts: 5}},
		Log:     zap.NewNop(),
		Ledger:  store,
		Pricing: pricing.NewStaticSource(pricingDoc),
	})
	return fixture{svc: svc, ledger: store, clock: clk}
}

func (f fixture) account(t *testing.T, id string, class ledgerdomain.UserClass, balance string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ledger.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{AccountID: id, UserClass: class})
	require.NoError(t, err)
	if balance == "0" {
		return
	}
	_, err = f.svc.Credit(ctx, domain.CreditRequest{AccountID: id, Amount: decimal.RequireFromString(balance)})
	require.NoError(t, err)
}

// conflictingStore loses the optimistic race a fixed number of times before delegating.
type conflictingStore struct {
	ledgerdomain.Store
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (s *conflictingStore) ApplyTransaction(ctx context.Context, req ledgerdomain.ApplyRequest) (*ledgerdomain.Transaction, error) {
	s.mu.Lock()
	s.calls++
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return nil, ledgerdomain.ErrVersionConflict
	}
	s.mu.Unlock()
	return s.Store.ApplyTransaction(ctx, req)
}

func TestDebitInsufficientCredit(t *testing.T) {
	f := newFixture(t, config.DefaultPricing(), nil)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "1")

	_, err := f.svc.Debit(context.Background(), domain.DebitRequest{
		AccountID: "acct-1",
		Amount:    decimal.RequireFromString("1.5"),
		Kind:      ledgerdomain.KindStorageCost,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientCredit)

	var insufficient *domain.InsufficientCreditError
	require.True(t, errors.As(err, &insufficient))
	assert.True(t, insufficient.Balance.Equal(decimal.NewFromInt(1)))
	assert.True(t, insufficient.Required.Equal(decimal.RequireFromString("1.5")))

	balance, err := f.svc.Balance(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(1)))
}

func TestDebitCapAtBalance(t *testing.T) {
	f := newFixture(t, config.DefaultPricing(), nil)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "0.40")

	txn, err := f.svc.Debit(context.Background(), domain.DebitRequest{
		AccountID:    "acct-1",
		Amount:       decimal.RequireFromString("0.75"),
		Kind:         ledgerdomain.KindSessionRuntime,
		CapAtBalance: true,
	})
	require.NoError(t, err)
	assert.True(t, txn.Amount.Equal(decimal.RequireFromString("-0.40")))
	assert.True(t, txn.BalanceAfter.IsZero())
}

func TestDebitRetriesVersionConflicts(t *testing.T) {
	var wrapped *conflictingStore
	f := newFixture(t, config.DefaultPricing(), func(store ledgerdomain.Store) ledgerdomain.Store {
		wrapped = &conflictingStore{Store: store}
		return wrapped
	})
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "10")

	wrapped.mu.Lock()
	wrapped.conflicts = 3
	wrapped.calls = 0
	wrapped.mu.Unlock()

	txn, err := f.svc.Debit(context.Background(), domain.DebitRequest{
		AccountID: "acct-1",
		Amount:    decimal.RequireFromString("0.15"),
		Kind:      ledgerdomain.KindSessionRuntime,
	})
	require.NoError(t, err)
	assert.True(t, txn.BalanceAfter.Equal(decimal.RequireFromString("9.85")))
	assert.Equal(t, 4, wrapped.calls)
}

func TestDebitConcurrencyExhausted(t *testing.T) {
	var wrapped *conflictingStore
	f := newFixture(t, config.DefaultPricing(), func(store ledgerdomain.Store) ledgerdomain.Store {
		wrapped = &conflictingStore{Store: store}
		return wrapped
	})
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "10")

	wrapped.mu.Lock()
	wrapped.conflicts = 100
	wrapped.calls = 0
	wrapped.mu.Unlock()

	_, err := f.svc.Debit(context.Background(), domain.DebitRequest{
		AccountID: "acct-1",
		Amount:    decimal.NewFromInt(1),
		Kind:      ledgerdomain.KindSessionRuntime,
	})
	assert.ErrorIs(t, err, domain.ErrConcurrencyExhausted)
	assert.Equal(t, 5, wrapped.calls)

	balance, err := f.svc.Balance(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(10)))
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	f := newFixture(t, config.DefaultPricing(), nil)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "1")

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Debit(context.Background(), domain.DebitRequest{
				AccountID: "acct-1",
				Amount:    decimal.RequireFromString("0.10"),
				Kind:      ledgerdomain.KindSessionRuntime,
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrInsufficientCredit) && !errors.Is(err, domain.ErrConcurrencyExhausted) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	balance, err := f.svc.Balance(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.False(t, balance.IsNegative())
	assert.LessOrEqual(t, succeeded, 10)

	spent := decimal.RequireFromString("0.10").Mul(decimal.NewFromInt(int64(succeeded)))
	assert.True(t, balance.Add(spent).Equal(decimal.NewFromInt(1)), "balance %s spent %s", balance, spent)

	result, err := f.svc.Verify(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.True(t, result.Consistent())
}

func TestCreditRejectsNonPositive(t *testing.T) {
	f := newFixture(t, config.DefaultPricing(), nil)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "0")

	_, err := f.svc.Credit(context.Background(), domain.CreditRequest{AccountID: "acct-1", Amount: decimal.Zero})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.svc.Credit(context.Background(), domain.CreditRequest{AccountID: "missing", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ledgerdomain.ErrNotFound)
}

func TestInactiveAccountCannotMove(t *testing.T) {
	f := newFixture(t, config.DefaultPricing(), nil)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "5")
	require.NoError(t, f.ledger.DeactivateAccount(context.Background(), "acct-1"))

	_, err := f.svc.Debit(context.Background(), domain.DebitRequest{AccountID: "acct-1", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, domain.ErrAccountInactive)
}

func TestRuntimeSettlementLandsOnInactiveAccount(t *testing.T) {
	f := newFixture(t, config.DefaultPricing(), nil)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "5")
	ctx := context.Background()
	require.NoError(t, f.ledger.DeactivateAccount(ctx, "acct-1"))

	hookRan := false
	txn, err := f.svc.Debit(ctx, domain.DebitRequest{
		AccountID: "acct-1",
		Amount:    decimal.NewFromInt(2),
		Kind:      ledgerdomain.KindSessionRuntime,
		Within: func(*gorm.DB, *ledgerdomain.Transaction) error {
			hookRan = true
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, hookRan)
	assert.True(t, txn.BalanceAfter.Equal(decimal.NewFromInt(3)))

	_, err = f.svc.ChargeStorage(ctx, domain.StorageChargeRequest{
		AccountID: "acct-1", StorageKind: "bucket", SizeGB: decimal.NewFromInt(1), Days: 30,
	})
	assert.ErrorIs(t, err, domain.ErrAccountInactive)
	_, err = f.svc.Credit(ctx, domain.CreditRequest{AccountID: "acct-1", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, domain.ErrAccountInactive)
}

func TestIdempotencyKeysAreScopedPerAccount(t *testing.T) {
	f := newFixture(t, config.DefaultPricing(), nil)
	f.account(t, "acct-a", ledgerdomain.UserClassPro, "0")
	f.account(t, "acct-b", ledgerdomain.UserClassPro, "0")
	ctx := context.Background()
	key := "order-1"

	first, err := f.svc.PurchaseCredits(ctx, domain.PurchaseRequest{AccountID: "acct-a", Amount: decimal.NewFromInt(20), IdempotencyKey: &key})
	require.NoError(t, err)
	second, err := f.svc.PurchaseCredits(ctx, domain.PurchaseRequest{AccountID: "acct-b", Amount: decimal.NewFromInt(50), IdempotencyKey: &key})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "acct-b", second.AccountID)
	assert.True(t, second.Amount.Equal(decimal.NewFromInt(50)))

	balanceA, err := f.svc.Balance(ctx, "acct-a")
	require.NoError(t, err)
	assert.True(t, balanceA.Equal(decimal.NewFromInt(20)))
	balanceB, err := f.svc.Balance(ctx, "acct-b")
	require.NoError(t, err)
	assert.True(t, balanceB.Equal(decimal.NewFromInt(50)))

	_, err = f.svc.ChargeStorage(ctx, domain.StorageChargeRequest{
		AccountID: "acct-a", StorageKind: "bucket", SizeGB: decimal.NewFromInt(10), Days: 30, IdempotencyKey: &key,
	})
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyReused)
	balanceA, err = f.svc.Balance(ctx, "acct-a")
	require.NoError(t, err)
	assert.True(t, balanceA.Equal(decimal.NewFromInt(20)))
}

func TestPurchaseCreditsAddsBonusOnce(t *testing.T) {
	doc := config.DefaultPricing()
	doc.Purchase.BonusPercent = "20"
	f := newFixture(t, doc, nil)
	f.account(t, "acct-1", ledgerdomain.UserClassFree, "0")
	ctx := context.Background()

	_, err := f.svc.PurchaseCredits(ctx, domain.PurchaseRequest{AccountID: "acct-1", Amount: decimal.NewFromInt(5)})
	assert.ErrorIs(t, err, pricing.ErrBelowMinimumPurchase)

	key := "checkout-42"
	first, err := f.svc.PurchaseCredits(ctx, domain.PurchaseRequest{AccountID: "acct-1", Amount: decimal.NewFromInt(10), IdempotencyKey: &key})
	require.NoError(t, err)
	assert.True(t, first.Amount.Equal(decimal.NewFromInt(12)))
	assert.Equal(t, "2", first.Metadata["bonus"])

	again, err := f.svc.PurchaseCredits(ctx, domain.PurchaseRequest{AccountID: "acct-1", Amount: decimal.NewFromInt(10), IdempotencyKey: &key})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	balance, err := f.svc.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(12)))
}

func TestChargeStorage(t *testing.T) {
	f := newFixture(t, config.DefaultPricing(), nil)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "10")

	txn, err := f.svc.ChargeStorage(context.Background(), domain.StorageChargeRequest{
		AccountID:   "acct-1",
		StorageKind: "filestore",
		ResourceID:  "vol-1",
		SizeGB:      decimal.NewFromInt(10),
		Days:        15,
	})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.KindStorageCost, txn.Kind)
	assert.True(t, txn.Amount.Equal(decimal.RequireFromString("-0.85")))
	assert.True(t, txn.BalanceAfter.Equal(decimal.RequireFromString("9.15")))
}

func TestAdjustCannotOverdraw(t *testing.T) {
	f := newFixture(t, config.DefaultPricing(), nil)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "2")
	ctx := context.Background()

	_, err := f.svc.Adjust(ctx, domain.AdjustRequest{AccountID: "acct-1", Amount: decimal.NewFromInt(-3), Actor: "ops"})
	assert.ErrorIs(t, err, domain.ErrInsufficientCredit)

	txn, err := f.svc.Adjust(ctx, domain.AdjustRequest{AccountID: "acct-1", Amount: decimal.NewFromInt(-2), Reason: "refund reversal", Actor: "ops"})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.KindAdjustment, txn.Kind)
	assert.True(t, txn.BalanceAfter.IsZero())

	_, err = f.svc.Adjust(ctx, domain.AdjustRequest{AccountID: "acct-1", Amount: decimal.Zero})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestSummary(t *testing.T) {
	f := newFixture(t, config.DefaultPricing(), nil)
	f.account(t, "acct-1", ledgerdomain.UserClassPro, "10")
	ctx := context.Background()

	f.clock.Advance(time.Hour)
	_, err := f.svc.Debit(ctx, domain.DebitRequest{AccountID: "acct-1", Amount: decimal.RequireFromString("0.15"), Kind: ledgerdomain.KindSessionRuntime})
	require.NoError(t, err)
	_, err = f.svc.Debit(ctx, domain.DebitRequest{AccountID: "acct-1", Amount: decimal.RequireFromString("0.05"), Kind: ledgerdomain.KindStorageCost})
	require.NoError(t, err)

	summary, err := f.svc.Summary(ctx, "acct-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Transactions)
	assert.True(t, summary.CreditsAdded.Equal(decimal.NewFromInt(10)))
	assert.True(t, summary.CreditsUsed.Equal(decimal.RequireFromString("0.20")))
	assert.True(t, summary.ByKind[ledgerdomain.KindSessionRuntime].Equal(decimal.RequireFromString("-0.15")))
	assert.True(t, summary.Balance.Equal(decimal.RequireFromString("9.80")))

	from := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	windowed, err := f.svc.Summary(ctx, "acct-1", &from, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, windowed.Transactions)
}
