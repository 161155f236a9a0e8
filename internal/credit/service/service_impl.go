package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/sessionbill/internal/config"
	"github.com/smallbiznis/sessionbill/internal/credit/domain"
	ledgerdomain "github.com/smallbiznis/sessionbill/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/sessionbill/internal/observability/metrics"
	"github.com/smallbiznis/sessionbill/internal/pricing"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	defaultMaxAttempts = 5
	minRetryWait       = 5 * time.Millisecond
	maxRetryWait       = 100 * time.Millisecond
)

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	Ledger     ledgerdomain.Store
	Pricing    *pricing.Source
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log         *zap.Logger
	ledger      ledgerdomain.Store
	pricing     *pricing.Source
	obsMetrics  *obsmetrics.Metrics
	maxAttempts int
}

func NewService(p Params) domain.Service {
	maxAttempts := p.Config.Credit.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Service{
		log:         p.Log.Named("credit.service"),
		ledger:      p.Ledger,
		pricing:     p.Pricing,
		obsMetrics:  p.ObsMetrics,
		maxAttempts: maxAttempts,
	}
}

func (s *Service) Account(ctx context.Context, accountID string) (*ledgerdomain.Account, error) {
	return s.ledger.GetAccount(ctx, accountID)
}

func (s *Service) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

// CheckSufficientBalance is a hint: the balance can change before any later debit.
func (s *Service) CheckSufficientBalance(ctx context.Context, accountID string, estimatedCost decimal.Decimal) (bool, error) {
	if estimatedCost.IsNegative() {
		return false, domain.ErrInvalidAmount
	}
	balance, err := s.Balance(ctx, accountID)
	if err != nil {
		return false, err
	}
	return !balance.LessThan(estimatedCost), nil
}

func (s *Service) Debit(ctx context.Context, req domain.DebitRequest) (*ledgerdomain.Transaction, error) {
	if req.Amount.IsNegative() {
		return nil, domain.ErrInvalidAmount
	}
	kind := req.Kind
	if kind == "" {
		kind = ledgerdomain.KindSessionRuntime
	}

	opts := applyOptions{
		idempotencyKey: req.IdempotencyKey,
		kind:           kind,
		hooked:         req.Within != nil,
		// Runtime settlement closes out usage that already happened, so it lands on inactive accounts too.
		allowInactive: req.Within != nil && kind == ledgerdomain.KindSessionRuntime,
	}
	txn, err := s.apply(ctx, "debit", req.AccountID, opts, func(account *ledgerdomain.Account) (ledgerdomain.ApplyRequest, error) {
		charge := req.Amount
		if account.Balance.LessThan(charge) {
			if !req.CapAtBalance {
				return ledgerdomain.ApplyRequest{}, domain.NewInsufficientCreditError(account.Balance, req.Amount)
			}
			charge = account.Balance
		}
		return ledgerdomain.ApplyRequest{
			AccountID:        account.ID,
			ExpectedVersion:  account.Version,
			ExpectedBalance:  account.Balance,
			Amount:           charge.Neg(),
			Kind:             kind,
			RelatedSessionID: req.RelatedSessionID,
			IdempotencyKey:   req.IdempotencyKey,
			Description:      req.Description,
			Metadata:         req.Metadata,
			Within:           req.Within,
		}, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredit) {
			s.obsMetrics.RecordDebitRejected(ctx, "insufficient_credit")
		}
		return nil, err
	}
	return txn, nil
}

func (s *Service) Credit(ctx context.Context, req domain.CreditRequest) (*ledgerdomain.Transaction, error) {
	if !req.Amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	kind := req.Kind
	if kind == "" {
		kind = ledgerdomain.KindCreditPurchase
	}

	opts := applyOptions{idempotencyKey: req.IdempotencyKey, kind: kind}
	return s.apply(ctx, "credit", req.AccountID, opts, func(account *ledgerdomain.Account) (ledgerdomain.ApplyRequest, error) {
		return ledgerdomain.ApplyRequest{
			AccountID:        account.ID,
			ExpectedVersion:  account.Version,
			ExpectedBalance:  account.Balance,
			Amount:           req.Amount,
			Kind:             kind,
			RelatedSessionID: req.RelatedSessionID,
			IdempotencyKey:   req.IdempotencyKey,
			Description:      req.Description,
			Metadata:         req.Metadata,
		}, nil
	})
}

// PurchaseCredits records a purchase and its bonus as one CREDIT_PURCHASE transaction.
func (s *Service) PurchaseCredits(ctx context.Context, req domain.PurchaseRequest) (*ledgerdomain.Transaction, error) {
	calc, err := s.pricing.Calculator()
	if err != nil {
		return nil, err
	}
	bonus, err := calc.PurchaseBonus(req.Amount)
	if err != nil {
		return nil, err
	}

	return s.Credit(ctx, domain.CreditRequest{
		AccountID:      req.AccountID,
		Amount:         req.Amount.Add(bonus),
		Kind:           ledgerdomain.KindCreditPurchase,
		IdempotencyKey: req.IdempotencyKey,
		Description:    "credit purchase",
		Metadata: datatypes.JSONMap{
			"base":     req.Amount.String(),
			"bonus":    bonus.String(),
			"currency": calc.Currency(),
		},
	})
}

func (s *Service) ChargeStorage(ctx context.Context, req domain.StorageChargeRequest) (*ledgerdomain.Transaction, error) {
	calc, err := s.pricing.Calculator()
	if err != nil {
		return nil, err
	}
	cost, err := calc.StorageCost(req.StorageKind, req.SizeGB, req.Days)
	if err != nil {
		return nil, err
	}

	return s.Debit(ctx, domain.DebitRequest{
		AccountID:      req.AccountID,
		Amount:         cost,
		Kind:           ledgerdomain.KindStorageCost,
		IdempotencyKey: req.IdempotencyKey,
		Description:    fmt.Sprintf("%s storage", strings.ToLower(strings.TrimSpace(req.StorageKind))),
		Metadata: datatypes.JSONMap{
			"storage_kind": strings.ToLower(strings.TrimSpace(req.StorageKind)),
			"resource_id":  req.ResourceID,
			"size_gb":      req.SizeGB.String(),
			"days":         req.Days,
		},
	})
}

// Adjust applies a signed operator correction. A negative adjustment cannot overdraw the account.
func (s *Service) Adjust(ctx context.Context, req domain.AdjustRequest) (*ledgerdomain.Transaction, error) {
	if req.Amount.IsZero() {
		return nil, domain.ErrInvalidAmount
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual adjustment"
	}
	metadata := datatypes.JSONMap{"actor": req.Actor}

	if req.Amount.IsNegative() {
		return s.Debit(ctx, domain.DebitRequest{
			AccountID:      req.AccountID,
			Amount:         req.Amount.Neg(),
			Kind:           ledgerdomain.KindAdjustment,
			IdempotencyKey: req.IdempotencyKey,
			Description:    reason,
			Metadata:       metadata,
		})
	}
	return s.Credit(ctx, domain.CreditRequest{
		AccountID:      req.AccountID,
		Amount:         req.Amount,
		Kind:           ledgerdomain.KindAdjustment,
		IdempotencyKey: req.IdempotencyKey,
		Description:    reason,
		Metadata:       metadata,
	})
}

func (s *Service) Summary(ctx context.Context, accountID string, from, to *time.Time) (*domain.Summary, error) {
	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	summary := &domain.Summary{
		AccountID:    account.ID,
		From:         from,
		To:           to,
		Balance:      account.Balance,
		CreditsAdded: decimal.Zero,
		CreditsUsed:  decimal.Zero,
		ByKind:       map[ledgerdomain.TransactionKind]decimal.Decimal{},
	}
	for txn, err := range s.ledger.ListTransactions(ctx, account.ID, from) {
		if err != nil {
			return nil, err
		}
		if to != nil && !txn.CreatedAt.Before(*to) {
			break
		}
		summary.Transactions++
		summary.ByKind[txn.Kind] = summary.ByKind[txn.Kind].Add(txn.Amount)
		if txn.Amount.IsPositive() {
			summary.CreditsAdded = summary.CreditsAdded.Add(txn.Amount)
		} else {
			summary.CreditsUsed = summary.CreditsUsed.Add(txn.Amount.Neg())
		}
	}
	return summary, nil
}

func (s *Service) Verify(ctx context.Context, accountID string) (ledgerdomain.ReplayResult, error) {
	return s.ledger.Replay(ctx, accountID)
}

type applyOptions struct {
	idempotencyKey *string
	kind           ledgerdomain.TransactionKind
	// hooked writes never resolve to an earlier transaction; their hook must run.
	hooked        bool
	allowInactive bool
}

// apply runs the read, compute, conditional-write loop. build sees a fresh account on every attempt.
func (s *Service) apply(
	ctx context.Context,
	operation string,
	accountID string,
	opts applyOptions,
	build func(account *ledgerdomain.Account) (ledgerdomain.ApplyRequest, error),
) (*ledgerdomain.Transaction, error) {
	idempotencyKey, hooked := opts.idempotencyKey, opts.hooked
	conflicts := 0
	attempt := func() (*ledgerdomain.Transaction, error) {
		account, err := s.ledger.GetAccount(ctx, accountID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if !account.Active() && !opts.allowInactive {
			return nil, backoff.Permanent(domain.ErrAccountInactive)
		}
		req, err := build(account)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		txn, err := s.ledger.ApplyTransaction(ctx, req)
		switch {
		case err == nil:
			return txn, nil
		case errors.Is(err, ledgerdomain.ErrVersionConflict):
			conflicts++
			s.obsMetrics.RecordOptimisticConflict(ctx, operation)
			return nil, err
		case errors.Is(err, ledgerdomain.ErrDuplicateTransaction) && idempotencyKey != nil && !hooked:
			existing, findErr := s.ledger.FindByIdempotencyKey(ctx, account.ID, *idempotencyKey)
			if findErr != nil {
				return nil, backoff.Permanent(findErr)
			}
			if existing.Kind != opts.kind || existing.Amount.Sign() != req.Amount.Sign() {
				return nil, backoff.Permanent(domain.ErrIdempotencyKeyReused)
			}
			return existing, nil
		default:
			return nil, backoff.Permanent(err)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = minRetryWait
	policy.MaxInterval = maxRetryWait
	policy.RandomizationFactor = 0.5

	txn, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(s.maxAttempts)),
	)
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrVersionConflict) {
			s.log.Warn("optimistic retry budget exhausted",
				zap.String("operation", operation),
				zap.String("account_id", accountID),
				zap.Int("conflicts", conflicts),
			)
			return nil, fmt.Errorf("%w: %d conflicting writers", domain.ErrConcurrencyExhausted, conflicts)
		}
		return nil, err
	}
	return txn, nil
}
