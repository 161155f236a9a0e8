package service

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/sessionbill/internal/clock"
	"github.com/smallbiznis/sessionbill/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/sessionbill/internal/observability/metrics"
	"github.com/smallbiznis/sessionbill/pkg/db"
	"github.com/smallbiznis/sessionbill/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultListPageSize = 200

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	obsMetrics *obsmetrics.Metrics
	pageSize   int
}

func NewService(p Params) domain.Store {
	return newService(p)
}

func newService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      clk,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
		pageSize:   defaultListPageSize,
	}
}

func (s *Service) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, domain.ErrInvalidAccountID
	}
	account, err := s.repo.FindAccount(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrNotFound
	}
	return account, nil
}

func (s *Service) CreateAccount(ctx context.Context, req domain.CreateAccountRequest) (*domain.Account, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		accountID = s.genID.Generate().String()
	}
	userClass, err := domain.ParseUserClass(string(req.UserClass))
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	account := &domain.Account{
		ID:        accountID,
		Balance:   decimal.Zero,
		UserClass: userClass,
		Status:    domain.AccountStatusActive,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.InsertAccount(ctx, s.db, account); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrAccountExists
		}
		return nil, err
	}

	s.log.Info("account created",
		zap.String("account_id", account.ID),
		zap.String("user_class", string(account.UserClass)),
	)
	return account, nil
}

func (s *Service) DeactivateAccount(ctx context.Context, accountID string) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.ErrInvalidAccountID
	}
	rows, err := s.repo.UpdateStatus(ctx, s.db, accountID, domain.AccountStatusInactive, s.clock.Now())
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	s.log.Info("account deactivated", zap.String("account_id", accountID))
	return nil
}

// ApplyTransaction writes the new balance and the transaction row in one database transaction.
// The balance write is conditioned on req.ExpectedVersion; a lost race yields ErrVersionConflict
// and nothing is persisted.
func (s *Service) ApplyTransaction(ctx context.Context, req domain.ApplyRequest) (*domain.Transaction, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return nil, domain.ErrInvalidAccountID
	}
	if !req.Kind.Valid() {
		return nil, domain.ErrInvalidKind
	}

	balanceAfter := req.ExpectedBalance.Add(req.Amount)
	if balanceAfter.IsNegative() {
		return nil, domain.ErrNegativeBalance
	}

	var applied *domain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		rows, err := s.repo.UpdateBalance(ctx, tx, accountID, req.ExpectedVersion, balanceAfter, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			return domain.ErrVersionConflict
		}

		txn := &domain.Transaction{
			ID:               s.genID.Generate(),
			AccountID:        accountID,
			Amount:           req.Amount,
			Kind:             req.Kind,
			RelatedSessionID: req.RelatedSessionID,
			IdempotencyKey:   req.IdempotencyKey,
			BalanceAfter:     balanceAfter,
			Description:      req.Description,
			Metadata:         req.Metadata,
			CreatedAt:        now,
		}
		if err := s.repo.InsertTransaction(ctx, tx, txn); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrDuplicateTransaction
			}
			return err
		}

		if req.Within != nil {
			if err := req.Within(tx, txn); err != nil {
				return err
			}
		}
		applied = txn
		return nil
	})
	if err != nil {
		if db.IsRetryableTxErr(err) {
			return nil, domain.ErrVersionConflict
		}
		return nil, err
	}

	s.obsMetrics.RecordLedgerTransaction(ctx, string(applied.Kind))
	s.log.Debug("ledger transaction applied",
		zap.String("account_id", applied.AccountID),
		zap.String("transaction_id", applied.ID.String()),
		zap.String("kind", string(applied.Kind)),
		zap.String("amount", applied.Amount.String()),
		zap.String("balance_after", applied.BalanceAfter.String()),
	)
	return applied, nil
}

func (s *Service) GetTransaction(ctx context.Context, id snowflake.ID) (*domain.Transaction, error) {
	txn, err := s.repo.FindTransaction(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, domain.ErrNotFound
	}
	return txn, nil
}

func (s *Service) FindByIdempotencyKey(ctx context.Context, accountID, key string) (*domain.Transaction, error) {
	accountID = strings.TrimSpace(accountID)
	key = strings.TrimSpace(key)
	if accountID == "" || key == "" {
		return nil, domain.ErrNotFound
	}
	txn, err := s.repo.FindTransactionByIdempotencyKey(ctx, s.db, accountID, key)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, domain.ErrNotFound
	}
	return txn, nil
}

// ListTransactions yields the account's transactions in (created_at, id) order, fetching one keyset
// page at a time. Each range over the returned sequence starts from the beginning.
func (s *Service) ListTransactions(ctx context.Context, accountID string, since *time.Time) iter.Seq2[domain.Transaction, error] {
	return func(yield func(domain.Transaction, error) bool) {
		var cursor *pagination.Cursor
		for {
			if err := ctx.Err(); err != nil {
				yield(domain.Transaction{}, err)
				return
			}
			page, err := s.repo.ListTransactions(ctx, s.db, accountID, since, cursor, s.pageSize)
			if err != nil {
				yield(domain.Transaction{}, err)
				return
			}
			for _, txn := range page {
				if !yield(txn, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1]
			cursor = &pagination.Cursor{ID: last.ID.String(), CreatedAt: last.CreatedAt}
		}
	}
}

// ListTransactionsPage returns one keyset page of the account's history, oldest first.
func (s *Service) ListTransactionsPage(ctx context.Context, accountID string, page pagination.Pagination) ([]domain.Transaction, pagination.PageInfo, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	cursor, err := pagination.DecodeCursor(page.PageToken)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}

	size := page.Size()
	txns, err := s.repo.ListTransactions(ctx, s.db, account.ID, nil, cursor, size+1)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}

	var info pagination.PageInfo
	if len(txns) > size {
		txns = txns[:size]
		last := txns[len(txns)-1]
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: last.ID.String(), CreatedAt: last.CreatedAt})
		if err != nil {
			return nil, pagination.PageInfo{}, err
		}
		info = pagination.PageInfo{NextPageToken: token, HasMore: true}
	}
	return txns, info, nil
}

// Replay sums the account's history and checks every balance_after snapshot against the running total.
func (s *Service) Replay(ctx context.Context, accountID string) (domain.ReplayResult, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return domain.ReplayResult{}, err
	}

	result := domain.ReplayResult{
		AccountID: account.ID,
		Balance:   account.Balance,
		Replayed:  decimal.Zero,
	}
	for txn, err := range s.ListTransactions(ctx, account.ID, nil) {
		if err != nil {
			return domain.ReplayResult{}, err
		}
		result.Replayed = result.Replayed.Add(txn.Amount)
		result.Transactions++
		if result.FirstMismatch == nil && !txn.BalanceAfter.Equal(result.Replayed) {
			id := txn.ID
			result.FirstMismatch = &id
		}
	}

	if !result.Consistent() {
		s.log.Error("ledger replay mismatch",
			zap.String("account_id", account.ID),
			zap.String("balance", result.Balance.String()),
			zap.String("replayed", result.Replayed.String()),
		)
	}
	return result, nil
}
