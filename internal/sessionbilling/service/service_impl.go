package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/sessionbill/internal/clock"
	creditdomain "github.com/smallbiznis/sessionbill/internal/credit/domain"
	ledgerdomain "github.com/smallbiznis/sessionbill/internal/ledger/domain"
	"github.com/smallbiznis/sessionbill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/sessionbill/internal/observability/metrics"
	"github.com/smallbiznis/sessionbill/internal/pricing"
	"github.com/smallbiznis/sessionbill/internal/sessionbilling/domain"
	"github.com/smallbiznis/sessionbill/pkg/db"
	"github.com/smallbiznis/sessionbill/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultListLimit = 100

// errRecordNotActive aborts a settlement whose record was closed by a concurrent stop.
var errRecordNotActive = errors.New("record_not_active")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Credit     creditdomain.Service
	Ledger     ledgerdomain.Store
	Pricing    *pricing.Source
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	credit     creditdomain.Service
	ledger     ledgerdomain.Store
	pricing    *pricing.Source
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("sessionbilling.service"),
		genID:      p.GenID,
		clock:      clk,
		repo:       p.Repo,
		credit:     p.Credit,
		ledger:     p.Ledger,
		pricing:    p.Pricing,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) StartBilling(ctx context.Context, req domain.StartRequest) (*domain.Record, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return nil, domain.ErrInvalidSessionID
	}
	accountID := strings.TrimSpace(req.AccountID)
	tier := strings.ToLower(strings.TrimSpace(req.ResourceTier))
	if accountID == "" || tier == "" {
		return nil, domain.ErrInvalidRequest
	}
	if err := validateOverrides(req.Limits); err != nil {
		return nil, err
	}

	existing, err := s.repo.FindActiveBySession(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, domain.ErrAlreadyBilling
	}

	account, err := s.credit.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Active() {
		return nil, creditdomain.ErrAccountInactive
	}

	calc, err := s.pricing.Calculator()
	if err != nil {
		return nil, err
	}
	gpu := strings.ToLower(strings.TrimSpace(req.GPUAddon))
	rate, err := calc.HourlyRate(string(account.UserClass), tier, gpu)
	if err != nil {
		return nil, err
	}

	required := calc.MinimumViableCost(rate)
	ok, err := s.credit.CheckSufficientBalance(ctx, accountID, required)
	if err != nil {
		return nil, err
	}
	if !ok {
		balance, err := s.credit.Balance(ctx, accountID)
		if err != nil {
			return nil, err
		}
		s.obsMetrics.RecordDebitRejected(ctx, "start_precheck")
		return nil, creditdomain.NewInsufficientCreditError(balance, required)
	}

	now := s.clock.Now()
	record := &domain.Record{
		ID:               s.genID.Generate(),
		SessionID:        sessionID,
		OpenSessionID:    &sessionID,
		AccountID:        accountID,
		UserClass:        string(account.UserClass),
		ResourceTier:     tier,
		GPUAddon:         gpu,
		HourlyRate:       rate,
		Status:           domain.StatusActive,
		StartTime:        now,
		LastActivityTime: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	applyOverrides(record, req.Limits)

	if err := s.repo.Insert(ctx, s.db, record); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrAlreadyBilling
		}
		return nil, err
	}

	s.obsMetrics.RecordBillingStart(ctx, record.UserClass, record.ResourceTier)
	logger.WithContext(ctx, s.log).Info("session billing started",
		zap.String("session_id", record.SessionID),
		zap.String("record_id", record.ID.String()),
		zap.String("account_id", record.AccountID),
		zap.String("hourly_rate", record.HourlyRate.String()),
	)
	return record, nil
}

func (s *Service) Heartbeat(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.ErrInvalidSessionID
	}
	rows, err := s.repo.TouchActivity(ctx, s.db, sessionID, s.clock.Now())
	if err != nil {
		return err
	}
	if rows == 0 {
		logger.WithContext(ctx, s.log).Info("heartbeat ignored, no active billing record",
			zap.String("session_id", sessionID),
		)
	}
	return nil
}

func (s *Service) StopBilling(ctx context.Context, sessionID string) (*domain.Settlement, error) {
	return s.StopBillingWithReason(ctx, sessionID, domain.ReasonUserStop, domain.StopOptions{})
}

// StopBillingWithReason closes the ACTIVE record and debits its cost in one ledger write.
// If the record was already COMPLETED the existing settlement is returned unchanged.
func (s *Service) StopBillingWithReason(ctx context.Context, sessionID string, reason domain.TerminationReason, opts domain.StopOptions) (*domain.Settlement, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, domain.ErrInvalidSessionID
	}
	if reason == "" {
		reason = domain.ReasonUserStop
	}
	log := logger.WithContext(ctx, s.log).With(zap.String("session_id", sessionID))

	record, err := s.repo.FindActiveBySession(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return s.existingSettlement(ctx, sessionID)
	}

	calc, err := s.pricing.Calculator()
	if err != nil {
		return nil, err
	}

	end := s.clock.Now()
	anomaly := record.Anomaly
	cost, err := calc.SessionCost(record.HourlyRate, record.StartTime, end)
	if errors.Is(err, pricing.ErrInvalidInterval) {
		log.Warn("billing interval is negative, settling at zero cost",
			zap.Time("start_time", record.StartTime),
			zap.Time("end_time", end),
		)
		cost = decimal.Zero
		anomaly = domain.AppendAnomaly(anomaly, domain.AnomalyInvalidInterval)
	} else if err != nil {
		return nil, err
	}
	if opts.Forced {
		anomaly = domain.AppendAnomaly(anomaly, domain.AnomalyForcedSettlement)
	}

	var closed *domain.Record
	idempotencyKey := "session_runtime:" + record.ID.String()
	txn, err := s.credit.Debit(ctx, creditdomain.DebitRequest{
		AccountID:        record.AccountID,
		Amount:           cost,
		Kind:             ledgerdomain.KindSessionRuntime,
		RelatedSessionID: &record.SessionID,
		IdempotencyKey:   &idempotencyKey,
		Description:      fmt.Sprintf("session %s runtime", record.SessionID),
		Metadata: datatypes.JSONMap{
			"record_id":     record.ID.String(),
			"hourly_rate":   record.HourlyRate.String(),
			"resource_tier": record.ResourceTier,
			"gpu_addon":     record.GPUAddon,
			"cost":          cost.String(),
		},
		CapAtBalance: true,
		Within: func(tx *gorm.DB, txn *ledgerdomain.Transaction) error {
			charged := txn.Amount.Neg()
			shortfall := cost.Sub(charged)
			flags := anomaly
			if shortfall.IsPositive() {
				flags = domain.AppendAnomaly(flags, domain.AnomalyCreditShortfall)
			}
			params := domain.CloseParams{
				ID:                record.ID,
				Status:            domain.StatusCompleted,
				EndTime:           end,
				FinalCost:         cost,
				ChargedAmount:     charged,
				Shortfall:         shortfall,
				TransactionID:     &txn.ID,
				TerminationReason: reason,
				Anomaly:           flags,
			}
			rows, err := s.repo.Close(ctx, tx, params, end)
			if err != nil {
				return err
			}
			if rows == 0 {
				return errRecordNotActive
			}
			closed, err = s.repo.FindByID(ctx, tx, record.ID)
			return err
		},
	})
	if err != nil {
		if errors.Is(err, errRecordNotActive) || errors.Is(err, ledgerdomain.ErrDuplicateTransaction) {
			log.Info("billing record closed concurrently, returning existing settlement")
			return s.existingSettlement(ctx, sessionID)
		}
		return nil, err
	}

	s.obsMetrics.RecordSettlement(ctx, string(closed.TerminationReason), closed.Anomaly)
	fields := []zap.Field{
		zap.String("record_id", closed.ID.String()),
		zap.String("account_id", closed.AccountID),
		zap.String("reason", string(closed.TerminationReason)),
		zap.String("final_cost", cost.String()),
		zap.String("transaction_id", txn.ID.String()),
	}
	if closed.Anomaly != "" {
		log.Warn("session billing settled with anomaly", append(fields, zap.String("anomaly", closed.Anomaly))...)
	} else {
		log.Info("session billing settled", fields...)
	}
	return &domain.Settlement{Record: closed, Transaction: txn}, nil
}

// existingSettlement answers a stop for a session whose latest record is no longer ACTIVE.
func (s *Service) existingSettlement(ctx context.Context, sessionID string) (*domain.Settlement, error) {
	record, err := s.repo.FindLatestBySession(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	if record == nil || record.Status != domain.StatusCompleted || record.TransactionID == nil {
		return nil, domain.ErrNotBilling
	}
	txn, err := s.ledger.GetTransaction(ctx, *record.TransactionID)
	if err != nil {
		return nil, err
	}
	return &domain.Settlement{Record: record, Transaction: txn}, nil
}

// CancelBilling closes a record without charging, for sessions that never came up.
func (s *Service) CancelBilling(ctx context.Context, sessionID string) (*domain.Record, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, domain.ErrInvalidSessionID
	}
	record, err := s.repo.FindActiveBySession(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrNotBilling
	}

	now := s.clock.Now()
	rows, err := s.repo.Close(ctx, s.db, domain.CloseParams{
		ID:                record.ID,
		Status:            domain.StatusCancelled,
		EndTime:           now,
		FinalCost:         decimal.Zero,
		ChargedAmount:     decimal.Zero,
		Shortfall:         decimal.Zero,
		TerminationReason: domain.ReasonCancelled,
		Anomaly:           record.Anomaly,
	}, now)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, domain.ErrNotBilling
	}

	logger.WithContext(ctx, s.log).Info("session billing cancelled",
		zap.String("session_id", sessionID),
		zap.String("record_id", record.ID.String()),
	)
	return s.repo.FindByID(ctx, s.db, record.ID)
}

// GetCurrentCost projects the cost of the latest record. Terminal records report their final cost.
func (s *Service) GetCurrentCost(ctx context.Context, sessionID string) (*domain.CostView, error) {
	record, err := s.GetRecord(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	calc, err := s.pricing.Calculator()
	if err != nil {
		return nil, err
	}
	view := costView(calc, record, s.clock.Now())
	return &view, nil
}

// ListByAccount returns one page of the account's billing records, newest first, each priced as
// GetCurrentCost would price it.
func (s *Service) ListByAccount(ctx context.Context, accountID string, page pagination.Pagination) ([]domain.CostView, pagination.PageInfo, error) {
	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	cursor, err := pagination.DecodeCursor(page.PageToken)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	calc, err := s.pricing.Calculator()
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}

	size := page.Size()
	records, err := s.repo.ListByAccount(ctx, s.db, account.ID, cursor, size+1)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}

	var info pagination.PageInfo
	if len(records) > size {
		records = records[:size]
		last := records[len(records)-1]
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: last.ID.String(), CreatedAt: last.CreatedAt})
		if err != nil {
			return nil, pagination.PageInfo{}, err
		}
		info = pagination.PageInfo{NextPageToken: token, HasMore: true}
	}

	now := s.clock.Now()
	views := make([]domain.CostView, 0, len(records))
	for i := range records {
		views = append(views, costView(calc, &records[i], now))
	}
	return views, info, nil
}

func costView(calc *pricing.Calculator, record *domain.Record, now time.Time) domain.CostView {
	view := domain.CostView{
		RecordID:          record.ID,
		SessionID:         record.SessionID,
		AccountID:         record.AccountID,
		Status:            record.Status,
		ResourceTier:      record.ResourceTier,
		GPUAddon:          record.GPUAddon,
		TerminationReason: record.TerminationReason,
		HourlyRate:        record.HourlyRate,
		StartTime:         record.StartTime,
		EndTime:           record.EndTime,
		Anomaly:           record.Anomaly,
	}

	end := now
	if record.EndTime != nil {
		end = *record.EndTime
	}
	view.AsOf = end

	hours, err := calc.ElapsedFractionalHours(record.StartTime, end)
	if err != nil {
		view.ElapsedHours = decimal.Zero
		view.Cost = decimal.Zero
		view.Anomaly = domain.AppendAnomaly(view.Anomaly, domain.AnomalyInvalidInterval)
		return view
	}
	view.ElapsedHours = hours

	if !record.Active() {
		view.Cost = record.FinalCost.Decimal
		return view
	}
	view.Cost = calc.Round(record.HourlyRate.Mul(hours))
	return view
}

func (s *Service) GetRecord(ctx context.Context, sessionID string) (*domain.Record, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, domain.ErrInvalidSessionID
	}
	record, err := s.repo.FindLatestBySession(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrNotFound
	}
	return record, nil
}

func (s *Service) ListActive(ctx context.Context, afterID snowflake.ID, limit int) ([]domain.Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.repo.ListActive(ctx, s.db, afterID, limit)
}

// MarkTerminationRequested records a termination attempt. The first reason recorded is kept.
func (s *Service) MarkTerminationRequested(ctx context.Context, recordID snowflake.ID, reason domain.TerminationReason) (*domain.Record, error) {
	rows, err := s.repo.MarkTerminationRequested(ctx, s.db, recordID, reason, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, domain.ErrNotBilling
	}
	record, err := s.repo.FindByID(ctx, s.db, recordID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrNotFound
	}
	return record, nil
}

func validateOverrides(overrides *domain.LimitOverrides) error {
	if overrides == nil {
		return nil
	}
	if overrides.MaxDuration != nil && *overrides.MaxDuration < 0 {
		return domain.ErrInvalidRequest
	}
	if overrides.MaxIdle != nil && *overrides.MaxIdle < 0 {
		return domain.ErrInvalidRequest
	}
	if overrides.MaxCost != nil && overrides.MaxCost.IsNegative() {
		return domain.ErrInvalidRequest
	}
	return nil
}

func applyOverrides(record *domain.Record, overrides *domain.LimitOverrides) {
	if overrides == nil {
		return
	}
	if overrides.MaxDuration != nil {
		seconds := int64(*overrides.MaxDuration / time.Second)
		record.MaxDurationSeconds = &seconds
	}
	if overrides.MaxIdle != nil {
		seconds := int64(*overrides.MaxIdle / time.Second)
		record.MaxIdleSeconds = &seconds
	}
	if overrides.MaxCost != nil {
		record.MaxCost = decimal.NewNullDecimal(*overrides.MaxCost)
	}
}
