package statement

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/sessionbill/internal/clock"
	ledgerdomain "github.com/smallbiznis/sessionbill/internal/ledger/domain"
	"github.com/smallbiznis/sessionbill/internal/pricing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrInvalidPeriod  = errors.New("invalid_statement_period")
	ErrInvalidAccount = errors.New("invalid_account_id")
)

var Module = fx.Module("statement",
	fx.Provide(NewService),
)

// Statement is the ledger activity of one account over [From, To).
type Statement struct {
	AccountID      string
	UserClass      ledgerdomain.UserClass
	Currency       string
	From           time.Time
	To             time.Time
	GeneratedAt    time.Time
	OpeningBalance decimal.Decimal
	ClosingBalance decimal.Decimal
	TotalCredits   decimal.Decimal
	TotalDebits    decimal.Decimal
	Lines          []ledgerdomain.Transaction
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Ledger  ledgerdomain.Store
	Pricing *pricing.Source
}

type Service struct {
	log     *zap.Logger
	clock   clock.Clock
	ledger  ledgerdomain.Store
	pricing *pricing.Source
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		log:     p.Log.Named("statement.service"),
		clock:   clk,
		ledger:  p.Ledger,
		pricing: p.Pricing,
	}
}

// Build streams the account's transactions and collects those in [from, to).
// The opening balance is the balance_after of the last transaction before from.
func (s *Service) Build(ctx context.Context, accountID string, from, to time.Time) (*Statement, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, ErrInvalidAccount
	}
	if !from.Before(to) {
		return nil, ErrInvalidPeriod
	}

	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	currency := "USD"
	if calc, err := s.pricing.Calculator(); err == nil {
		currency = calc.Currency()
	}

	st := &Statement{
		AccountID:      account.ID,
		UserClass:      account.UserClass,
		Currency:       currency,
		From:           from.UTC(),
		To:             to.UTC(),
		GeneratedAt:    s.clock.Now(),
		OpeningBalance: decimal.Zero,
		TotalCredits:   decimal.Zero,
		TotalDebits:    decimal.Zero,
	}

	for txn, err := range s.ledger.ListTransactions(ctx, accountID, nil) {
		if err != nil {
			return nil, err
		}
		if txn.CreatedAt.Before(from) {
			st.OpeningBalance = txn.BalanceAfter
			continue
		}
		if !txn.CreatedAt.Before(to) {
			break
		}
		st.Lines = append(st.Lines, txn)
		if txn.Amount.IsNegative() {
			st.TotalDebits = st.TotalDebits.Add(txn.Amount.Neg())
		} else {
			st.TotalCredits = st.TotalCredits.Add(txn.Amount)
		}
	}

	st.ClosingBalance = st.OpeningBalance
	if n := len(st.Lines); n > 0 {
		st.ClosingBalance = st.Lines[n-1].BalanceAfter
	}
	return st, nil
}

// Render builds the statement and lays it out as a PDF.
func (s *Service) Render(ctx context.Context, accountID string, from, to time.Time) ([]byte, error) {
	st, err := s.Build(ctx, accountID, from, to)
	if err != nil {
		return nil, err
	}
	doc, err := renderPDF(st)
	if err != nil {
		return nil, err
	}
	s.log.Debug("statement rendered",
		zap.String("account_id", st.AccountID),
		zap.Int("lines", len(st.Lines)),
		zap.Int("bytes", len(doc)),
	)
	return doc, nil
}
