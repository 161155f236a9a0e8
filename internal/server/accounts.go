package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/sessionbill/internal/authorization"
	creditdomain "github.com/smallbiznis/sessionbill/internal/credit/domain"
	ledgerdomain "github.com/smallbiznis/sessionbill/internal/ledger/domain"
	"github.com/smallbiznis/sessionbill/pkg/db/pagination"
)

const defaultStatementWindow = 30 * 24 * time.Hour

type createAccountRequest struct {
	AccountID string `json:"account_id"`
	UserClass string `json:"user_class"`
}

type balanceResponse struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"credit_balance"`
	Currency  string          `json:"currency"`
}

type checkBalanceRequest struct {
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
}

type purchaseRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type storageChargeRequest struct {
	StorageKind    string          `json:"storage_kind"`
	ResourceID     string          `json:"resource_id"`
	SizeGB         decimal.Decimal `json:"size_gb"`
	Days           int             `json:"days"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// CreateAccount registers a credit account. Callers may self-register a non-admin account; anything
// else needs the account write policy.
func (s *Server) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		AbortWithError(c, newValidationError("account_id", "required", "account_id is required"))
		return
	}
	userClass, err := ledgerdomain.ParseUserClass(req.UserClass)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	selfRegistration := accountID == callerAccountID(c) && userClass != ledgerdomain.UserClassAdmin
	if !selfRegistration {
		if err := s.authorizeCaller(c, authorization.ObjectAccount, authorization.ActionWrite); err != nil {
			AbortWithError(c, err)
			return
		}
	}

	account, err := s.ledger.CreateAccount(c.Request.Context(), ledgerdomain.CreateAccountRequest{
		AccountID: accountID,
		UserClass: userClass,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": account})
}

func (s *Server) GetAccount(c *gin.Context) {
	account, err := s.creditSvc.Account(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": account})
}

func (s *Server) GetBalance(c *gin.Context) {
	accountID := strings.TrimSpace(c.Param("id"))
	balance, err := s.creditSvc.Balance(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	calc, err := s.pricing.Calculator()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balanceResponse{
		AccountID: accountID,
		Balance:   balance,
		Currency:  calc.Currency(),
	}})
}

func (s *Server) CheckBalance(c *gin.Context) {
	var req checkBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ok, err := s.creditSvc.CheckSufficientBalance(c.Request.Context(), c.Param("id"), req.EstimatedCost)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"sufficient":     ok,
		"estimated_cost": req.EstimatedCost,
	}})
}

func (s *Server) PurchaseCredits(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	txn, err := s.creditSvc.PurchaseCredits(c.Request.Context(), creditdomain.PurchaseRequest{
		AccountID:      c.Param("id"),
		Amount:         req.Amount,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": txn})
}

func (s *Server) ChargeStorage(c *gin.Context) {
	var req storageChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Days <= 0 {
		AbortWithError(c, newValidationError("days", "invalid_days", "days must be positive"))
		return
	}

	txn, err := s.creditSvc.ChargeStorage(c.Request.Context(), creditdomain.StorageChargeRequest{
		AccountID:      c.Param("id"),
		StorageKind:    req.StorageKind,
		ResourceID:     strings.TrimSpace(req.ResourceID),
		SizeGB:         req.SizeGB,
		Days:           req.Days,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": txn})
}

func (s *Server) ListTransactions(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	txns, info, err := s.ledger.ListTransactionsPage(c.Request.Context(), c.Param("id"), page)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if txns == nil {
		txns = []ledgerdomain.Transaction{}
	}

	c.JSON(http.StatusOK, gin.H{"data": txns, "page_info": info})
}

func (s *Server) GetSummary(c *gin.Context) {
	from, err := parseOptionalTime(c.Query("from"), false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from"))
		return
	}
	to, err := parseOptionalTime(c.Query("to"), true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to"))
		return
	}
	if from != nil && to != nil && to.Before(*from) {
		AbortWithError(c, newValidationError("to", "invalid_range", "to must not be before from"))
		return
	}

	summary, err := s.creditSvc.Summary(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) VerifyLedger(c *gin.Context) {
	if err := s.authorizeCaller(c, authorization.ObjectLedger, authorization.ActionVerify); err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.creditSvc.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"consistent": result.Consistent(),
		"replay":     result,
	}})
}

// GetStatementPDF renders the account statement for [from, to). The window defaults to the last 30 days.
func (s *Server) GetStatementPDF(c *gin.Context) {
	from, err := parseOptionalTime(c.Query("from"), false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from"))
		return
	}
	to, err := parseOptionalTime(c.Query("to"), true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to"))
		return
	}
	end := s.clock.Now()
	if to != nil {
		end = *to
	}
	start := end.Add(-defaultStatementWindow)
	if from != nil {
		start = *from
	}

	accountID := strings.TrimSpace(c.Param("id"))
	doc, err := s.statementSvc.Render(c.Request.Context(), accountID, start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	filename := fmt.Sprintf("statement-%s-%s.pdf", accountID, start.UTC().Format(dateOnlyLayout))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/pdf", doc)
}

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(c *gin.Context, bodyKey string) *string {
	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(bodyKey)
	}
	if key == "" {
		return nil
	}
	return &key
}
