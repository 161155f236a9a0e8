package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/sessionbill/internal/authorization"
	creditdomain "github.com/smallbiznis/sessionbill/internal/credit/domain"
	"github.com/smallbiznis/sessionbill/internal/observability/logger"
	"go.uber.org/zap"
)

type adjustmentRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (s *Server) CreateAdjustment(c *gin.Context) {
	if err := s.authorizeCaller(c, authorization.ObjectAdjustment, authorization.ActionWrite); err != nil {
		AbortWithError(c, err)
		return
	}

	var req adjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		AbortWithError(c, newValidationError("reason", "required", "reason is required"))
		return
	}

	actor := callerAccountID(c)
	txn, err := s.creditSvc.Adjust(c.Request.Context(), creditdomain.AdjustRequest{
		AccountID:      c.Param("id"),
		Amount:         req.Amount,
		Reason:         reason,
		Actor:          actor,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	logger.FromContext(c.Request.Context()).Info("ledger adjustment applied",
		zap.String("actor", actor),
		zap.String("account_id", txn.AccountID),
		zap.String("amount", txn.Amount.String()),
		zap.String("transaction_id", txn.ID.String()),
	)
	c.JSON(http.StatusCreated, gin.H{"data": txn})
}

func (s *Server) DeactivateAccount(c *gin.Context) {
	if err := s.authorizeCaller(c, authorization.ObjectAccount, authorization.ActionDeactivate); err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	accountID := strings.TrimSpace(c.Param("id"))
	if err := s.ledger.DeactivateAccount(ctx, accountID); err != nil {
		AbortWithError(c, err)
		return
	}
	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": account})
}
