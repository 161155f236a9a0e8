package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	sessiondomain "github.com/smallbiznis/sessionbill/internal/sessionbilling/domain"
	"github.com/smallbiznis/sessionbill/pkg/db/pagination"
)

type startBillingRequest struct {
	ResourceTier       string           `json:"resource_tier"`
	GPUAddon           string           `json:"gpu_addon"`
	MaxDurationSeconds *int64           `json:"max_duration_seconds"`
	MaxCost            *decimal.Decimal `json:"max_cost"`
	MaxIdleSeconds     *int64           `json:"max_idle_seconds"`
}

func (r startBillingRequest) limits() *sessiondomain.LimitOverrides {
	if r.MaxDurationSeconds == nil && r.MaxCost == nil && r.MaxIdleSeconds == nil {
		return nil
	}
	overrides := &sessiondomain.LimitOverrides{MaxCost: r.MaxCost}
	if r.MaxDurationSeconds != nil {
		d := time.Duration(*r.MaxDurationSeconds) * time.Second
		overrides.MaxDuration = &d
	}
	if r.MaxIdleSeconds != nil {
		d := time.Duration(*r.MaxIdleSeconds) * time.Second
		overrides.MaxIdle = &d
	}
	return overrides
}

func (s *Server) StartBilling(c *gin.Context) {
	var req startBillingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	record, err := s.sessionSvc.StartBilling(c.Request.Context(), sessiondomain.StartRequest{
		SessionID:    c.Param("id"),
		AccountID:    callerAccountID(c),
		ResourceTier: req.ResourceTier,
		GPUAddon:     req.GPUAddon,
		Limits:       req.limits(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": record})
}

func (s *Server) StopBilling(c *gin.Context) {
	if _, err := s.ownedRecord(c, sessiondomain.ErrNotBilling); err != nil {
		AbortWithError(c, err)
		return
	}

	settlement, err := s.sessionSvc.StopBilling(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": settlement})
}

func (s *Server) CancelBilling(c *gin.Context) {
	if _, err := s.ownedRecord(c, sessiondomain.ErrNotBilling); err != nil {
		AbortWithError(c, err)
		return
	}

	record, err := s.sessionSvc.CancelBilling(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) Heartbeat(c *gin.Context) {
	if _, err := s.ownedRecord(c, nil); err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.sessionSvc.Heartbeat(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) GetSessionCost(c *gin.Context) {
	if _, err := s.ownedRecord(c, sessiondomain.ErrNotFound); err != nil {
		AbortWithError(c, err)
		return
	}

	view, err := s.sessionSvc.GetCurrentCost(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (s *Server) ListSessionHistory(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	views, info, err := s.sessionSvc.ListByAccount(c.Request.Context(), c.Param("id"), page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": views, "page_info": info})
}

// ownedRecord loads the session's latest record and hides records that belong to other accounts.
// missing is returned when the session was never billed; nil lets the caller carry on.
func (s *Server) ownedRecord(c *gin.Context, missing error) (*sessiondomain.Record, error) {
	record, err := s.sessionSvc.GetRecord(c.Request.Context(), c.Param("id"))
	if errors.Is(err, sessiondomain.ErrNotFound) {
		return nil, missing
	}
	if err != nil {
		return nil, err
	}
	if record.AccountID != callerAccountID(c) {
		return nil, sessiondomain.ErrNotFound
	}
	return record, nil
}
