package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

var defaultEstimateHours = decimal.NewFromInt(1)

func (s *Server) GetPricing(c *gin.Context) {
	calc, err := s.pricing.Calculator()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": calc.Snapshot()})
}

// EstimateSessionCost prices a tier for duration_hours (default 1) at the account's class rate.
func (s *Server) EstimateSessionCost(c *gin.Context) {
	tier := strings.TrimSpace(c.Query("resource_tier"))
	if tier == "" {
		AbortWithError(c, newValidationError("resource_tier", "required", "resource_tier is required"))
		return
	}
	hours := defaultEstimateHours
	if raw := strings.TrimSpace(c.Query("duration_hours")); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil || !parsed.IsPositive() {
			AbortWithError(c, newValidationError("duration_hours", "invalid_duration", "duration_hours must be a positive number"))
			return
		}
		hours = parsed
	}

	account, err := s.creditSvc.Account(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	calc, err := s.pricing.Calculator()
	if err != nil {
		AbortWithError(c, err)
		return
	}
	estimate, err := calc.Estimate(string(account.UserClass), tier, c.Query("gpu_addon"), hours)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": estimate})
}
