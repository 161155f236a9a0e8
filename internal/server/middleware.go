package server

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/sessionbill/internal/authorization"
	"github.com/smallbiznis/sessionbill/internal/observability/logger"
	"github.com/smallbiznis/sessionbill/internal/observability/obscontext"
	"go.uber.org/zap"
)

const (
	// HeaderAccount carries the account id the gateway resolved from the caller's passport.
	HeaderAccount       = "X-Account-ID"
	contextAccountIDKey = "account_id"
)

// Passport trusts the gateway's identity resolution and puts the caller's account id on the context.
func (s *Server) Passport() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := strings.TrimSpace(c.GetHeader(HeaderAccount))
		if accountID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if accountID == authorization.ActorSystem {
			AbortWithError(c, ErrForbidden)
			return
		}

		ctx := obscontext.WithAccountID(c.Request.Context(), accountID)
		ctx = obscontext.WithActor(ctx, "account", accountID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextAccountIDKey, accountID)
		c.Next()
	}
}

// RequireAccountAccess lets callers reach their own account. Anyone else needs the account read policy.
func (s *Server) RequireAccountAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := callerAccountID(c)
		target := strings.TrimSpace(c.Param("id"))
		if target == "" {
			AbortWithError(c, invalidRequestError())
			return
		}
		if caller == target {
			c.Next()
			return
		}

		if err := s.authorizeCaller(c, authorization.ObjectAccount, authorization.ActionRead); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// BillingStartRateLimit throttles how fast one account opens billing windows.
func (s *Server) BillingStartRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.startLimiter == nil || !s.startLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		accountID := callerAccountID(c)
		result, err := s.startLimiter.AllowAccount(ctx, accountID)
		if err != nil {
			logger.FromContext(ctx).Warn("billing start rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if result != nil && !result.Allowed {
			retryAfter := int(result.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			logger.FromContext(ctx).Warn("billing start rate limit exceeded",
				zap.String("account_id", accountID),
				zap.Int("retry_after_seconds", retryAfter),
			)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func callerAccountID(c *gin.Context) string {
	if value, ok := c.Get(contextAccountIDKey); ok {
		if accountID, ok := value.(string); ok {
			return accountID
		}
	}
	return obscontext.AccountIDFromContext(c.Request.Context())
}

// authorizeCaller checks a casbin policy for the caller and maps a denial to 403.
func (s *Server) authorizeCaller(c *gin.Context, object, action string) error {
	err := s.authzSvc.Authorize(c.Request.Context(), callerAccountID(c), object, action)
	if errors.Is(err, authorization.ErrInvalidActor) {
		return ErrForbidden
	}
	return err
}
