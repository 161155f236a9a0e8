package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/sessionbill/internal/authorization"
	creditdomain "github.com/smallbiznis/sessionbill/internal/credit/domain"
	ledgerdomain "github.com/smallbiznis/sessionbill/internal/ledger/domain"
	"github.com/smallbiznis/sessionbill/internal/pricing"
	sessiondomain "github.com/smallbiznis/sessionbill/internal/sessionbilling/domain"
	"github.com/smallbiznis/sessionbill/internal/statement"
	"github.com/smallbiznis/sessionbill/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
			if c.Writer.Header().Get("Retry-After") == "" {
				c.Header("Retry-After", "1")
			}
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	var shortErr *creditdomain.InsufficientCreditError
	if errors.As(err, &shortErr) {
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credit",
			Message: "insufficient credit",
			Details: map[string]string{
				"credit_balance": shortErr.Balance.String(),
				"required":       shortErr.Required.String(),
			},
		}
	}

	switch {
	case errors.Is(err, creditdomain.ErrInsufficientCredit),
		errors.Is(err, ledgerdomain.ErrNegativeBalance):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credit",
			Message: "insufficient credit",
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, creditdomain.ErrAccountInactive):
		return http.StatusForbidden, errorPayload{
			Type:    "account_inactive",
			Message: "account is inactive",
		}
	case errors.Is(err, sessiondomain.ErrAlreadyBilling):
		return http.StatusConflict, errorPayload{
			Type:    "already_billing",
			Message: "session already has an active billing record",
		}
	case errors.Is(err, sessiondomain.ErrNotBilling):
		return http.StatusConflict, errorPayload{
			Type:    "not_billing",
			Message: "session has no active billing record",
		}
	case errors.Is(err, creditdomain.ErrIdempotencyKeyReused):
		return http.StatusConflict, errorPayload{
			Type:    "idempotency_key_reused",
			Message: "idempotency key was already used for a different operation",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, ledgerdomain.ErrAccountExists),
		errors.Is(err, ledgerdomain.ErrDuplicateTransaction):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, creditdomain.ErrConcurrencyExhausted):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "concurrency_exhausted",
			Message: "account is busy, retry later",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog returns the error type and code written on the request log line.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	switch {
	case status >= http.StatusInternalServerError:
		return "server", code
	default:
		return "client", code
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, sessiondomain.ErrInvalidRequest),
		errors.Is(err, sessiondomain.ErrInvalidSessionID),
		errors.Is(err, ledgerdomain.ErrInvalidAccountID),
		errors.Is(err, ledgerdomain.ErrInvalidUserClass),
		errors.Is(err, ledgerdomain.ErrInvalidKind),
		errors.Is(err, creditdomain.ErrInvalidAmount),
		errors.Is(err, pricing.ErrUnknownTier),
		errors.Is(err, pricing.ErrUnknownGPU),
		errors.Is(err, pricing.ErrUnknownStorageKind),
		errors.Is(err, pricing.ErrInvalidInterval),
		errors.Is(err, pricing.ErrInvalidAmount),
		errors.Is(err, pricing.ErrBelowMinimumPurchase),
		errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, statement.ErrInvalidPeriod),
		errors.Is(err, statement.ErrInvalidAccount):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ledgerdomain.ErrNotFound),
		errors.Is(err, sessiondomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	for _, sentinel := range []error{
		ErrInvalidRequest,
		sessiondomain.ErrInvalidRequest,
	} {
		if errors.Is(err, sentinel) {
			return "invalid_request"
		}
	}
	for _, sentinel := range []error{
		sessiondomain.ErrInvalidSessionID,
		ledgerdomain.ErrInvalidAccountID,
		ledgerdomain.ErrInvalidUserClass,
		ledgerdomain.ErrInvalidKind,
		creditdomain.ErrInvalidAmount,
		pricing.ErrUnknownTier,
		pricing.ErrUnknownGPU,
		pricing.ErrUnknownStorageKind,
		pricing.ErrInvalidInterval,
		pricing.ErrInvalidAmount,
		pricing.ErrBelowMinimumPurchase,
		pagination.ErrInvalidPageToken,
		statement.ErrInvalidPeriod,
		statement.ErrInvalidAccount,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "unknown_tier":
		return "resource_tier"
	case "unknown_gpu_addon":
		return "gpu_addon"
	case "unknown_storage_kind":
		return "storage_kind"
	case "below_minimum_purchase":
		return "amount"
	case "invalid_page_token":
		return "page_token"
	case "invalid_statement_period":
		return "period"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "unknown_tier":
		return "resource tier is not available for this user class"
	case "unknown_gpu_addon":
		return "gpu add-on is not available for this user class"
	case "below_minimum_purchase":
		return "amount is below the minimum purchase"
	default:
		return "invalid value"
	}
}
