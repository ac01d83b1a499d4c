package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/habitloop/habitloop/internal/audit/domain"
	coupondomain "github.com/habitloop/habitloop/internal/coupon/domain"
	eventdomain "github.com/habitloop/habitloop/internal/event/domain"
	membershipdomain "github.com/habitloop/habitloop/internal/membership/domain"
	"github.com/habitloop/habitloop/internal/nonce"
	redemptiondomain "github.com/habitloop/habitloop/internal/redemption/domain"
	"github.com/habitloop/habitloop/internal/signing"
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
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInternal       = errors.New("internal_error")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
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

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) {
		return vErr
	}
	return nil
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

	switch {
	case errors.Is(err, nonce.ErrMalformed),
		errors.Is(err, nonce.ErrExpired),
		errors.Is(err, nonce.ErrFromFuture),
		errors.Is(err, eventdomain.ErrInvalidEventType),
		errors.Is(err, eventdomain.ErrInvalidReviewState),
		errors.Is(err, coupondomain.ErrInvalidCode),
		errors.Is(err, membershipdomain.ErrInvalidNotification),
		errors.Is(err, auditdomain.ErrInvalidUser),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction),
		errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}

	case errors.Is(err, signing.ErrInvalidSignature),
		errors.Is(err, signing.ErrStaleTimestamp),
		errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}

	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}

	case errors.Is(err, eventdomain.ErrEventNotFound),
		errors.Is(err, coupondomain.ErrTemplateNotFound),
		errors.Is(err, coupondomain.ErrCouponNotFound),
		errors.Is(err, membershipdomain.ErrMembershipNotFound),
		errors.Is(err, redemptiondomain.ErrRedemptionNotFound),
		errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, ErrNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}

	case errors.Is(err, eventdomain.ErrDuplicateEvent),
		errors.Is(err, eventdomain.ErrInvalidStatus),
		errors.Is(err, eventdomain.ErrNotReviewable),
		errors.Is(err, coupondomain.ErrTemplateUnavailable),
		errors.Is(err, coupondomain.ErrCouponNotIssued),
		errors.Is(err, redemptiondomain.ErrInsufficientBalance),
		errors.Is(err, redemptiondomain.ErrRedemptionConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}

	case errors.Is(err, eventdomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limit_exceeded",
			Message: "rate limit exceeded",
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}

// classifyErrorForLog buckets an error for request log fields.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= 500:
		return payload.Type, "server_error"
	case status >= 400:
		return payload.Type, "client_error"
	default:
		return payload.Type, "ok"
	}
}
