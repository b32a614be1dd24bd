package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

type ErrorCode string

const (
	ErrCodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrCodeValidationFailed   ErrorCode = "VALIDATION_FAILED"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	ErrCodeInvalidInstrument ErrorCode = "INVALID_INSTRUMENT"
	ErrCodeInvalidOrderID    ErrorCode = "INVALID_ORDER_ID"
	ErrCodeInvalidVolume     ErrorCode = "INVALID_QUANTITY"
	ErrCodeQueueFull         ErrorCode = "QUEUE_FULL"
	ErrCodeLedgerInstrument  ErrorCode = "LEDGER_INSTRUMENT"
)

func NewErrorResponse(code ErrorCode, message string) *ErrorResponse {
	return &ErrorResponse{
		Error:   string(code),
		Message: message,
		Code:    string(code),
	}
}

func AbortWithError(c *gin.Context, status int, code ErrorCode, message string) {
	c.AbortWithStatusJSON(status, NewErrorResponse(code, message))
}

// AbortWithValidationError reports gin binding failures under details.error.
func AbortWithValidationError(c *gin.Context, err error) {
	resp := NewErrorResponse(ErrCodeValidationFailed, "Validation failed")
	resp.Details = map[string]string{"error": err.Error()}
	c.AbortWithStatusJSON(http.StatusBadRequest, resp)
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// NewHealthResponse is "degraded" if any service is neither healthy nor
// disabled.
func NewHealthResponse(services map[string]string) *HealthResponse {
	status := "healthy"
	for _, v := range services {
		if v != "healthy" && v != "disabled" {
			status = "degraded"
			break
		}
	}
	return &HealthResponse{Status: status, Services: services}
}
