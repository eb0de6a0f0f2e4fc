// Package httperr defines the error envelope returned by every non-2xx API
// response and the stable machine-readable codes clients switch on.
package httperr

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Stable error codes. These are part of the API contract; renaming one is a
// breaking change for every client that switches on it.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeValidationError = "VALIDATION_ERROR"
	CodeConflict        = "CONFLICT"
	CodeQuotaExceeded   = "QUOTA_EXCEEDED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeProviderError   = "PROVIDER_ERROR"
	CodeInternalError   = "INTERNAL_ERROR"
)

// Envelope is the JSON body of every error response
type Envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// Status maps a code to its HTTP status
func Status(code string) int {
	switch code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeQuotaExceeded, CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Write sends the error envelope without aborting the handler chain
func Write(c *gin.Context, code, message string) {
	c.JSON(Status(code), Envelope{Success: false, Error: message, Code: code})
}

// Abort sends the error envelope and stops the handler chain
func Abort(c *gin.Context, code, message string) {
	c.AbortWithStatusJSON(Status(code), Envelope{Success: false, Error: message, Code: code})
}
