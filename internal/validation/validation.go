// Package validation provides input validation helpers for the CreatorPay API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// Dispute reason bounds. Short reasons are rejected to discourage spam disputes.
const (
	MinReasonLength = 20
	MaxReasonLength = 1000
)

// idRegex validates entity IDs: our prefixed hex IDs, upstream account IDs
// (prefixed tokens minted by the identity service), or UUIDs.
var idRegex = regexp.MustCompile(`^[a-z]{2,8}_[a-zA-Z0-9-]{1,64}$|^[a-fA-F0-9-]{36}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks if a string looks like one of our entity IDs.
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ReasonLength checks dispute/override reason bounds.
func ReasonLength(field, value string) func() *ValidationError {
	return func() *ValidationError {
		trimmed := strings.TrimSpace(value)
		if len(trimmed) < MinReasonLength {
			return &ValidationError{Field: field, Message: "must be at least 20 characters"}
		}
		if len(trimmed) > MaxReasonLength {
			return &ValidationError{Field: field, Message: "must be at most 1000 characters"}
		}
		return nil
	}
}

// PositiveInt checks that an integer field is strictly positive.
func PositiveInt(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// NonNegativeInt checks that an integer field is zero or positive.
func NonNegativeInt(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value < 0 {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}
