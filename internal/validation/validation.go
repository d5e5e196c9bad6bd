// Package validation checks admin API input: body size, base58 account
// addresses and transaction signatures.
package validation

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mr-tron/base58"
)

// MaxRequestSize is the maximum request body size (64KB).
const MaxRequestSize = 64 << 10

// MaxAddressesPerRequest caps explicit address lists in reclaim requests.
const MaxAddressesPerRequest = 500

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAddress reports whether s is a base58 32-byte public key.
func IsValidAddress(s string) bool {
	b, err := base58.Decode(s)
	return err == nil && len(b) == 32
}

// IsValidSignature reports whether s is a base58 64-byte transaction signature.
func IsValidSignature(s string) bool {
	b, err := base58.Decode(s)
	return err == nil && len(b) == 64
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

// Validate runs every validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
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

// ValidAddress checks an optional address field.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidAddress(value) {
			return &ValidationError{Field: field, Message: "must be a base58 public key"}
		}
		return nil
	}
}

// ValidAddresses checks every entry of an address list and its length.
func ValidAddresses(field string, values []string) func() *ValidationError {
	return func() *ValidationError {
		if len(values) > MaxAddressesPerRequest {
			return &ValidationError{Field: field, Message: fmt.Sprintf("at most %d addresses per request", MaxAddressesPerRequest)}
		}
		for i, v := range values {
			if !IsValidAddress(v) {
				return &ValidationError{Field: fmt.Sprintf("%s[%d]", field, i), Message: "must be a base58 public key"}
			}
		}
		return nil
	}
}

// IntRange checks that an optional integer falls within [lo, hi]. Zero means unset.
func IntRange(field string, value, lo, hi int) func() *ValidationError {
	return func() *ValidationError {
		if value == 0 {
			return nil
		}
		if value < lo || value > hi {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %d and %d", lo, hi)}
		}
		return nil
	}
}

// AddressParamMiddleware validates the :address URL parameter on routes that use it.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a base58-encoded 32-byte public key",
			})
			return
		}
		c.Next()
	}
}
