// Package validation provides input validation helpers for the escrow API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// AddressLength is the length of a standard Monero address.
const AddressLength = 95

// base58Regex matches the Monero base58 alphabet (no 0, O, I, l).
var base58Regex = regexp.MustCompile(`^[123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz]+$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// NetworkPrefix returns the leading character addresses carry on a network.
func NetworkPrefix(network string) byte {
	switch network {
	case "mainnet":
		return '4'
	case "testnet":
		return '9'
	default:
		return '5' // stagenet
	}
}

// IsValidAddress checks length, alphabet and network prefix of an address.
func IsValidAddress(addr, network string) bool {
	if len(addr) != AddressLength {
		return false
	}
	if addr[0] != NetworkPrefix(network) {
		return false
	}
	return base58Regex.MatchString(addr)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
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

// ValidAddress checks if a field is a valid address for the network.
func ValidAddress(field, value, network string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidAddress(value, network) {
			return &ValidationError{Field: field, Message: "must be a valid " + network + " address"}
		}
		return nil
	}
}

// ValidAmount checks that an atomic-unit amount is positive.
func ValidAmount(field string, value uint64) func() *ValidationError {
	return func() *ValidationError {
		if value == 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}
