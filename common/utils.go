// Package common provides common utilities for OIAT components
package common

import (
	"os"
	"strconv"
)

// MaskSecret hides most of a sensitive value so it can appear in logs.
// Values longer than 8 characters keep their first and last 4; shorter
// ones collapse to "***", and the empty string reads "<not set>".
func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// GetEnv returns the named environment variable, or defaultValue when
// it is unset or empty.
func GetEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetEnvInt returns the named environment variable parsed as an int.
// Unset, empty, or unparseable values yield defaultValue.
func GetEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// GetEnvBool returns the named environment variable parsed as a bool.
// "true", "1", "yes", "on" are true; "false", "0", "no", "off" are
// false; anything else yields defaultValue.
func GetEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	switch valueStr {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return defaultValue
	}
}

// Ptr returns a pointer to v, for populating optional struct fields.
func Ptr[T any](v T) *T {
	return &v
}

// PtrValue dereferences ptr, returning the zero value when it is nil.
func PtrValue[T any](ptr *T) T {
	if ptr == nil {
		var zero T
		return zero
	}
	return *ptr
}

// Truncate shortens a string to at most n runes, appending an ellipsis
// marker when the string was cut. Used for the RunJob failure_reason
// column which is capped at 200 characters.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
