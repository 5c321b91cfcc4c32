package config

import (
	"fmt"
	"slices"
	"strings"
)

// FieldError reports one invalid configuration field by its YAML path.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

// Invalid builds a FieldError with a formatted reason.
func Invalid(field, format string, args ...any) error {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Required fails when value is empty.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return Invalid(field, "is required")
	}
	return nil
}

// Port fails outside 1..65535.
func Port(field string, port int) error {
	if port < 1 || port > 65535 {
		return Invalid(field, "%d is not a valid port", port)
	}
	return nil
}

// Positive fails unless n > 0.
func Positive(field string, n int) error {
	if n <= 0 {
		return Invalid(field, "must be greater than zero, got %d", n)
	}
	return nil
}

// OneOf fails unless value is one of allowed.
func OneOf(field, value string, allowed ...string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return Invalid(field, "%q is not one of %s", value, strings.Join(allowed, ", "))
}

// LogLevel accepts the level names logger.ParseLevel understands.
func LogLevel(level string) error {
	return OneOf("logging.level", level, "debug", "info", "warn", "warning", "error", "fatal")
}
