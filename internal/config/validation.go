package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var backtraceModes = []string{"accurate", "fuzzy", "none"}

var logLevels = []string{"trace", "debug", "info", "warn", "error"}

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration and returns every problem found,
// joined.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Libraries) == 0 {
		errs = append(errs, &ValidationError{Field: "libraries", Message: "at least one library is required"})
	}
	if c.Backtrace != "" && !oneOf(strings.ToLower(c.Backtrace), backtraceModes) {
		errs = append(errs, &ValidationError{
			Field:   "backtrace",
			Message: fmt.Sprintf("%q is not one of %s", c.Backtrace, strings.Join(backtraceModes, ", ")),
		})
	}
	if c.Logging.Level != "" && !oneOf(c.Logging.Level, logLevels) {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("%q is not one of %s", c.Logging.Level, strings.Join(logLevels, ", ")),
		})
	}
	if c.Transport.BufferSize <= 0 {
		errs = append(errs, &ValidationError{Field: "transport.buffer_size", Message: "must be positive"})
	}

	for _, f := range []struct {
		name     string
		patterns []string
	}{
		{"include", c.Include},
		{"exclude", c.Exclude},
	} {
		for _, p := range f.patterns {
			if _, err := regexp.Compile(p); err != nil {
				errs = append(errs, &ValidationError{Field: f.name, Message: err.Error()})
			}
		}
	}

	return errors.Join(errs...)
}

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
