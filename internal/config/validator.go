package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers gitops-gate validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// audit_sink: "stdout", "file://<absolute-dir>", or "sqlite://<absolute-path>"
	if err := v.RegisterValidation("audit_sink", validateAuditSink); err != nil {
		return fmt.Errorf("failed to register audit_sink validator: %w", err)
	}
	return nil
}

// validateAuditSink validates the audit sink URI.
func validateAuditSink(fl validator.FieldLevel) bool {
	sink := fl.Field().String()

	if sink == "stdout" {
		return true
	}

	for _, scheme := range []string{"file://", "sqlite://"} {
		if strings.HasPrefix(sink, scheme) {
			path := strings.TrimPrefix(sink, scheme)
			return path != "" && filepath.IsAbs(path)
		}
	}

	return false
}

// Validate validates the Config using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateDurations(); err != nil {
		return err
	}

	return nil
}

// validateDurations checks the string duration fields parse.
func (c *Config) validateDurations() error {
	durations := []struct {
		name, value string
	}{
		{"audit.flush_interval", c.Audit.FlushInterval},
		{"audit.send_timeout", c.Audit.SendTimeout},
		{"rate_limit.cleanup_interval", c.RateLimit.CleanupInterval},
		{"rate_limit.max_ttl", c.RateLimit.MaxTTL},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.name, d.value)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a message for one field error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "audit_sink":
		return fmt.Sprintf("%s must be 'stdout', 'file://<absolute-dir>' or 'sqlite://<absolute-path>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
