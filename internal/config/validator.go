package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers accessguard-specific validation rules.
// Must be called before validating GatewayConfig.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

// validateDuration validates that a string field parses as a
// time.ParseDuration value, e.g. "30s", "5m", "12h".
func validateDuration(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	_, err := time.ParseDuration(value)
	return err == nil
}

// Validate validates the GatewayConfig using struct tags and custom
// cross-field rules. Returns an error if validation fails, with
// actionable error messages.
func (c *GatewayConfig) Validate() error {
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
	if err := c.validateEncryptionKey(); err != nil {
		return err
	}

	return nil
}

// validateDurations re-parses every duration-typed field so a malformed
// value is rejected at load time instead of surfacing as a runtime panic
// the first time a component calls time.ParseDuration on it.
func (c *GatewayConfig) validateDurations() error {
	fields := map[string]string{
		"cache.ttl.jwt":                  c.Cache.TTL.JWT,
		"cache.ttl.api_key":              c.Cache.TTL.APIKey,
		"cache.ttl.session":              c.Cache.TTL.Session,
		"cache.ttl.user_info":            c.Cache.TTL.UserInfo,
		"database.conn_max_lifetime":     c.Database.ConnMaxLifetime,
		"security.session_rotation_interval": c.Security.SessionRotationInterval,
		"session.max_age":                c.Session.MaxAge,
		"jwt.clock_tolerance":            c.JWT.ClockTolerance,
		"rate_limit.default_window":      c.RateLimit.DefaultWindow,
	}
	for field, value := range fields {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
		}
	}
	return nil
}

// validateEncryptionKey requires an explicit encryption key outside dev
// mode; in dev mode a missing key is tolerated and the encryption manager
// is then built from an empty master secret, which must never happen in
// production.
func (c *GatewayConfig) validateEncryptionKey() error {
	if c.DevMode {
		return nil
	}
	if c.Encryption.Key == "" {
		return errors.New("encryption.key is required outside dev_mode")
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			msg := formatSingleValidationError(e)
			messages = append(messages, msg)
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a valid duration (e.g. \"30s\", \"5m\")", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
