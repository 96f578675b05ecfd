package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// RegisterCustomValidators registers dproxy-specific validation rules.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("cron_schedule", validateCronSchedule); err != nil {
		return fmt.Errorf("register cron_schedule validator: %w", err)
	}
	return nil
}

// validateCronSchedule accepts standard five-field cron expressions.
func validateCronSchedule(fl validator.FieldLevel) bool {
	_, err := cron.ParseStandard(fl.Field().String())
	return err == nil
}

// Validate checks the configuration using struct tags plus cross-field
// rules, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if c.Admin.Enabled && c.Admin.Port == c.Server.Port {
		return errors.New("admin.port must differ from server.port")
	}
	if hash := c.Admin.TokenHash; hash != "" {
		if !strings.HasPrefix(hash, "$argon2id$") && len(hash) != 64 {
			return errors.New("admin.token_hash must be an Argon2id PHC string or SHA-256 hex")
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

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "cron_schedule":
		return fmt.Sprintf("%s must be a standard cron expression, e.g. \"0 3 * * *\"", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
