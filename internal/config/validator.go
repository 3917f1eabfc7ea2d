package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators installs the validation tags the schema uses
// beyond the built-in ones.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("argon2id_hash", validateArgon2idHash); err != nil {
		return fmt.Errorf("register argon2id_hash validator: %w", err)
	}
	return nil
}

func validateArgon2idHash(fl validator.FieldLevel) bool {
	return strings.HasPrefix(fl.Field().String(), "$argon2id$")
}

// Validate checks the configuration for structural and cross-field errors.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return c.validateListenerCollision()
}

// validateListenerCollision rejects configurations where the policy listener
// and the management API would fight over the same port.
func (c *Config) validateListenerCollision() error {
	if c.PolicyServer.Port == c.Admin.Port {
		return fmt.Errorf("config validation failed: policy_server and admin must listen on different ports (both use %d)", c.Admin.Port)
	}
	return nil
}

// formatValidationErrors turns validator's error list into a single readable
// message, one clause per failed field.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config validation failed: %w", err)
	}

	messages := make([]string, 0, len(verrs))
	for _, e := range verrs {
		messages = append(messages, formatSingleValidationError(e))
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(messages, "; "))
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, e.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "argon2id_hash":
		return fmt.Sprintf("%s must be an argon2id hash ($argon2id$...)", field)
	default:
		return fmt.Sprintf("%s failed validation %q", field, e.Tag())
	}
}
