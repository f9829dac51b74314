package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate validates the Config using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return c.validateSocketsDistinct()
}

// validateSocketsDistinct rejects a configuration that reuses one path for
// more than one of the four dialect sockets; §6 requires a distinct
// accepting socket per dialect.
func (c *Config) validateSocketsDistinct() error {
	paths := map[string]string{
		"client":      c.Sockets.Client,
		"admin":       c.Sockets.Admin,
		"agent":       c.Sockets.Agent,
		"monitor_get": c.Sockets.MonitorGet,
	}
	seen := make(map[string]string, len(paths))
	for name, path := range paths {
		if owner, ok := seen[path]; ok {
			return fmt.Errorf("sockets.%s and sockets.%s must not share path %q", owner, name, path)
		}
		seen[path] = name
	}
	return nil
}

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
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
