package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	// Run struct tag validation
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	// Custom validation rules that can't be expressed in tags
	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	// The cache owns its internal consistency rules
	if err := cfg.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	// Cache and mount must agree on the protocol version
	if cfg.Cache.Version != cfg.Mount.Version {
		return fmt.Errorf("cache: version %d does not match mount version %d",
			cfg.Cache.Version, cfg.Mount.Version)
	}

	// A wsize below the page size forces every write synchronous; allowed,
	// but the cache write size must not exceed the negotiated one
	if cfg.Cache.WriteSize > cfg.Mount.WriteSize {
		return fmt.Errorf("cache: write size %d exceeds mount wsize %d",
			cfg.Cache.WriteSize, cfg.Mount.WriteSize)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
