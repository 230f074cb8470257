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
// via struct tags, with additional custom validation for cross-field
// rules that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	// Device names must be unique
	devices := make(map[string]bool)
	for i, dev := range cfg.Devices {
		if devices[dev.Name] {
			return fmt.Errorf("devices[%d]: duplicate device name %q", i, dev.Name)
		}
		devices[dev.Name] = true
	}

	// Mount paths must be unique, and the first mount must be the root
	if len(cfg.Mounts) > 0 && cfg.Mounts[0].Path != "/" {
		return fmt.Errorf("mounts[0]: the first mount must be at \"/\", got %q", cfg.Mounts[0].Path)
	}
	paths := make(map[string]bool)
	for i, mnt := range cfg.Mounts {
		if paths[mnt.Path] {
			return fmt.Errorf("mounts[%d]: duplicate mount path %q", i, mnt.Path)
		}
		paths[mnt.Path] = true

		// ramfs needs no device; everything else does, and it must exist
		if mnt.Type == "ramfs" {
			if mnt.Device != "" {
				return fmt.Errorf("mounts[%d]: ramfs does not take a device", i)
			}
			continue
		}
		if mnt.Device == "" {
			return fmt.Errorf("mounts[%d]: filesystem type %q requires a device", i, mnt.Type)
		}
		if !devices[mnt.Device] {
			return fmt.Errorf("mounts[%d]: unknown device %q", i, mnt.Device)
		}
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
