package config

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/go-playground/validator/v10"

	"github.com/marmos91/dittoblk/pkg/engine"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()

	// blocksize accepts the logical block sizes the engine supports.
	_ = validate.RegisterValidation("blocksize", func(fl validator.FieldLevel) bool {
		return engine.ValidBlockSize(int(fl.Field().Int()))
	})

	// bytesize accepts human readable sizes such as "64MiB" or "1GB".
	_ = validate.RegisterValidation("bytesize", func(fl validator.FieldLevel) bool {
		n, err := units.RAMInBytes(fl.Field().String())
		return err == nil && n > 0
	})
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	capacity, _ := units.RAMInBytes(cfg.Device.Capacity)
	if capacity < int64(cfg.Engine.BlockSize) {
		return fmt.Errorf("device.capacity %s cannot hold a single %d byte block",
			cfg.Device.Capacity, cfg.Engine.BlockSize)
	}

	switch cfg.Device.Type {
	case "file":
		if s, _ := cfg.Device.File["path"].(string); s == "" {
			return fmt.Errorf("device.file.path is required for file devices")
		}
	case "s3":
		if s, _ := cfg.Device.S3["bucket"].(string); s == "" {
			return fmt.Errorf("device.s3.bucket is required for s3 devices")
		}
	}

	if cfg.Metadata.Type == "badger" {
		if s, _ := cfg.Metadata.Badger["path"].(string); s == "" {
			return fmt.Errorf("metadata.badger.path is required for badger metadata")
		}
	}

	// Tiers sharing a directory would overwrite each other's payloads
	paths := make(map[string]string)
	for name, tier := range map[string]TierConfig{"l1": cfg.Cache.L1, "l2": cfg.Cache.L2, "l3": cfg.Cache.L3} {
		if !tier.Enabled || tier.Store.Type == "memory" {
			continue
		}
		if other, ok := paths[tier.Store.Path]; ok {
			return fmt.Errorf("cache.%s.store.path %q is already used by cache.%s", name, tier.Store.Path, other)
		}
		paths[tier.Store.Path] = name
	}

	if !cfg.Cache.L1.Enabled && !cfg.Cache.L2.Enabled && !cfg.Cache.L3.Enabled {
		return fmt.Errorf("cache: at least one tier must be enabled")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
