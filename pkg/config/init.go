package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# DittoBLK Configuration File
#
# Every key can be overridden with an environment variable:
#   DITTOBLK_<SECTION>_<KEY>, e.g. DITTOBLK_ENGINE_BLOCK_SIZE=8192
#
# Persistent volume example:
#   device:
#     type: file
#     capacity: 16GiB
#     file:
#       path: /var/lib/dittoblk/device.img
#   metadata:
#     type: badger
#     badger:
#       path: /var/lib/dittoblk/metadata
#
# S3 device options: bucket, region, endpoint, key_prefix, access_key_id,
# secret_access_key, force_path_style, max_retries, parallelism.

`

// InitConfig writes the default configuration to the default location
// ($XDG_CONFIG_HOME/dittoblk/config.yaml) and returns its path.
//
// An existing file is only replaced when force is true.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes the default configuration to path.
//
// An existing file is only replaced when force is true.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}
	return WriteDefault(path)
}

// WriteDefault writes the default configuration as YAML to path, creating
// parent directories as needed.
func WriteDefault(path string) error {
	data, err := generateYAML(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAML renders cfg with the documentation header.
func generateYAML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(configHeader)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}
