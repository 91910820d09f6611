package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, SITEHOST_CONFIG env, ./sitehost.yaml, /etc/sitehost/sitehost.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. SITEHOST_CONFIG environment variable
// 3. ./sitehost.yaml in the current directory
// 4. /etc/sitehost/sitehost.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("SITEHOST_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"sitehost.yaml",
		"/etc/sitehost/sitehost.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
// Unknown keys are rejected so typos do not silently fall back to defaults.
func loadYAMLFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnvOverrides maps SITEHOST_* environment variables to config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SITEHOST_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SITEHOST_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Addr = ":" + strconv.Itoa(port)
		}
	}
	if v := os.Getenv("SITEHOST_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SITEHOST_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("SITEHOST_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := os.Getenv("SITEHOST_MAX_BODY_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Limits.MaxBodySize = n
		}
	}
	if v := os.Getenv("SITEHOST_HEARTBEAT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Streaming.Heartbeat = d
		}
	}
	if v := os.Getenv("SITEHOST_AUTH_TYPE"); v != "" {
		cfg.Auth.Type = v
	}
	if v := os.Getenv("SITEHOST_METRICS_ADDR"); v != "" {
		cfg.Observability.Metrics.Addr = v
	}
	if v := os.Getenv("SITEHOST_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Observability.Metrics.Enabled = b
		}
	}

	// SITEHOST_API_KEYS: JSON array of API key configs.
	if v := os.Getenv("SITEHOST_API_KEYS"); v != "" {
		keys, err := parseAPIKeysJSON(v)
		if err == nil && len(keys) > 0 {
			cfg.Auth.APIKeys = keys
		}
	}
}

// parseAPIKeysJSON parses a JSON array of API key configurations.
func parseAPIKeysJSON(jsonStr string) ([]APIKeyConfig, error) {
	var raw []struct {
		Key         string   `json:"key"`
		KeyFile     string   `json:"key_file"`
		Subject     string   `json:"subject"`
		TenantID    string   `json:"tenant_id"`
		ServiceTier string   `json:"service_tier"`
		Sites       []string `json:"sites"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return nil, fmt.Errorf("parsing API keys JSON: %w", err)
	}
	keys := make([]APIKeyConfig, len(raw))
	for i, k := range raw {
		keys[i] = APIKeyConfig(k)
	}
	return keys, nil
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	// auth.api_keys[*].key_file -> auth.api_keys[*].key
	for i := range cfg.Auth.APIKeys {
		if cfg.Auth.APIKeys[i].KeyFile != "" && cfg.Auth.APIKeys[i].Key == "" {
			val, err := readSecretFile(cfg.Auth.APIKeys[i].KeyFile)
			if err != nil {
				return fmt.Errorf("auth.api_keys[%d].key_file: %w", i, err)
			}
			cfg.Auth.APIKeys[i].Key = val
		}
	}

	// auth.jwt.secret_file -> auth.jwt.secret
	if cfg.Auth.JWT.SecretFile != "" && cfg.Auth.JWT.Secret == "" {
		val, err := readSecretFile(cfg.Auth.JWT.SecretFile)
		if err != nil {
			return fmt.Errorf("auth.jwt.secret_file: %w", err)
		}
		cfg.Auth.JWT.Secret = val
	}

	// auth.users[*].password_hash_file -> auth.users[*].password_hash
	for i := range cfg.Auth.Users {
		if cfg.Auth.Users[i].PasswordHashFile != "" && cfg.Auth.Users[i].PasswordHash == "" {
			val, err := readSecretFile(cfg.Auth.Users[i].PasswordHashFile)
			if err != nil {
				return fmt.Errorf("auth.users[%d].password_hash_file: %w", i, err)
			}
			cfg.Auth.Users[i].PasswordHash = val
		}
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
