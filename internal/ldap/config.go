package ldap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Connection pool limits.
const (
	// MaxConnectionPoolLimit is the maximum allowed connections in a pool.
	MaxConnectionPoolLimit = 100
)

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *ConnectionConfig {
	config := &ConnectionConfig{}
	if err := defaults.Set(config); err != nil {
		// Static struct tags; only a malformed tag can fail here.
		panic(fmt.Sprintf("invalid connection config defaults: %v", err))
	}
	return config
}

// LoadConfig reads a YAML connection configuration. Keys missing from the
// file keep their defaults.
func LoadConfig(path string) (*ConnectionConfig, error) {
	config := DefaultConfig()

	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - config path is supplied by the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validateConfig validates the connection configuration.
func validateConfig(config *ConnectionConfig) error {
	if len(config.URLs) == 0 {
		return errors.New("at least one LDAP URL must be specified")
	}

	for _, u := range config.URLs {
		if _, err := ParseLDAPURL(u); err != nil {
			return fmt.Errorf("invalid LDAP URL %s: %w", u, err)
		}
	}

	if config.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}

	if config.MaxConnections > MaxConnectionPoolLimit {
		return fmt.Errorf("max_connections too high (max %d)", MaxConnectionPoolLimit)
	}

	if config.MaxIdleTime <= 0 {
		return errors.New("max_idle_time must be positive")
	}

	if config.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}

	if config.PageSize <= 0 {
		return errors.New("page_size must be positive")
	}

	if config.MaxRetries < 0 {
		return errors.New("max_retries cannot be negative")
	}

	if config.BackoffFactor <= 1.0 {
		return errors.New("backoff_factor must be greater than 1.0")
	}

	if config.KerberosRealm != "" && config.KerberosKeytab == "" && config.Password == "" {
		return errors.New("kerberos authentication requires a password or keytab")
	}

	return nil
}
