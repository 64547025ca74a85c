package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no path is given and the file exists.
const DefaultPath = "shipledger.yaml"

// Load reads path over the defaults and then applies SHIPLEDGER_* overrides.
// An empty path falls back to DefaultPath when present.
func Load(path string) (*Config, error) {
	c := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config unmarshal: %w", err)
		}
	case !explicit && errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := applyEnvOverrides(c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects settings the binaries cannot act on.
func (c *Config) Validate() error {
	switch c.Store.Kind {
	case "none", "":
		c.Store.Kind = "none"
	case "file", "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("config: store.path is required for store kind %q", c.Store.Kind)
		}
	default:
		return fmt.Errorf("config: unknown store kind %q", c.Store.Kind)
	}
	switch c.Log.Format {
	case "logfmt", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("config: server.tls_cert and server.tls_key must be set together")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return errors.New("config: server.max_body_bytes must be positive")
	}
	return nil
}

func applyEnvOverrides(c *Config) error {
	str := map[string]*string{
		"SHIPLEDGER_LEDGER_FILE":   &c.Ledger.File,
		"SHIPLEDGER_EXPORT_NAME":   &c.Ledger.ExportName,
		"SHIPLEDGER_STORE_KIND":    &c.Store.Kind,
		"SHIPLEDGER_STORE_PATH":    &c.Store.Path,
		"SHIPLEDGER_SERVER_LISTEN": &c.Server.Listen,
		"SHIPLEDGER_TLS_CERT":      &c.Server.TLSCert,
		"SHIPLEDGER_TLS_KEY":       &c.Server.TLSKey,
		"SHIPLEDGER_LOG_LEVEL":     &c.Log.Level,
		"SHIPLEDGER_LOG_FORMAT":    &c.Log.Format,
	}
	for name, dst := range str {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("SHIPLEDGER_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: SHIPLEDGER_MAX_BODY_BYTES: %w", err)
		}
		c.Server.MaxBodyBytes = n
	}
	// The environment can switch the guard on but never off; disabling it
	// takes an explicit guard.enabled: false in the file.
	if v := os.Getenv("SHIPLEDGER_GUARD_ENABLED"); v != "" {
		if strings.ToLower(v) != "true" && v != "1" {
			return fmt.Errorf("config: SHIPLEDGER_GUARD_ENABLED=%q: the guard can only be disabled in the config file", v)
		}
		c.Guard.Enabled = true
	}
	for name, dst := range map[string]*int{
		"SHIPLEDGER_GUARD_RECHECK_SECONDS":    &c.Guard.RecheckSeconds,
		"SHIPLEDGER_GUARD_DEBUG_POLL_SECONDS": &c.Guard.DebugPollSeconds,
	} {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", name, err)
			}
			*dst = n
		}
	}
	return nil
}
