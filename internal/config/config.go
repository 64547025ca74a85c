// Package config loads shipledger settings from YAML with environment
// overrides.
package config

// Config is the top-level configuration.
type Config struct {
	Ledger LedgerConfig `yaml:"ledger"`
	Store  StoreConfig  `yaml:"store"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Guard  GuardConfig  `yaml:"guard"`
}

// LedgerConfig names the files the CLI reads and writes.
type LedgerConfig struct {
	File       string `yaml:"file"`        // consumer input
	ExportName string `yaml:"export_name"` // producer output basename
}

// StoreConfig selects the producer journal.
type StoreConfig struct {
	Kind string `yaml:"kind"` // none, file or sqlite
	Path string `yaml:"path"` // directory for file, DSN for sqlite
}

// ServerConfig configures the verification service.
type ServerConfig struct {
	Listen       string `yaml:"listen"`
	TLSCert      string `yaml:"tls_cert"`
	TLSKey       string `yaml:"tls_key"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// LogConfig configures the go-kit logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // logfmt or json
}

// GuardConfig tunes the integrity guard.
type GuardConfig struct {
	Enabled          bool `yaml:"enabled"`
	RecheckSeconds   int  `yaml:"recheck_seconds"`
	DebugPollSeconds int  `yaml:"debug_poll_seconds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Ledger: LedgerConfig{
			File:       "data/transactions_valid.json.enc",
			ExportName: "transactions_generated.json",
		},
		Store: StoreConfig{Kind: "none"},
		Server: ServerConfig{
			Listen:       ":8080",
			MaxBodyBytes: 16 << 20,
		},
		Log: LogConfig{Level: "info", Format: "logfmt"},
		Guard: GuardConfig{
			Enabled:          true,
			RecheckSeconds:   3,
			DebugPollSeconds: 1,
		},
	}
}
