package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shipledger.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultsWithoutFile(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(wd) }()

	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Ledger.File != "data/transactions_valid.json.enc" {
		t.Errorf("ledger.file = %q", c.Ledger.File)
	}
	if c.Ledger.ExportName != "transactions_generated.json" {
		t.Errorf("ledger.export_name = %q", c.Ledger.ExportName)
	}
	if !c.Guard.Enabled || c.Guard.RecheckSeconds != 3 || c.Guard.DebugPollSeconds != 1 {
		t.Errorf("guard = %+v", c.Guard)
	}
	if c.Store.Kind != "none" {
		t.Errorf("store.kind = %q", c.Store.Kind)
	}
}

func TestLoadYAMLKeepsUnsetDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  kind: sqlite
  path: /tmp/ledger.db
log:
  level: debug
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Store.Kind != "sqlite" || c.Store.Path != "/tmp/ledger.db" {
		t.Errorf("store = %+v", c.Store)
	}
	if c.Log.Level != "debug" || c.Log.Format != "logfmt" {
		t.Errorf("log = %+v", c.Log)
	}
	if c.Server.Listen != ":8080" {
		t.Errorf("server.listen = %q", c.Server.Listen)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  listen: \":9000\"\nguard:\n  enabled: false\n")
	t.Setenv("SHIPLEDGER_SERVER_LISTEN", "127.0.0.1:7000")
	t.Setenv("SHIPLEDGER_GUARD_ENABLED", "true")
	t.Setenv("SHIPLEDGER_GUARD_RECHECK_SECONDS", "10")
	t.Setenv("SHIPLEDGER_MAX_BODY_BYTES", "1024")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Server.Listen != "127.0.0.1:7000" {
		t.Errorf("listen = %q", c.Server.Listen)
	}
	if !c.Guard.Enabled {
		t.Error("environment should switch the guard on")
	}
	if c.Guard.RecheckSeconds != 10 {
		t.Errorf("recheck = %d", c.Guard.RecheckSeconds)
	}
	if c.Server.MaxBodyBytes != 1024 {
		t.Errorf("max body = %d", c.Server.MaxBodyBytes)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
		want string
	}{
		{"bad yaml", "store: [", nil, "config unmarshal"},
		{"unknown store", "store:\n  kind: redis\n", nil, "unknown store kind"},
		{"store without path", "store:\n  kind: file\n", nil, "store.path is required"},
		{"bad format", "log:\n  format: xml\n", nil, "unknown log format"},
		{"half tls", "server:\n  tls_cert: a.pem\n", nil, "must be set together"},
		{"bad env int", "", map[string]string{"SHIPLEDGER_GUARD_DEBUG_POLL_SECONDS": "x"}, "SHIPLEDGER_GUARD_DEBUG_POLL_SECONDS"},
		{"env disables guard", "", map[string]string{"SHIPLEDGER_GUARD_ENABLED": "false"}, "only be disabled in the config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestExplicitMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}
