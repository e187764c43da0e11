// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and defaults

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

transport:
  url: "ws://localhost:3002"

sessions:
  connect_timeout: "45s"
  reconnect_delay: "10s"
  relink_delay: "1s"

webhooks:
  delivery_timeout: "15s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Transport.URL != "ws://localhost:3002" {
		t.Errorf("Transport.URL = %q, want %q", cfg.Transport.URL, "ws://localhost:3002")
	}
	if cfg.Sessions.ConnectTimeout != 45*time.Second {
		t.Errorf("ConnectTimeout = %v, want 45s", cfg.Sessions.ConnectTimeout)
	}
	if cfg.Sessions.ReconnectDelay != 10*time.Second {
		t.Errorf("ReconnectDelay = %v, want 10s", cfg.Sessions.ReconnectDelay)
	}
	if cfg.Sessions.RelinkDelay != 1*time.Second {
		t.Errorf("RelinkDelay = %v, want 1s", cfg.Sessions.RelinkDelay)
	}
	if cfg.Webhooks.DeliveryTimeout != 15*time.Second {
		t.Errorf("DeliveryTimeout = %v, want 15s", cfg.Webhooks.DeliveryTimeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
transport:
  url: "ws://localhost:3002"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Sessions.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("ConnectTimeout = %v, want default %v", cfg.Sessions.ConnectTimeout, DefaultConnectTimeout)
	}
	if cfg.Sessions.ReconnectDelay != DefaultReconnectDelay {
		t.Errorf("ReconnectDelay = %v, want default %v", cfg.Sessions.ReconnectDelay, DefaultReconnectDelay)
	}
	if cfg.Sessions.RelinkDelay != DefaultRelinkDelay {
		t.Errorf("RelinkDelay = %v, want default %v", cfg.Sessions.RelinkDelay, DefaultRelinkDelay)
	}
	if cfg.Webhooks.DeliveryTimeout != DefaultDeliveryTimeout {
		t.Errorf("DeliveryTimeout = %v, want default %v", cfg.Webhooks.DeliveryTimeout, DefaultDeliveryTimeout)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("BARLEY_TEST_TRANSPORT", "ws://daemon:3002")

	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
transport:
  url: "${BARLEY_TEST_TRANSPORT}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Transport.URL != "ws://daemon:3002" {
		t.Errorf("Transport.URL = %q, want expanded env value", cfg.Transport.URL)
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing http_addr",
			content: `
database:
  path: "./test.db"
transport:
  url: "ws://localhost:3002"
`,
			wantErr: "server.http_addr",
		},
		{
			name: "missing database path",
			content: `
server:
  http_addr: "localhost:8080"
transport:
  url: "ws://localhost:3002"
`,
			wantErr: "database.path",
		},
		{
			name: "missing transport url",
			content: `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
`,
			wantErr: "transport.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, tt.content)
			_, err := Load(configPath)
			if err == nil {
				t.Fatal("Load() succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
transport:
  url: "ws://localhost:3002"
sessions:
  connect_timeout: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() succeeded, want duration parse error")
	}
	if !strings.Contains(err.Error(), "connect_timeout") {
		t.Errorf("error = %v, want mention of connect_timeout", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Load() succeeded for missing file")
	}
}
