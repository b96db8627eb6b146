package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL nats://localhost:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Scheduler.StreamName != "TASKGRAPH" {
		t.Errorf("expected default stream TASKGRAPH, got %s", cfg.Scheduler.StreamName)
	}
	if cfg.Scheduler.Workers != 8 {
		t.Errorf("expected default workers 8, got %d", cfg.Scheduler.Workers)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("expected default HTTP addr :8080, got %s", cfg.HTTP.Addr)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Log.Level)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing nats url",
			modify:  func(c *Config) { c.NATS.URL = "" },
			wantErr: true,
		},
		{
			name:    "missing stream name",
			modify:  func(c *Config) { c.Scheduler.StreamName = "" },
			wantErr: true,
		},
		{
			name:    "zero workers",
			modify:  func(c *Config) { c.Scheduler.Workers = 0 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
nats:
  url: "nats://test:4222"
scheduler:
  stream_name: "TEST_STREAM"
  workers: 4
log:
  level: "debug"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Scheduler.StreamName != "TEST_STREAM" {
		t.Errorf("expected stream TEST_STREAM, got %s", cfg.Scheduler.StreamName)
	}
	if cfg.Scheduler.Workers != 4 {
		t.Errorf("expected workers 4, got %d", cfg.Scheduler.Workers)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Log.Level)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		NATS: NATSConfig{
			URL: "nats://override:4222",
		},
		Scheduler: SchedulerConfig{
			Workers: 16,
		},
	}

	base.Merge(override)

	if base.NATS.URL != "nats://override:4222" {
		t.Errorf("expected NATS URL nats://override:4222, got %s", base.NATS.URL)
	}
	if base.Scheduler.StreamName != "TASKGRAPH" {
		t.Errorf("expected stream name to remain default, got %s", base.Scheduler.StreamName)
	}
	if base.Scheduler.Workers != 16 {
		t.Errorf("expected workers 16, got %d", base.Scheduler.Workers)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.NATS.URL = "nats://saved:4222"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.NATS.URL != "nats://saved:4222" {
		t.Errorf("expected NATS URL nats://saved:4222, got %s", loaded.NATS.URL)
	}
}
