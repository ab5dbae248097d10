package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/surfhero25/festivair-sub001/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("FESTIVAIR_CONFIG_FILE", filepath.Join(t.TempDir(), "nonexistent.yaml"))

	cfg, err := config.New("")
	if err != nil {
		t.Fatalf("config.New returned error: %v", err)
	}

	if cfg.Name != "FestivAir" {
		t.Fatalf("expected default name 'FestivAir', got %q", cfg.Name)
	}

	if cfg.MeshPort != 9000 {
		t.Fatalf("expected default mesh port 9000, got %d", cfg.MeshPort)
	}

	if cfg.MaxHops != 10 {
		t.Fatalf("expected default max hops 10, got %d", cfg.MaxHops)
	}

	if cfg.RotationThreshold != 30 {
		t.Fatalf("expected default rotation threshold 30, got %d", cfg.RotationThreshold)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	yamlContent := `
name: Custom
mesh_port: 9100
squad_id: squad-42
low_power_mode: true
`

	if err := os.WriteFile(yamlPath, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("write config yaml: %v", err)
	}

	cfg, err := config.New(yamlPath)
	if err != nil {
		t.Fatalf("config.New returned error: %v", err)
	}

	if cfg.Name != "Custom" {
		t.Fatalf("expected name Custom, got %q", cfg.Name)
	}

	if cfg.MeshPort != 9100 {
		t.Fatalf("expected mesh_port 9100, got %d", cfg.MeshPort)
	}

	if cfg.SquadID != "squad-42" {
		t.Fatalf("expected squad_id squad-42, got %q", cfg.SquadID)
	}

	if !cfg.LowPowerMode {
		t.Fatalf("expected low_power_mode true from YAML")
	}

	if cfg.ConfigPath != yamlPath {
		t.Fatalf("expected ConfigPath %q, got %q", yamlPath, cfg.ConfigPath)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("name: FromFile\nmesh_port: 9100\n"), 0o600); err != nil {
		t.Fatalf("write config yaml: %v", err)
	}

	t.Setenv("FESTIVAIR_NAME", "EnvName")
	t.Setenv("FESTIVAIR_MESH_PORT", "9200")
	t.Setenv("FESTIVAIR_LOW_POWER_MODE", "1")

	cfg, err := config.New(yamlPath)
	if err != nil {
		t.Fatalf("config.New returned error: %v", err)
	}

	if cfg.Name != "EnvName" {
		t.Fatalf("expected name EnvName from env, got %q", cfg.Name)
	}

	if cfg.MeshPort != 9200 {
		t.Fatalf("expected mesh_port 9200 from env, got %d", cfg.MeshPort)
	}

	if !cfg.LowPowerMode {
		t.Fatalf("expected low_power_mode true from env override")
	}
}

func TestEnvRejectsBadInteger(t *testing.T) {
	t.Setenv("FESTIVAIR_MESH_PORT", "not-a-port")

	if _, err := config.New(""); err == nil {
		t.Fatal("expected error for non-integer FESTIVAIR_MESH_PORT")
	}
}
