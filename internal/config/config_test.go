package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.ClientTLSPages != 1 {
		t.Errorf("default TLS pages = %d", cfg.ClientTLSPages)
	}
	if cfg.Debug {
		t.Error("debug on by default")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loader.yaml")
	content := "client_lib_dirs:\n  - /opt/client/lib\nclient_tls_size: 4\ndebug: true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.ClientLibDirs) != 1 || cfg.ClientLibDirs[0] != "/opt/client/lib" {
		t.Errorf("client dirs = %v", cfg.ClientLibDirs)
	}
	if cfg.ClientTLSPages != 4 {
		t.Errorf("TLS pages = %d", cfg.ClientTLSPages)
	}
	if !cfg.Debug {
		t.Error("debug not set")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClientTLSPages != 1 {
		t.Errorf("TLS pages = %d", cfg.ClientTLSPages)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DRK_CLIENT_TLS_PAGES", "8")
	t.Setenv("DRK_LOADER_DEBUG", "1")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClientTLSPages != 8 {
		t.Errorf("TLS pages = %d, want env override 8", cfg.ClientTLSPages)
	}
	if !cfg.Debug {
		t.Error("debug env override ignored")
	}
}

func TestTLSPagesClampedToMinimum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loader.yaml")
	if err := os.WriteFile(path, []byte("client_tls_size: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClientTLSPages != 1 {
		t.Errorf("TLS pages = %d, want clamp to 1", cfg.ClientTLSPages)
	}
}
