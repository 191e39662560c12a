package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := DefaultConfig()
	if cfg.ConnectTimeout != def.ConnectTimeout || cfg.DefaultQuality != def.DefaultQuality {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if cfg.ConnectTimeout != 10*time.Second {
		t.Errorf("connect timeout = %v, want 10s", cfg.ConnectTimeout)
	}
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deskagent.yaml")
	body := `
connect_timeout: 4s
default_quality: 60
helper_name: custom-helper
log_format: json
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConnectTimeout != 4*time.Second {
		t.Errorf("connect timeout = %v, want 4s", cfg.ConnectTimeout)
	}
	if cfg.DefaultQuality != 60 {
		t.Errorf("quality = %d, want 60", cfg.DefaultQuality)
	}
	if !strings.HasSuffix(cfg.HelperPath(), "custom-helper") {
		t.Errorf("helper path = %s", cfg.HelperPath())
	}
	// Unset keys keep their defaults.
	if cfg.HandshakeTimeout != 3*time.Second {
		t.Errorf("handshake timeout = %v, want default 3s", cfg.HandshakeTimeout)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"zero connect timeout": "connect_timeout: 0s\n",
		"bad log format":       "log_format: xml\n",
		"empty helper":         "helper_name: \"\"\n",
		"malformed":            "connect_timeout: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			if err := os.WriteFile(path, []byte(body), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(root, "data")
	cfg.SocketsDir = filepath.Join(root, "data", "sockets")
	cfg.EventsDir = filepath.Join(root, "data", "events")
	cfg.SocketPath = filepath.Join(root, "run", "deskagent.sock")
	cfg.JournalPath = filepath.Join(root, "db", "journal.db")

	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, d := range []string{cfg.DataDir, cfg.SocketsDir, cfg.EventsDir, filepath.Join(root, "run"), filepath.Join(root, "db")} {
		if fi, err := os.Stat(d); err != nil || !fi.IsDir() {
			t.Errorf("%s not created", d)
		}
	}
}
