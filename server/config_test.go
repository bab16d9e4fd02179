package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rordb.yaml")
	ensure(os.WriteFile(path, []byte(`
addr: 0.0.0.0:9000
data_dir: /srv/rordb
idle_timeout: 10
poll_interval: 250ms
sync_writes: true
`), 0o644))

	cfg := must(LoadConfig(path))
	deepEqual(t, cfg.Addr, "0.0.0.0:9000")
	deepEqual(t, cfg.DataDir, "/srv/rordb")
	deepEqual(t, cfg.IdleTimeout, 10)
	deepEqual(t, cfg.PollInterval, 250*time.Millisecond)
	deepEqual(t, cfg.SyncWrites, true)

	deepEqual(t, cfg.Name, "rordb")
	deepEqual(t, cfg.UsersDB, DefaultUsersDB)
	deepEqual(t, cfg.FrameTimeout, DefaultFrameTimeout)
	deepEqual(t, cfg.RefreshEvery, DefaultRefreshEvery)
	deepEqual(t, cfg.SweepInterval, DefaultSweepInterval)
	if cfg.Logger == nil {
		t.Errorf("Logger not defaulted")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
	}{
		{"negative idle timeout", "idle_timeout: -1\n"},
		{"negative poll interval", "poll_interval: -1s\n"},
		{"bad duration", "frame_timeout: soon\n"},
		{"not a map", "- a\n- b\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "c.yaml")
			ensure(os.WriteFile(path, []byte(tt.body), 0o644))
			if _, err := LoadConfig(path); err == nil {
				t.Fatalf("LoadConfig succeeded")
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); !os.IsNotExist(err) {
		t.Fatalf("LoadConfig(missing) = %v", err)
	}
}

func TestConfigSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rordb.yaml")
	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.CompactionThreshold = 4096
	cfg.Verbose = true
	ensure(cfg.Save(path))

	loaded := must(LoadConfig(path))
	loaded.Logger = cfg.Logger
	deepEqual(t, loaded, cfg)
}
