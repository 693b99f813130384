package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tether.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GDB.Client != "arm-none-eabi-gdb" {
		t.Errorf("client = %q", cfg.GDB.Client)
	}
	if cfg.Intercept.Port != 20080 {
		t.Errorf("intercept port = %d, want 20080", cfg.Intercept.Port)
	}
	if cfg.Target.ExecTimeout.Std() != 5*time.Second {
		t.Errorf("exec timeout = %v, want 5s", cfg.Target.ExecTimeout.Std())
	}
	if got := cfg.ServerEndpoint(); got != "127.0.0.1:2331" {
		t.Errorf("endpoint = %q", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
workers = 8

[gdb]
client = "gdb-multiarch"
server_addr = "10.0.0.5"
server_port = 3333
companion_script = "/opt/tether/companion.py"

[target]
device = "STM32F407VG"
exec_timeout = "2s"
settle_delay = "250ms"

[intercept]
port = 21000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GDB.Client != "gdb-multiarch" {
		t.Errorf("client = %q", cfg.GDB.Client)
	}
	if got := cfg.ServerEndpoint(); got != "10.0.0.5:3333" {
		t.Errorf("endpoint = %q", got)
	}
	if cfg.Target.Device != "STM32F407VG" {
		t.Errorf("device = %q", cfg.Target.Device)
	}
	if cfg.Target.ExecTimeout.Std() != 2*time.Second {
		t.Errorf("exec timeout = %v", cfg.Target.ExecTimeout.Std())
	}
	if cfg.Target.SettleDelay.Std() != 250*time.Millisecond {
		t.Errorf("settle delay = %v", cfg.Target.SettleDelay.Std())
	}
	if cfg.Intercept.Port != 21000 {
		t.Errorf("intercept port = %d", cfg.Intercept.Port)
	}
	if cfg.Workers != 8 {
		t.Errorf("workers = %d", cfg.Workers)
	}

	// Unset fields keep their defaults.
	if cfg.Target.Endianness != "little" {
		t.Errorf("endianness = %q, want default little", cfg.Target.Endianness)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GDB.ServerPort != 2331 {
		t.Errorf("port = %d, want default", cfg.GDB.ServerPort)
	}
}

func TestLoadBadTOML(t *testing.T) {
	path := writeConfig(t, "this is not toml [")
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted malformed file")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[gdb]
server_port = 3333
`)
	t.Setenv("TETHER_GDB_SERVER_PORT", "4444")
	t.Setenv("TETHER_EXEC_TIMEOUT", "10s")
	t.Setenv("TETHER_DEVICE", "nRF52840")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GDB.ServerPort != 4444 {
		t.Errorf("port = %d, want env override 4444", cfg.GDB.ServerPort)
	}
	if cfg.Target.ExecTimeout.Std() != 10*time.Second {
		t.Errorf("exec timeout = %v, want 10s", cfg.Target.ExecTimeout.Std())
	}
	if cfg.Target.Device != "nRF52840" {
		t.Errorf("device = %q", cfg.Target.Device)
	}
}

func TestWatcherReload(t *testing.T) {
	path := writeConfig(t, `
[target]
settle_delay = "100ms"
`)

	reloaded := make(chan *Config, 4)
	w, err := Watch(path, func(c *Config) { reloaded <- c })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	// Give the watcher a moment to arm before the write.
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(path, []byte("[target]\nsettle_delay = \"300ms\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Target.SettleDelay.Std() != 300*time.Millisecond {
			t.Errorf("settle delay = %v, want 300ms", cfg.Target.SettleDelay.Std())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatcherKeepsPreviousOnBadFile(t *testing.T) {
	path := writeConfig(t, "[target]\n")

	reloaded := make(chan *Config, 4)
	w, err := Watch(path, func(c *Config) { reloaded <- c })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("broken ["), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		t.Fatalf("reload delivered for malformed file: %+v", cfg)
	case <-time.After(500 * time.Millisecond):
		// Expected: the malformed write is logged, not delivered.
	}
}
