package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration that unmarshals from TOML strings such as
// "5s" or "250ms".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// GDB configures the debugger client and server endpoints.
type GDB struct {
	// Client is the debugger client binary launched per session.
	Client string `toml:"client"`

	// ServerAddr and ServerPort locate the debug server.
	ServerAddr string `toml:"server_addr"`
	ServerPort int    `toml:"server_port"`

	// CompanionScript is sourced into the debugger on connect.
	CompanionScript string `toml:"companion_script"`
}

// Target configures per-device behavior.
type Target struct {
	// Device is the device id announced to the debug server.
	Device string `toml:"device"`

	// Endianness of the device, "little" or "big".
	Endianness string `toml:"endianness"`

	// ExecTimeout is the default timeout of synchronous commands.
	ExecTimeout Duration `toml:"exec_timeout"`

	// SettleDelay is slept after the target confirmed running.
	SettleDelay Duration `toml:"settle_delay"`
}

// Intercept configures the breakpoint channel.
type Intercept struct {
	// Port is the loopback port intercept channels listen on.
	Port int `toml:"port"`
}

// Config is the full session configuration.
type Config struct {
	GDB       GDB       `toml:"gdb"`
	Target    Target    `toml:"target"`
	Intercept Intercept `toml:"intercept"`

	// Workers sizes the notification worker pool.
	Workers int `toml:"workers"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		GDB: GDB{
			Client:     "arm-none-eabi-gdb",
			ServerAddr: "127.0.0.1",
			ServerPort: 2331,
		},
		Target: Target{
			Endianness:  "little",
			ExecTimeout: Duration(5 * time.Second),
		},
		Intercept: Intercept{
			Port: 20080,
		},
		Workers: 4,
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error; the defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// ServerEndpoint returns the debug server address in host:port form.
func (c *Config) ServerEndpoint() string {
	return fmt.Sprintf("%s:%d", c.GDB.ServerAddr, c.GDB.ServerPort)
}

// applyEnv overlays TETHER_-prefixed environment variables.
func (c *Config) applyEnv() {
	envStr("TETHER_GDB_CLIENT", &c.GDB.Client)
	envStr("TETHER_GDB_SERVER_ADDR", &c.GDB.ServerAddr)
	envInt("TETHER_GDB_SERVER_PORT", &c.GDB.ServerPort)
	envStr("TETHER_COMPANION_SCRIPT", &c.GDB.CompanionScript)
	envStr("TETHER_DEVICE", &c.Target.Device)
	envStr("TETHER_ENDIANNESS", &c.Target.Endianness)
	envDur("TETHER_EXEC_TIMEOUT", &c.Target.ExecTimeout)
	envDur("TETHER_SETTLE_DELAY", &c.Target.SettleDelay)
	envInt("TETHER_INTERCEPT_PORT", &c.Intercept.Port)
	envInt("TETHER_WORKERS", &c.Workers)
}

func envStr(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDur(name string, dst *Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
