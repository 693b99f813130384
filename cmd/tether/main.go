// Package main is the entry point for the tether session runner: it
// launches a debugger, attaches it to a debug server, optionally programs
// firmware, and drives the target through breakpoints from the command
// line.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/tetherlab/tether/internal/config"
	"github.com/tetherlab/tether/internal/mi"
	"github.com/tetherlab/tether/internal/script"
	"github.com/tetherlab/tether/internal/target"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

type options struct {
	configPath  string
	watchConfig bool

	elf       string
	symbols   string
	flash     bool
	reset     bool
	resume    bool
	breakAt   string
	intercept string
	handler   string
	waitFor   time.Duration
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()
	defer glog.Flush()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	tr, err := mi.NewStdioTransport(exec.Command(cfg.GDB.Client, "--interpreter=mi3", "-q"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to launch debugger: %v\n", err)
		return 1
	}

	t := target.New(tr, target.Options{
		ExecTimeout:     cfg.Target.ExecTimeout.Std(),
		SettleDelay:     cfg.Target.SettleDelay.Std(),
		InterceptPort:   cfg.Intercept.Port,
		CompanionScript: cfg.GDB.CompanionScript,
		Device:          cfg.Target.Device,
		Workers:         cfg.Workers,
	})
	defer t.Teardown()

	if opts.watchConfig && opts.configPath != "" {
		w, err := config.Watch(opts.configPath, func(c *config.Config) {
			t.Tune(c.Target.ExecTimeout.Std(), c.Target.SettleDelay.Std())
		})
		if err != nil {
			glog.Warningf("config watch disabled: %v", err)
		} else {
			defer w.Close()
		}
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		t.Teardown()
		os.Exit(1)
	}()

	if err := session(t, cfg, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// session runs the scripted part of a target session: connect, program,
// arm breakpoints, resume, wait.
func session(t *target.Target, cfg *config.Config, opts options) error {
	if err := t.Connect(cfg.ServerEndpoint()); err != nil {
		return fmt.Errorf("connecting to debug server: %w", err)
	}

	if opts.elf != "" || opts.symbols != "" {
		if err := t.Load(opts.elf, opts.symbols, opts.flash); err != nil {
			return fmt.Errorf("loading firmware: %w", err)
		}
	}
	if opts.reset {
		if err := t.Reset(true); err != nil {
			return fmt.Errorf("resetting target: %w", err)
		}
	}

	bps := t.Breakpoints()

	if opts.intercept != "" {
		if opts.handler != "" {
			h, err := script.Load(opts.handler)
			if err != nil {
				return err
			}
			defer h.Close()
			ip, err := bps.InterceptPoint(opts.intercept, script.Bind(h))
			if err != nil {
				return err
			}
			defer ip.Delete()
		} else {
			ip, err := bps.InterceptPoint(opts.intercept)
			if err != nil {
				return err
			}
			defer ip.Delete()
		}
	}

	var halt interface {
		WaitComplete(time.Duration) error
		Hits() int
	}
	if opts.breakAt != "" {
		hp, err := bps.HaltPoint(opts.breakAt)
		if err != nil {
			return err
		}
		defer hp.Delete()
		halt = hp
	}

	if opts.resume {
		if err := t.Cont(); err != nil {
			return err
		}
	}

	if halt != nil {
		if err := halt.WaitComplete(opts.waitFor); err != nil {
			return err
		}
		glog.Infof("halt location reached, %d hit(s)", halt.Hits())
	} else if opts.waitFor > 0 {
		time.Sleep(opts.waitFor)
	}

	return nil
}

func parseFlags() options {
	var opts options
	var showVersion bool

	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.configPath, "c", "", "Path to configuration file (shorthand)")
	flag.BoolVar(&opts.watchConfig, "watch-config", false, "Reload timing tunables when the config file changes")
	flag.StringVar(&opts.elf, "elf", "", "Firmware image to download to the target")
	flag.StringVar(&opts.symbols, "symbols", "", "Separate symbol file (defaults to the firmware image)")
	flag.BoolVar(&opts.flash, "flash", false, "Enable flash download")
	flag.BoolVar(&opts.reset, "reset", false, "Reset the target after connect")
	flag.BoolVar(&opts.resume, "cont", false, "Resume the target")
	flag.StringVar(&opts.breakAt, "break", "", "Halt location to arm and wait for")
	flag.StringVar(&opts.intercept, "intercept", "", "Intercept location to arm")
	flag.StringVar(&opts.handler, "handler", "", "Lua handler script for the intercept location")
	flag.DurationVar(&opts.waitFor, "wait", 0, "How long to wait for the halt location (0 = forever)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "tether - debugger remote control for firmware tests\n\n")
		fmt.Fprintf(os.Stderr, "Usage: tether [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tether -c tether.toml -elf fw.elf -reset -cont -break main\n")
		fmt.Fprintf(os.Stderr, "  tether -c tether.toml -cont -intercept HardFault_Handler -handler fault.lua\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("tether %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		os.Exit(0)
	}

	return opts
}
