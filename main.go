// main.go - Daemon entry point: flags, configuration, engine and console lifecycle

/*
 ██▓ ███▄    █ ▄▄▄█████▓ █    ██  ██▓▄▄▄█████▓ ██▓ ▒█████   ███▄    █    ▓█████  ███▄    █   ▄████  ██▓ ███▄    █ ▓█████
▓██▒ ██ ▀█   █ ▓  ██▒ ▓▒ ██  ▓██▒▓██▒▓  ██▒ ▓▒▓██▒▒██▒  ██▒ ██ ▀█   █    ▓█   ▀  ██ ▀█   █  ██▒ ▀█▒▓██▒ ██ ▀█   █ ▓█   ▀
▒██▒▓██  ▀█ ██▒▒ ▓██░ ▒░▓██  ▒██░▒██▒▒ ▓██░ ▒░▒██▒▒██░  ██▒▓██  ▀█ ██▒   ▒███   ▓██  ▀█ ██▒▒██░▄▄▄░▒██▒▓██  ▀█ ██▒▒███
░██░▓██▒  ▐▌██▒░ ▓██▓ ░ ▓▓█  ░██░░██░░ ▓██▓ ░ ░██░▒██   ██░▓██▒  ▐▌██▒   ▒▓█  ▄ ▓██▒  ▐▌██▒░▓█  ██▓░██░▓██▒  ▐▌██▒▒▓█  ▄
░██░▒██░   ▓██░  ▒██▒ ░ ▒▒█████▓ ░██░  ▒██▒ ░ ░██░░ ████▓▒░▒██░   ▓██░   ░▒████▒▒██░   ▓██░░▒▓███▀▒░██░▒██░   ▓██░░▒████▒
░▓  ░ ▒░   ▒ ▒   ▒ ░░   ░▒▓▒ ▒ ▒ ░▓    ▒ ░░   ░▓  ░ ▒░▒░▒░ ░ ▒░   ▒ ▒    ░░ ▒░ ░░ ▒░   ▒ ▒  ░▒   ▒ ░▓  ░ ▒░   ▒ ▒ ░░ ▒░ ░
 ▒ ░░ ░░   ░ ▒░    ░    ░░▒░ ░ ░  ▒ ░    ░     ▒ ░  ░ ▒ ▒░ ░ ░░   ░ ▒░    ░ ░  ░░ ░░   ░ ▒░  ░   ░  ▒ ░░ ░░   ░ ▒░ ░ ░  ░
 ▒ ░   ░   ░ ░   ░       ░░░ ░ ░  ▒ ░  ░       ▒ ░░ ░ ░ ▒     ░   ░ ░       ░      ░   ░ ░ ░ ░   ░  ▒ ░   ░   ░ ░    ░
 ░           ░             ░      ░            ░      ░ ░           ░       ░  ░         ░       ░  ░           ░    ░  ░

(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/IntuitionEngine
License: GPLv3 or later
*/

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/logging"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func boilerPlate() {
	fmt.Println("hapticd - multichannel tactile transducer daemon")
	fmt.Println("(c) 2024 - 2026 Zayn Otley")
	fmt.Println("https://github.com/intuitionamiga/hapticd")
	fmt.Println("License: GPLv3 or later")
}

func parseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "disabled":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "", "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	}
	return logging.LogLevelInfo, fmt.Errorf("unknown log level %q", s)
}

func listDevices(w io.Writer) error {
	devs, err := ListOutputDevices()
	if err != nil {
		return err
	}
	for _, d := range devs {
		mark := " "
		if d.Default {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %-48s channels %v\n", mark, d.Name, d.Channels)
	}
	return nil
}

func main() {
	var (
		configPath      string
		profilesPath    string
		instrumentsPath string
		backend         string
		device          string
		channels        int
		logLevel        string
		eventsPath      string
		inspectPath     string
		writeConfig     bool
		devicesOnly     bool
		noConsole       bool
		debugCapture    bool
		exitAfterEvents bool
	)

	flagSet := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&configPath, "config", "hapticd.yaml", "Configuration file")
	flagSet.StringVar(&profilesPath, "profiles", "", "Lua profile script (overrides config)")
	flagSet.StringVar(&instrumentsPath, "instruments", "", "Instrument library YAML (overrides config)")
	flagSet.StringVar(&backend, "backend", "", "Output backend: auto, portaudio, oto or null")
	flagSet.StringVar(&device, "device", "", "Output device name")
	flagSet.IntVar(&channels, "channels", 0, "Enable the sound scape with 2 or 8 channels")
	flagSet.StringVar(&logLevel, "log-level", "info", "Log level: error, warn, info, debug, trace")
	flagSet.StringVar(&eventsPath, "events", "", "Event feed file, or - for stdin")
	flagSet.StringVar(&inspectPath, "inspect", "", "Print a saved debug capture and exit")
	flagSet.BoolVar(&writeConfig, "write-config", false, "Write the effective configuration and exit")
	flagSet.BoolVar(&devicesOnly, "list-devices", false, "List output devices and exit")
	flagSet.BoolVar(&noConsole, "no-console", false, "Disable the interactive key console")
	flagSet.BoolVar(&debugCapture, "debug", false, "Enable debug capture at start")
	flagSet.BoolVar(&exitAfterEvents, "exit-after-events", false, "Exit once the event feed ends and playback finished")

	flagSet.Usage = func() {
		flagSet.SetOutput(os.Stdout)
		fmt.Println("Usage: ./hapticd [-config hapticd.yaml] [-events file|-] [-backend auto] [-channels 2|8]")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if inspectPath != "" {
		c, err := LoadCaptureFromFile(inspectPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		c.Summary(os.Stdout)
		return
	}

	if devicesOnly {
		err := listDevices(os.Stdout)
		PortAudioTerminate()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	level, err := parseLogLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = level
	lf.Writer = os.Stderr
	log := lf.NewLogger("config")

	cfg, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if backend != "" {
		cfg.Output.Backend = backend
	}
	if device != "" {
		cfg.Output.Device = device
	}
	if channels != 0 {
		cfg.SoundScape.Enabled = true
		cfg.SoundScape.Channels = channels
	}
	if debugCapture {
		cfg.Output.DebugCapture = true
	}
	if profilesPath != "" {
		cfg.ProfilesScript = profilesPath
	}
	if instrumentsPath != "" {
		cfg.InstrumentsFile = instrumentsPath
	}
	cfg.Sanitize()

	if writeConfig {
		if err := SaveConfig(configPath, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", configPath)
		return
	}

	profiles, err := LoadProfileStore(cfg.ProfilesScript, lf.NewLogger("profiles"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	instruments, err := LoadInstrumentLibrary(cfg.InstrumentsFile, lf.NewLogger("instruments"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log.Infof("%d profiles, %d instruments", len(profiles.Keys()), instruments.Len())

	failCh := make(chan error, 1)
	engine, err := NewEngine(cfg, EngineOptions{
		Profiles:      profiles,
		Instruments:   instruments,
		LoggerFactory: lf,
		OnOutputFailure: func(err error) {
			select {
			case failCh <- err:
			default:
			}
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	boilerPlate()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	engine.Start()

	g.Go(func() error {
		select {
		case err := <-failCh:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	if eventsPath != "" {
		g.Go(func() error {
			var r io.Reader = os.Stdin
			if eventsPath != "-" {
				f, err := os.Open(eventsPath)
				if err != nil {
					return fmt.Errorf("open events: %w", err)
				}
				defer f.Close()
				r = f
			}
			if err := RunEventScript(gctx, r, engine, lf.NewLogger("events")); err != nil {
				return err
			}
			if exitAfterEvents {
				waitIdle(gctx, engine)
				stop()
			}
			return nil
		})
	}

	useConsole := !noConsole && eventsPath != "-" && term.IsTerminal(int(os.Stdin.Fd()))
	var host *ConsoleHost
	if useConsole {
		host = NewConsoleHost(engine)
		if err := host.Start(); err != nil {
			log.Warnf("%v", err)
			host = nil
		}
	}
	if host != nil {
		g.Go(func() error { return host.RunMeter(gctx, os.Stdout, 100*time.Millisecond) })
		g.Go(func() error {
			select {
			case <-host.Quit():
				stop()
			case <-gctx.Done():
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	if host != nil {
		host.Stop()
	}
	engine.Close()
	PortAudioTerminate()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// waitIdle blocks until the engine has nothing left to play, or for at
// most 30 seconds when nothing renders the queue.
func waitIdle(ctx context.Context, e *Engine) {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(30 * time.Second)
	for e.Active() {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-tick.C:
		}
	}
}
