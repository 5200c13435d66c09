package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/gwillem/legbot/internal/config"
	"github.com/gwillem/legbot/internal/log"
)

type Options struct {
	Config   string `short:"c" long:"config" default:"legbot.yaml" description:"Configuration file"`
	LogLevel string `long:"log-level" description:"Log level (debug, info, warn, error)"`

	Host        HostCommand        `command:"host" description:"Run on the robot: relay commands and stream observations"`
	Teleoperate TeleoperateCommand `command:"teleoperate" alias:"teleop" description:"Drive the robot from the keyboard or a leader arm"`
	Track       TrackCommand       `command:"track" description:"Follow a visual target"`
	SimBridge   SimBridgeCommand   `command:"simbridge" description:"Serve the Go2 bridge protocol with the simulated robot"`
	Setup       SetupCommand       `command:"setup" description:"Find and calibrate the leader arm"`
	Cameras     CamerasCommand     `command:"cameras" description:"List local video devices"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "legbot - teleoperation and visual tracking for legged robots"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

// loadConfig reads the configuration and sets up logging. TUI commands log to
// the configured file so the terminal stays readable.
func loadConfig(tui bool) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}

	if tui && cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		log.InitWriter(cfg.Log.Level, f)
	} else {
		log.Init(cfg.Log.Level)
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
