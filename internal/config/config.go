// Package config loads legbot.yaml, the .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gwillem/legbot/pkg/robot"
	"github.com/gwillem/legbot/pkg/teleop"
	"github.com/gwillem/legbot/pkg/tracking"
	"github.com/gwillem/legbot/pkg/vision"
)

// DefaultFile is the config file read when no path is given.
const DefaultFile = "legbot.yaml"

// Config is the complete legbot configuration.
type Config struct {
	Log      LogConfig            `yaml:"log"`
	Robot    robot.Config         `yaml:"robot"`
	Channels teleop.ChannelConfig `yaml:"channels"`
	Host     HostConfig           `yaml:"host"`
	Bridge   teleop.BridgeConfig  `yaml:"bridge"`
	Client   ClientConfig         `yaml:"client"`
	Leader   LeaderConfig         `yaml:"leader"`
	Tracking tracking.Config      `yaml:"tracking"`
	Detector DetectorConfig       `yaml:"detector"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`  // TUI commands log here instead of the terminal
}

// HostConfig contains settings for the host process
type HostConfig struct {
	teleop.HostConfig `yaml:",inline"`
	// StatusAddr is the status API listen address. Empty disables it.
	StatusAddr string       `yaml:"status_addr"`
	Camera     CameraConfig `yaml:"camera"`
}

// CameraConfig selects a local camera that replaces the backend's frames.
type CameraConfig struct {
	Device  string `yaml:"device"` // index or path; empty uses the backend camera
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	Quality int    `yaml:"quality"`
}

// ClientConfig contains keyboard teleoperation settings
type ClientConfig struct {
	MaxLinear  float64 `yaml:"max_linear"`
	MaxAngular float64 `yaml:"max_angular"`
	ControlHz  float64 `yaml:"control_hz"`
}

// LeaderConfig contains leader arm input settings
type LeaderConfig struct {
	File    string               `yaml:"file"`
	Hz      float64              `yaml:"hz"`
	Mapping teleop.LeaderMapping `yaml:"mapping"`
}

// DetectorConfig selects the tracking detector.
type DetectorConfig struct {
	Kind       string  `yaml:"kind"` // color, yolo
	ModelPath  string  `yaml:"model_path"`
	Confidence float32 `yaml:"confidence"`
	NMS        float32 `yaml:"nms"`
	InputSize  int     `yaml:"input_size"`
}

// Default tracking labels per detector kind.
const (
	DefaultColorLabel = "red"
	DefaultYOLOLabel  = "person"
)

// Default returns the built-in configuration.
func Default() *Config {
	tr := tracking.DefaultConfig()
	tr.Label = DefaultColorLabel
	return &Config{
		Log:      LogConfig{Level: "info", File: "legbot.log"},
		Robot:    robot.DefaultConfig(),
		Channels: teleop.DefaultChannelConfig(),
		Host: HostConfig{
			HostConfig: teleop.DefaultHostConfig(),
			StatusAddr: ":8080",
			Camera:     CameraConfig{Width: 640, Height: 480, Quality: 80},
		},
		Bridge:   teleop.DefaultBridgeConfig(),
		Client:   ClientConfig{MaxLinear: 0.5, MaxAngular: 0.5, ControlHz: 10},
		Leader:   LeaderConfig{File: robot.DefaultLeaderFile, Hz: 30, Mapping: teleop.DefaultLeaderMapping()},
		Tracking: tr,
		Detector: DetectorConfig{
			Kind:       "color",
			ModelPath:  "models/yolov8n.onnx",
			Confidence: 0.25,
			NMS:        0.45,
			InputSize:  640,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error when path is the default file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		// .env is optional. The package logger is not set up yet.
		slog.Debug(".env not loaded", "error", err)
	}

	cfg := Default()
	if path == "" {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && path == DefaultFile:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.MatchLabelToDetector()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MatchLabelToDetector swaps the color default label for the YOLO default
// when a model detector is selected. Colors are never model classes.
func (c *Config) MatchLabelToDetector() {
	if c.Detector.Kind == "yolo" && c.Tracking.Label == DefaultColorLabel {
		c.Tracking.Label = DefaultYOLOLabel
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("ROBOT_IP"); v != "" {
		c.Channels.Host = v
	}
	if v := os.Getenv("LEGBOT_GO2_HOST"); v != "" {
		c.Robot.Go2.Host = v
	}
	if v := os.Getenv("LEGBOT_ROBOT"); v != "" {
		c.Robot.Kind = robot.Kind(strings.ToLower(v))
	}
	if v := os.Getenv("LEGBOT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if err := envInt(&c.Channels.CommandPort, "LEGBOT_COMMAND_PORT"); err != nil {
		return err
	}
	return envInt(&c.Channels.ObservationPort, "LEGBOT_OBSERVATION_PORT")
}

func envInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

// Validate checks values that would otherwise fail at runtime.
func (c *Config) Validate() error {
	switch c.Robot.Kind {
	case robot.KindGo2, robot.KindSim:
	default:
		return fmt.Errorf("robot.kind must be %s or %s, got %q", robot.KindGo2, robot.KindSim, c.Robot.Kind)
	}
	for name, port := range map[string]int{
		"channels.command_port":     c.Channels.CommandPort,
		"channels.observation_port": c.Channels.ObservationPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}
	if c.Channels.CommandPort != 0 && c.Channels.CommandPort == c.Channels.ObservationPort {
		return fmt.Errorf("command and observation ports must differ (both %d)", c.Channels.CommandPort)
	}
	switch c.Detector.Kind {
	case "color", "yolo":
	default:
		return fmt.Errorf("detector.kind must be color or yolo, got %q", c.Detector.Kind)
	}
	if c.Detector.Kind == "color" && !slices.Contains(vision.ColorLabels(), c.Tracking.Label) {
		return fmt.Errorf("tracking.label %q is not a color; the color detector knows %s",
			c.Tracking.Label, strings.Join(vision.ColorLabels(), ", "))
	}
	switch c.Tracking.LateralAxis {
	case tracking.LateralHorizontal, tracking.LateralVertical:
	default:
		return fmt.Errorf("tracking.lateral_axis must be horizontal or vertical, got %q", c.Tracking.LateralAxis)
	}
	return nil
}
