package main

import (
	"fmt"
	"time"

	"github.com/gwillem/legbot/internal/log"
	"github.com/gwillem/legbot/pkg/robot"
	"github.com/gwillem/legbot/pkg/teleop"
	"github.com/gwillem/legbot/pkg/vision/cv"
	"github.com/gwillem/legbot/pkg/web"
)

type HostCommand struct {
	Robot  string `long:"robot" choice:"sim" choice:"go2" description:"Motion backend (default from config)"`
	Camera string `long:"camera" description:"Local camera device that replaces the backend's frames"`
	Status string `long:"status" description:"Status API address, e.g. :8080 (default from config)"`
}

func (c *HostCommand) Execute(args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	if c.Robot != "" {
		cfg.Robot.Kind = robot.Kind(c.Robot)
	}
	if c.Camera != "" {
		cfg.Host.Camera.Device = c.Camera
	}
	if c.Status != "" {
		cfg.Host.StatusAddr = c.Status
	}

	ctx, cancel := signalContext()
	defer cancel()
	logger := log.L()

	r, err := robot.New(cfg.Robot, logger)
	if err != nil {
		return err
	}

	commands, err := teleop.ListenCommands(ctx, cfg.Channels, logger)
	if err != nil {
		return err
	}
	defer commands.Close(time.Second)

	observations, err := teleop.ListenObservations(ctx, cfg.Channels, logger)
	if err != nil {
		return err
	}
	defer observations.Close(time.Second)

	var hostOpts []teleop.HostOption
	if cam := cfg.Host.Camera; cam.Device != "" {
		camera, err := cv.OpenCamera(cam.Device, cam.Width, cam.Height, cam.Quality)
		if err != nil {
			return fmt.Errorf("open camera: %w", err)
		}
		defer camera.Close()
		hostOpts = append(hostOpts, teleop.WithCamera(camera))
	}

	host := teleop.NewHost(cfg.Host.HostConfig, r, commands, observations, logger, hostOpts...)

	if cfg.Host.StatusAddr != "" {
		srv := web.NewServer(cfg.Host.StatusAddr, web.Sources{
			Status: func() web.Status {
				return web.Status{
					Robot:        string(cfg.Robot.Kind),
					Commands:     commands.Stats(),
					Observations: observations.Stats(),
					Host:         host.Stats(),
				}
			},
			Frame: host.LastFrame,
		}, logger)
		srv.StartAsync()
		defer srv.Shutdown(time.Second)
	}

	log.Info("host ready",
		"robot", cfg.Robot.Kind,
		"command_port", cfg.Channels.CommandPort,
		"observation_port", cfg.Channels.ObservationPort)
	return host.Run(ctx)
}
