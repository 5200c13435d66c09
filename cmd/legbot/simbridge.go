package main

import (
	"time"

	"github.com/gwillem/legbot/internal/log"
	"github.com/gwillem/legbot/pkg/robot"
	"github.com/gwillem/legbot/pkg/teleop"
)

type SimBridgeCommand struct {
	Bind     string        `long:"bind" description:"Listen address (default all interfaces)"`
	Latency  time.Duration `long:"latency" description:"Simulated command latency"`
	DropRate float64       `long:"drop-rate" description:"Fraction of commands the simulated link drops"`
}

func (c *SimBridgeCommand) Execute(args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	simCfg := cfg.Robot.Sim
	if c.Latency > 0 {
		simCfg.Latency = c.Latency
	}
	if c.DropRate > 0 {
		simCfg.DropRate = c.DropRate
	}
	bridgeCfg := cfg.Bridge
	if c.Bind != "" {
		bridgeCfg.Bind = c.Bind
	}

	ctx, cancel := signalContext()
	defer cancel()

	sim := robot.NewSim(simCfg, log.L())
	return teleop.ServeBridge(ctx, bridgeCfg, sim, log.L())
}
