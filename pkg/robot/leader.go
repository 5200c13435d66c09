package robot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hipsterbrown/feetech-servo/feetech"
)

// MotorName is a joint of the SO-101 leader arm.
type MotorName string

// Leader arm joints, servo IDs 1-6 in this order.
const (
	ShoulderPan  MotorName = "shoulder_pan"
	ShoulderLift MotorName = "shoulder_lift"
	ElbowFlex    MotorName = "elbow_flex"
	WristFlex    MotorName = "wrist_flex"
	WristRoll    MotorName = "wrist_roll"
	Gripper      MotorName = "gripper"
)

// AllMotors lists the joints in servo ID order.
func AllMotors() []MotorName {
	return []MotorName{ShoulderPan, ShoulderLift, ElbowFlex, WristFlex, WristRoll, Gripper}
}

// DefaultLeaderFile is where setup stores the leader arm port and calibration.
const DefaultLeaderFile = "leader.json"

// LeaderConfig holds the serial port and calibration of the leader arm.
type LeaderConfig struct {
	Port        string      `json:"port"`
	Calibration Calibration `json:"calibration,omitempty"`
}

// IsCalibrated returns true if the arm has calibration data.
func (c *LeaderConfig) IsCalibrated() bool {
	return len(c.Calibration) > 0
}

// LoadLeaderConfig reads a leader configuration written by setup.
func LoadLeaderConfig(path string) (*LeaderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg LeaderConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the configuration to path.
func (c *LeaderConfig) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LeaderArm is a torque-free SO-101 arm read as a joystick.
type LeaderArm struct {
	bus         *feetech.Bus
	group       *feetech.ServoGroup
	calibration Calibration
}

// NewLeaderArm opens the servo bus on port.
func NewLeaderArm(port string, cal Calibration) (*LeaderArm, error) {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: 1_000_000,
		Protocol: feetech.ProtocolSTS,
	})
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}

	return &LeaderArm{
		bus:         bus,
		group:       feetech.NewServoGroupByIDs(bus, cal.MotorIDs()...),
		calibration: cal,
	}, nil
}

// Close closes the bus.
func (a *LeaderArm) Close() error {
	return a.bus.Close()
}

// Release disables torque so the arm can be moved by hand.
func (a *LeaderArm) Release(ctx context.Context) error {
	return a.group.DisableAll(ctx)
}

// ReadPositions reads all joints, normalized to [-100, 100].
func (a *LeaderArm) ReadPositions(ctx context.Context) (map[MotorName]float64, error) {
	raw, err := a.group.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read positions: %w", err)
	}
	return a.calibration.NormalizeAll(raw), nil
}
