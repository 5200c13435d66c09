package robot

import (
	"fmt"
)

// MotorCalibration holds the recorded range of a single joint.
type MotorCalibration struct {
	ID           int `json:"id"`
	DriveMode    int `json:"drive_mode"`
	HomingOffset int `json:"homing_offset"`
	RangeMin     int `json:"range_min"`
	RangeMax     int `json:"range_max"`
}

// Calibration holds calibration data for all joints, keyed by name.
type Calibration map[MotorName]MotorCalibration

// Normalize maps a raw servo position to [-100, 100], the range midpoint
// being 0. Positions outside the recorded range are clamped. Drive mode 1
// inverts the direction.
func (c MotorCalibration) Normalize(raw int) float64 {
	rangeSize := float64(c.RangeMax - c.RangeMin)
	if rangeSize <= 0 {
		return 0
	}
	v := (float64(raw-c.RangeMin)/rangeSize)*200 - 100
	v = max(-100, min(100, v))
	if c.DriveMode == 1 {
		v = -v
	}
	return v
}

// Validate checks that the recorded range is usable.
func (c MotorCalibration) Validate() error {
	if c.RangeMax <= c.RangeMin {
		return fmt.Errorf("servo %d: empty range [%d, %d]", c.ID, c.RangeMin, c.RangeMax)
	}
	return nil
}

// MotorIDs returns the servo IDs in joint order.
func (c Calibration) MotorIDs() []int {
	ids := make([]int, 0, len(c))
	for _, name := range AllMotors() {
		if mc, ok := c[name]; ok {
			ids = append(ids, mc.ID)
		}
	}
	return ids
}

// ByID returns the joint name and calibration for a servo ID.
func (c Calibration) ByID(id int) (MotorName, MotorCalibration, bool) {
	for name, mc := range c {
		if mc.ID == id {
			return name, mc, true
		}
	}
	return "", MotorCalibration{}, false
}

// NormalizeAll converts raw positions keyed by servo ID into normalized
// positions keyed by joint. Unknown IDs are skipped.
func (c Calibration) NormalizeAll(raw map[int]int) map[MotorName]float64 {
	out := make(map[MotorName]float64, len(raw))
	for id, pos := range raw {
		name, mc, ok := c.ByID(id)
		if !ok {
			continue
		}
		out[name] = mc.Normalize(pos)
	}
	return out
}
