// Package pid implements a discrete PID controller with output limits and
// back-calculation anti-windup.
package pid

// Limits bounds the controller output.
type Limits struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Config holds the gains and fixed timestep of a controller.
type Config struct {
	Kp float64 `yaml:"kp"`
	Ki float64 `yaml:"ki"`
	Kd float64 `yaml:"kd"`
	Dt float64 `yaml:"dt"`
	// Limits is optional. Without limits the output is unbounded and no
	// anti-windup is applied.
	Limits *Limits `yaml:"limits,omitempty"`
}

// Controller is a PID controller for a single axis. It is not safe for
// concurrent use; each control loop owns its controllers.
type Controller struct {
	kp, ki, kd float64
	dt         float64
	limits     *Limits

	integral float64
	prevErr  float64
}

// New creates a controller with zeroed state.
func New(cfg Config) *Controller {
	c := &Controller{
		kp: cfg.Kp,
		ki: cfg.Ki,
		kd: cfg.Kd,
		dt: cfg.Dt,
	}
	if cfg.Limits != nil {
		l := *cfg.Limits
		c.limits = &l
	}
	return c
}

// Update advances the controller by one timestep with error e and returns the
// control output.
func (c *Controller) Update(e float64) float64 {
	p := c.kp * e

	c.integral += e * c.dt
	i := c.ki * c.integral

	var d float64
	if c.dt > 0 {
		d = c.kd * (e - c.prevErr) / c.dt
	}

	out := p + i + d

	if c.limits != nil {
		out = clamp(out, c.limits.Min, c.limits.Max)
		// Undo this step's integration while saturated in the direction of the error.
		if (out >= c.limits.Max && e > 0) || (out <= c.limits.Min && e < 0) {
			c.integral -= e * c.dt
		}
	}

	c.prevErr = e
	return out
}

// Reset clears the integral and previous error.
func (c *Controller) Reset() {
	c.integral = 0
	c.prevErr = 0
}

// IntegralError returns the accumulated integral term (before the Ki gain).
func (c *Controller) IntegralError() float64 {
	return c.integral
}

// PreviousError returns the error passed to the last Update.
func (c *Controller) PreviousError() float64 {
	return c.prevErr
}

// Dt returns the fixed timestep.
func (c *Controller) Dt() float64 {
	return c.dt
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
