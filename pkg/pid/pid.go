// Package pid implements the output voltage regulation loop.
package pid

import (
	"errors"
	"fmt"
	"time"

	"github.com/chewxy/math32"

	"github.com/itohio/gopdpsu/pkg/config"
)

// Bounds on the control period.
const (
	MinPeriod = time.Millisecond
	MaxPeriod = time.Second
)

// ErrInvalidPeriod is returned for a period the loop cannot run at.
var ErrInvalidPeriod = errors.New("invalid control period")

// Controller is a PID loop producing a PWM duty command. It is not safe for
// concurrent use.
type Controller struct {
	kp, ki, kd float32
	maxDuty    float32
	offset     float32
	dt         float32 // seconds

	integral float32
	prevMeas float32
	prevOut  uint32
	primed   bool
}

// New creates a controller stepping every period.
func New(cfg config.PIDConfig, period time.Duration) (*Controller, error) {
	if period < MinPeriod || period > MaxPeriod {
		return nil, fmt.Errorf("%w: %v not within [%v, %v]", ErrInvalidPeriod, period, MinPeriod, MaxPeriod)
	}
	if cfg.MaxDuty == 0 || cfg.DutyOffset > cfg.MaxDuty {
		return nil, fmt.Errorf("pid: duty offset %d outside max duty %d", cfg.DutyOffset, cfg.MaxDuty)
	}
	return &Controller{
		kp:      cfg.Kp,
		ki:      cfg.Ki,
		kd:      cfg.Kd,
		maxDuty: float32(cfg.MaxDuty),
		offset:  float32(cfg.DutyOffset),
		dt:      float32(period.Seconds()),
	}, nil
}

// Step advances the loop by one period and returns the duty command in
// [0, MaxDuty]. With enable false it returns 0 and only tracks the
// measurement so that the derivative does not kick on the next enable.
//
// The integral only accumulates while the unclamped output is inside the
// actuator range.
func (c *Controller) Step(setpointMV, measuredMV int, enable bool) uint32 {
	meas := float32(measuredMV) / 1000
	e := float32(setpointMV)/1000 - meas

	if !c.primed {
		c.prevMeas = meas
		c.primed = true
	}
	d := -c.kd * (meas - c.prevMeas) / c.dt
	c.prevMeas = meas

	if !enable {
		c.prevOut = 0
		return 0
	}

	p := c.kp * e
	candidate := c.integral + c.ki*e*c.dt

	raw := c.offset + (p+candidate+d)*c.maxDuty
	if raw >= 0 && raw <= c.maxDuty {
		c.integral = candidate
	} else {
		raw = c.offset + (p+c.integral+d)*c.maxDuty
	}

	if math32.IsNaN(raw) || math32.IsInf(raw, 0) {
		c.Reset()
		return 0
	}

	out := uint32(math32.Floor(math32.Max(0, math32.Min(raw, c.maxDuty)) + 0.5))
	c.prevOut = out
	return out
}

// Reset clears the integral and history.
func (c *Controller) Reset() {
	c.integral = 0
	c.prevMeas = 0
	c.prevOut = 0
	c.primed = false
}

// Integral returns the accumulated integral term.
func (c *Controller) Integral() float32 {
	return c.integral
}

// Output returns the last command returned by Step.
func (c *Controller) Output() uint32 {
	return c.prevOut
}
