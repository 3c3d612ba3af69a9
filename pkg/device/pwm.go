package device

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// PWM drives the buck stage through a hardware PWM pin.
type PWM struct {
	pin     gpio.PinOut
	freq    physic.Frequency
	maxDuty uint32
}

// NewPWM returns an actuator mapping duty commands in [0, maxDuty] onto pin.
func NewPWM(pin gpio.PinOut, freq physic.Frequency, maxDuty uint32) *PWM {
	return &PWM{pin: pin, freq: freq, maxDuty: maxDuty}
}

// SetDuty sets the output duty. Commands above maxDuty are clamped.
func (p *PWM) SetDuty(duty uint32) error {
	if duty > p.maxDuty {
		duty = p.maxDuty
	}
	d := gpio.Duty(uint64(duty) * uint64(gpio.DutyMax) / uint64(p.maxDuty))
	if err := p.pin.PWM(d, p.freq); err != nil {
		return fmt.Errorf("pwm %s: %w", p.pin, err)
	}
	return nil
}

// Halt stops the PWM output and drives the pin low.
func (p *PWM) Halt() error {
	if err := p.pin.Halt(); err != nil {
		return fmt.Errorf("pwm %s: %w", p.pin, err)
	}
	return p.pin.Out(gpio.Low)
}
