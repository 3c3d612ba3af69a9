package sensor

import (
	"errors"
	"fmt"
	"math"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/itohio/gopdpsu/pkg/config"
)

// ErrSensor marks a failed or implausible measurement.
var ErrSensor = errors.New("sensor fault")

const (
	busLSB      = 195.3125e-6 // V
	dieTempLSB  = 7.8125e-3   // °C
	busFullMax  = 85.0        // V
	dieTempMin  = -40.0
	dieTempMax  = 150.0
	shuntSatPos = 1<<19 - 1
	shuntSatNeg = -(1 << 19)
	refTemp     = 25.0
)

func shuntFullScale(lowRange bool) float64 {
	if lowRange {
		return 40.96e-3
	}
	return 163.84e-3
}

func shuntLSB(lowRange bool) float64 {
	if lowRange {
		return 78.125e-9
	}
	return 312.5e-9
}

// Measurement is one converted sample of the output.
type Measurement struct {
	Time        time.Time
	Voltage     int     // mV
	Current     int     // mA
	Power       int     // mW
	Temperature float64 // °C
}

func (m Measurement) String() string {
	v := physic.ElectricPotential(m.Voltage) * physic.MilliVolt
	i := physic.ElectricCurrent(m.Current) * physic.MilliAmpere
	p := physic.Power(m.Power) * physic.MilliWatt
	return fmt.Sprintf("%s %s %s %.1f°C", v, i, p, m.Temperature)
}

// Calibration converts raw INA228 codes into physical values.
type Calibration struct {
	Resistance      float64 // Ohms
	TempCoefficient float64 // ppm/°C
	LowRange        bool
	VoltageOffset   float64 // mV subtracted from the bus voltage
	CurrentOffset   float64 // mA subtracted from the shunt current
}

// NewCalibration returns a calibration with zero offsets.
func NewCalibration(cfg config.ShuntConfig) Calibration {
	return Calibration{
		Resistance:      cfg.Resistance,
		TempCoefficient: cfg.TempCoefficient,
		LowRange:        cfg.LowRange,
	}
}

// Convert turns raw codes into a Measurement stamped with at. Voltage,
// current and power come from the same raw sample.
func (c Calibration) Convert(raw Raw, at time.Time) (Measurement, error) {
	if c.Resistance <= 0 {
		return Measurement{}, fmt.Errorf("%w: shunt resistance %v", ErrSensor, c.Resistance)
	}

	volts := float64(raw.Bus) * busLSB
	if volts > busFullMax {
		return Measurement{}, fmt.Errorf("%w: bus voltage %.3fV above full scale", ErrSensor, volts)
	}

	temp := float64(raw.DieTemp) * dieTempLSB
	if temp < dieTempMin || temp > dieTempMax {
		return Measurement{}, fmt.Errorf("%w: die temperature %.2f°C out of range", ErrSensor, temp)
	}

	if raw.Shunt >= shuntSatPos || raw.Shunt <= shuntSatNeg {
		return Measurement{}, fmt.Errorf("%w: shunt ADC saturated (%d)", ErrSensor, raw.Shunt)
	}

	r := c.Resistance * (1 + c.TempCoefficient*(temp-refTemp)/1e6)
	amps := float64(raw.Shunt) * shuntLSB(c.LowRange) / r

	mv := volts*1000 - c.VoltageOffset
	ma := amps*1000 - c.CurrentOffset
	if math.IsNaN(mv) || math.IsNaN(ma) {
		return Measurement{}, fmt.Errorf("%w: conversion produced NaN", ErrSensor)
	}

	return Measurement{
		Time:        at,
		Voltage:     int(math.Round(mv)),
		Current:     int(math.Round(ma)),
		Power:       int(math.Round(mv * ma / 1000)),
		Temperature: temp,
	}, nil
}
