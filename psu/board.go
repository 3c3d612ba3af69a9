package main

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/itohio/gopdpsu/pkg/config"
	"github.com/itohio/gopdpsu/pkg/control"
	"github.com/itohio/gopdpsu/pkg/device"
	"github.com/itohio/gopdpsu/pkg/pd"
	"github.com/itohio/gopdpsu/pkg/pd/ap33772s"
	"github.com/itohio/gopdpsu/pkg/sensor"
)

// board is the set of peripherals the controller runs on.
type board struct {
	sensor     *sensor.Sensor
	negotiator *pd.Negotiator
	actuator   control.Actuator
	simulate   func(ctx context.Context) error
	closers    []func() error
}

func (b *board) Close(log *zap.SugaredLogger) {
	var err error
	for i := len(b.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, b.closers[i]())
	}
	if err != nil {
		log.Warnw("failed to release hardware", "error", err)
	}
}

func openBoard(cfg *config.Config, mock bool, log *zap.SugaredLogger) (*board, error) {
	b := &board{}
	var sbus, pdbus i2c.Bus

	if mock {
		m := device.NewMock(cfg.Mock, cfg.Shunt, cfg.PID.MaxDuty, nil)
		m.Attach()
		sbus, pdbus = m, m
		b.actuator = m
		b.simulate = m.Run
		b.closers = append(b.closers, func() error { return m.SetDuty(0) })
	} else {
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("failed to initialise host drivers: %w", err)
		}
		s, err := i2creg.Open(cfg.Hardware.SensorBus)
		if err != nil {
			return nil, fmt.Errorf("failed to open sensor bus %q: %w", cfg.Hardware.SensorBus, err)
		}
		b.closers = append(b.closers, s.Close)
		sbus, pdbus = s, s

		if cfg.Hardware.PDBus != cfg.Hardware.SensorBus {
			p, err := i2creg.Open(cfg.Hardware.PDBus)
			if err != nil {
				b.Close(log)
				return nil, fmt.Errorf("failed to open PD bus %q: %w", cfg.Hardware.PDBus, err)
			}
			b.closers = append(b.closers, p.Close)
			pdbus = p
		}

		pin := gpioreg.ByName(cfg.Hardware.PWMPin)
		if pin == nil {
			b.Close(log)
			return nil, fmt.Errorf("no PWM pin %q", cfg.Hardware.PWMPin)
		}
		pwm := device.NewPWM(pin, physic.Frequency(cfg.Hardware.PWMFrequency)*physic.Hertz, cfg.PID.MaxDuty)
		if err := pwm.SetDuty(0); err != nil {
			b.Close(log)
			return nil, err
		}
		b.actuator = pwm
		b.closers = append(b.closers, pwm.Halt)
	}

	ina := sensor.NewINA228(sbus, cfg.Hardware.SensorAddr)
	if err := ina.Configure(cfg.Shunt); err != nil {
		b.Close(log)
		return nil, err
	}
	b.sensor = sensor.New(ina, sensor.NewCalibration(cfg.Shunt), nil, log.Named("sensor"))

	pdc := ap33772s.New(pdbus)
	// The sink's protections act on VBUS only.
	if err := pdc.ConfigureProtections(ap33772s.Protections{OVP: true, OCP: true, OTP: true}); err != nil {
		b.Close(log)
		return nil, err
	}
	if r, err := pdc.Measure(); err == nil {
		log.Infow("pd controller", "vbus", r.Voltage, "ibus", r.Current, "temperature", r.Temperature)
	}
	b.negotiator = pd.NewNegotiator(pdc, cfg.PD, log.Named("pd"))
	return b, nil
}
