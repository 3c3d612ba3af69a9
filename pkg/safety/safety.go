// Package safety latches protection faults and gates the output.
package safety

import (
	"time"

	"go.uber.org/zap"

	"github.com/itohio/gopdpsu/pkg/config"
	"github.com/itohio/gopdpsu/pkg/sensor"
)

// Kind identifies the protection that tripped.
type Kind uint8

const (
	Normal Kind = iota
	SensorFault
	OverTemperature
	OverVoltage
	UnderVoltage
	OverCurrent
	OverPower
)

var kindNames = [...]string{
	Normal:          "normal",
	SensorFault:     "sensor-fault",
	OverTemperature: "over-temperature",
	OverVoltage:     "over-voltage",
	UnderVoltage:    "under-voltage",
	OverCurrent:     "over-current",
	OverPower:       "over-power",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// kinds is the protection check order, Normal excluded.
var kinds = []Kind{SensorFault, OverTemperature, OverVoltage, UnderVoltage, OverCurrent, OverPower}

// Kinds returns every fault kind in the order the supervisor checks them.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

// State is the supervisor's fault state. Since is zero while Normal.
type State struct {
	Kind    Kind
	Latched bool
	Since   time.Time
}

// Interlock names the reason the output is held off, if any.
type Interlock uint8

const (
	InterlockNone Interlock = iota
	InterlockDisabled
	InterlockNoContract
	InterlockLatched
)

func (i Interlock) String() string {
	switch i {
	case InterlockDisabled:
		return "disabled"
	case InterlockNoContract:
		return "no-contract"
	case InterlockLatched:
		return "latched"
	}
	return "none"
}

// Input is everything one evaluation needs. Err is the sample error; when it
// is set Measurement is ignored.
type Input struct {
	Time           time.Time
	Measurement    sensor.Measurement
	Err            error
	SetpointMV     int
	Enabled        bool
	ContractActive bool
	ContractMA     int // Contract current, 0 if unknown
}

// driving reports whether the output would be on if nothing were latched.
func (in Input) driving() bool {
	return in.Enabled && in.SetpointMV > 0 && in.ContractActive
}

// Decision tells the control loop whether it may drive the output.
type Decision struct {
	Enable    bool
	State     State
	Tripped   bool // A latch was set by this evaluation
	Interlock Interlock
}

// Supervisor evaluates limits against every sample and latches the first
// violation. Only the control loop goroutine may call it.
type Supervisor struct {
	limits config.LimitsConfig
	log    *zap.SugaredLogger

	state        State
	clean        int
	enabledTicks int
}

// New creates a supervisor in the Normal state. A nil logger discards.
func New(limits config.LimitsConfig, logger *zap.SugaredLogger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Supervisor{limits: limits, log: logger}
}

// State returns the current fault state.
func (s *Supervisor) State() State {
	return s.state
}

// CurrentLimit returns the over-current threshold in force for a contract
// of contractMA. The contract only ever lowers the configured limit.
func (s *Supervisor) CurrentLimit(contractMA int) int {
	if contractMA > 0 && contractMA < s.limits.MaxCurrent {
		return contractMA
	}
	return s.limits.MaxCurrent
}

// Evaluate checks in, latching the first violated limit in the order sensor,
// temperature, over-voltage, under-voltage, over-current, over-power.
func (s *Supervisor) Evaluate(in Input) Decision {
	if in.driving() {
		s.enabledTicks++
	} else {
		s.enabledTicks = 0
	}

	if s.state.Latched {
		if s.withinLimit(s.state.Kind, in) {
			s.clean++
		} else {
			s.clean = 0
		}
		return Decision{State: s.state, Interlock: InterlockLatched}
	}

	if kind, ok := s.check(in); !ok {
		s.state = State{Kind: kind, Latched: true, Since: in.Time}
		s.clean = 0
		s.log.Errorw("protection tripped",
			"fault", kind.String(),
			"measurement", in.Measurement.String(),
			"setpoint_mv", in.SetpointMV,
			"error", in.Err,
		)
		return Decision{State: s.state, Tripped: true, Interlock: InterlockLatched}
	}

	d := Decision{State: s.state, Enable: true}
	switch {
	case !in.ContractActive:
		d.Enable, d.Interlock = false, InterlockNoContract
	case !in.Enabled || in.SetpointMV <= 0:
		d.Enable, d.Interlock = false, InterlockDisabled
	}
	return d
}

// Acknowledge clears a latch when the latched quantity is within limit for
// in and has been for at least the configured number of clean samples. It
// returns false, leaving the latch set, otherwise. Without a latch it is a
// no-op returning true.
func (s *Supervisor) Acknowledge(in Input) bool {
	if !s.state.Latched {
		return true
	}
	if !s.withinLimit(s.state.Kind, in) || s.clean < s.limits.ClearSamples {
		s.log.Warnw("fault acknowledge rejected",
			"fault", s.state.Kind.String(),
			"clean_samples", s.clean,
			"required", s.limits.ClearSamples,
		)
		return false
	}
	s.log.Infow("fault acknowledged", "fault", s.state.Kind.String(), "latched_for", in.Time.Sub(s.state.Since))
	s.state = State{}
	s.clean = 0
	s.enabledTicks = 0
	return true
}

func (s *Supervisor) check(in Input) (Kind, bool) {
	for _, k := range kinds {
		if !s.withinLimit(k, in) {
			return k, false
		}
	}
	return Normal, true
}

// withinLimit reports whether the quantity guarded by k is acceptable.
func (s *Supervisor) withinLimit(k Kind, in Input) bool {
	if k != SensorFault && in.Err != nil {
		// Nothing is known about the other quantities.
		return false
	}
	m := in.Measurement
	switch k {
	case SensorFault:
		return in.Err == nil
	case OverTemperature:
		return m.Temperature <= s.limits.MaxTemperature
	case OverVoltage:
		return m.Voltage <= s.limits.OverVoltage
	case UnderVoltage:
		if s.state.Latched || s.limits.UnderVoltage <= 0 || !in.driving() {
			return true
		}
		if s.enabledTicks <= s.limits.UVPBlanking {
			return true
		}
		return m.Voltage >= s.limits.UnderVoltage
	case OverCurrent:
		return m.Current <= s.CurrentLimit(in.ContractMA)
	case OverPower:
		return m.Power <= s.limits.MaxPower
	}
	return true
}
