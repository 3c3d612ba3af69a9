// Package telemetry ships controller snapshots to an MQTT broker. Delivery is
// best effort: records are buffered while the broker is unreachable and the
// oldest are dropped once the buffer is full.
package telemetry

import (
	"time"

	"github.com/google/uuid"

	"github.com/itohio/gopdpsu/pkg/control"
	"github.com/itohio/gopdpsu/pkg/pd"
)

// Record is one published telemetry sample.
type Record struct {
	ID      uuid.UUID `json:"id"`
	Session uuid.UUID `json:"session"`
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Tick    uint64    `json:"tick"`

	VoltageMV    int     `json:"voltage_mv"`
	CurrentMA    int     `json:"current_ma"`
	PowerMW      int     `json:"power_mw"`
	TemperatureC float64 `json:"temperature_c"`
	SampleError  string  `json:"sample_error,omitempty"`

	SetpointMV    int    `json:"setpoint_mv"`
	Enabled       bool   `json:"enabled"`
	TargetMV      int    `json:"target_mv"`
	Duty          uint32 `json:"duty"`
	OutputEnabled bool   `json:"output_enabled"`
	Fault         string `json:"fault"`
	Latched       bool   `json:"latched"`
	Interlock     string `json:"interlock"`
	LateTicks     uint64 `json:"late_ticks"`

	Contract *Contract `json:"contract,omitempty"`
}

// Contract describes the PD contract in force.
type Contract struct {
	Session    uuid.UUID `json:"session"`
	Profile    int       `json:"profile"`
	VoltageMV  int       `json:"voltage_mv"`
	CurrentMA  int       `json:"current_ma"`
	Adjustable bool      `json:"adjustable"`
}

// FromSnapshot flattens a controller snapshot into a record. ID, Session and
// Seq are left for the publisher to fill in.
func FromSnapshot(s control.Snapshot) Record {
	r := Record{
		Time:          s.Time,
		Tick:          s.Tick,
		VoltageMV:     s.Measurement.Voltage,
		CurrentMA:     s.Measurement.Current,
		PowerMW:       s.Measurement.Power,
		TemperatureC:  s.Measurement.Temperature,
		SetpointMV:    s.Setpoint.Voltage,
		Enabled:       s.Setpoint.Enabled,
		TargetMV:      s.Target,
		Duty:          s.Duty,
		OutputEnabled: s.OutputEnabled,
		Fault:         s.Fault.Kind.String(),
		Latched:       s.Fault.Latched,
		Interlock:     s.Interlock.String(),
		LateTicks:     s.LateTicks,
	}
	if s.SampleError != nil {
		r.SampleError = s.SampleError.Error()
	}
	if c := s.Contract; c != nil {
		r.Contract = &Contract{
			Session:    c.Session,
			Profile:    c.ProfileIndex,
			VoltageMV:  c.Voltage,
			CurrentMA:  c.Current,
			Adjustable: c.Kind == pd.Adjustable,
		}
	}
	return r
}
