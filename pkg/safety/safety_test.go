package safety

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/itohio/gopdpsu/pkg/config"
	"github.com/itohio/gopdpsu/pkg/sensor"
)

var t0 = time.Unix(1000, 0)

func limits() config.LimitsConfig {
	l := config.Default().Limits
	l.UnderVoltage = 1000
	l.UVPBlanking = 5
	l.ClearSamples = 3
	return l
}

func newSupervisor(t *testing.T) *Supervisor {
	return New(limits(), zaptest.NewLogger(t).Sugar())
}

func input(v, i int) Input {
	return Input{
		Time:           t0,
		Measurement:    sensor.Measurement{Time: t0, Voltage: v, Current: i, Power: v * i / 1000, Temperature: 30},
		SetpointMV:     12000,
		Enabled:        true,
		ContractActive: true,
	}
}

func TestEvaluate_Trips(t *testing.T) {
	tests := []struct {
		name   string
		modify func(in *Input)
		want   Kind
	}{
		{name: "sensor error", modify: func(in *Input) { in.Err = sensor.ErrSensor }, want: SensorFault},
		{name: "over temperature", modify: func(in *Input) { in.Measurement.Temperature = 80 }, want: OverTemperature},
		{name: "over voltage", modify: func(in *Input) { in.Measurement.Voltage = 30001 }, want: OverVoltage},
		{name: "over current", modify: func(in *Input) { in.Measurement.Current = 11001 }, want: OverCurrent},
		{name: "over power", modify: func(in *Input) { in.Measurement.Power = 110001 }, want: OverPower},
		{name: "contract lowers current limit", modify: func(in *Input) {
			in.ContractMA = 3000
			in.Measurement.Current = 3001
		}, want: OverCurrent},
		{
			name: "sensor error wins over temperature",
			modify: func(in *Input) {
				in.Err = errors.New("nack")
				in.Measurement.Temperature = 100
			},
			want: SensorFault,
		},
		{
			name:   "temperature wins over voltage",
			modify: func(in *Input) { in.Measurement.Temperature = 100; in.Measurement.Voltage = 40000 },
			want:   OverTemperature,
		},
		{
			name:   "voltage wins over current",
			modify: func(in *Input) { in.Measurement.Voltage = 40000; in.Measurement.Current = 20000 },
			want:   OverVoltage,
		},
		{
			name:   "current wins over power",
			modify: func(in *Input) { in.Measurement.Current = 20000; in.Measurement.Power = 200000 },
			want:   OverCurrent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSupervisor(t)
			in := input(12000, 1000)
			tt.modify(&in)

			d := s.Evaluate(in)
			assert.False(t, d.Enable)
			assert.True(t, d.Tripped)
			assert.Equal(t, InterlockLatched, d.Interlock)
			assert.Equal(t, State{Kind: tt.want, Latched: true, Since: t0}, d.State)
			assert.Equal(t, d.State, s.State())
		})
	}
}

func TestEvaluate_NormalAndInterlocks(t *testing.T) {
	s := newSupervisor(t)

	d := s.Evaluate(input(12000, 1000))
	assert.True(t, d.Enable)
	assert.Equal(t, InterlockNone, d.Interlock)
	assert.Equal(t, Normal, d.State.Kind)

	in := input(0, 0)
	in.ContractActive = false
	d = s.Evaluate(in)
	assert.False(t, d.Enable)
	assert.Equal(t, InterlockNoContract, d.Interlock)

	in = input(0, 0)
	in.Enabled = false
	d = s.Evaluate(in)
	assert.False(t, d.Enable)
	assert.Equal(t, InterlockDisabled, d.Interlock)
	assert.False(t, s.State().Latched)
}

func TestEvaluate_LatchHoldsAfterRecovery(t *testing.T) {
	s := newSupervisor(t)

	d := s.Evaluate(input(12000, 12000))
	require.True(t, d.Tripped)

	for i := 0; i < 20; i++ {
		d = s.Evaluate(input(12000, 100))
		assert.False(t, d.Enable)
		assert.False(t, d.Tripped)
		assert.Equal(t, OverCurrent, d.State.Kind)
	}
}

func TestAcknowledge(t *testing.T) {
	s := newSupervisor(t)
	assert.True(t, s.Acknowledge(input(12000, 100)), "no latch is a no-op")

	s.Evaluate(input(12000, 12000))
	require.True(t, s.State().Latched)

	// Still violated.
	s.Evaluate(input(12000, 12000))
	assert.False(t, s.Acknowledge(input(12000, 12000)))
	assert.True(t, s.State().Latched)

	// Within limit but not clean for long enough.
	s.Evaluate(input(12000, 100))
	s.Evaluate(input(12000, 100))
	assert.False(t, s.Acknowledge(input(12000, 100)))
	assert.True(t, s.State().Latched)

	// A violation restarts the clean count.
	s.Evaluate(input(12000, 12000))
	s.Evaluate(input(12000, 100))
	s.Evaluate(input(12000, 100))
	assert.False(t, s.Acknowledge(input(12000, 100)))

	s.Evaluate(input(12000, 100))
	assert.True(t, s.Acknowledge(input(12000, 100)))
	assert.Equal(t, State{}, s.State())

	d := s.Evaluate(input(12000, 100))
	assert.True(t, d.Enable)
}

func TestAcknowledge_SensorFaultNeedsCleanReads(t *testing.T) {
	s := newSupervisor(t)
	fail := input(0, 0)
	fail.Err = sensor.ErrSensor

	s.Evaluate(fail)
	require.Equal(t, SensorFault, s.State().Kind)

	for i := 0; i < 3; i++ {
		s.Evaluate(input(12000, 100))
	}
	assert.False(t, s.Acknowledge(fail))
	assert.True(t, s.Acknowledge(input(12000, 100)))
}

func TestEvaluate_UnderVoltageBlanking(t *testing.T) {
	s := newSupervisor(t)

	// Soft start: output still low during the blanking window.
	for i := 0; i < 5; i++ {
		d := s.Evaluate(input(0, 0))
		require.True(t, d.Enable, "tick %d", i)
	}
	d := s.Evaluate(input(0, 0))
	assert.True(t, d.Tripped)
	assert.Equal(t, UnderVoltage, d.State.Kind)
}

func TestEvaluate_UnderVoltageOnlyWhileDriving(t *testing.T) {
	tests := []struct {
		name   string
		modify func(in *Input)
	}{
		{name: "disabled", modify: func(in *Input) { in.Enabled = false }},
		{name: "zero setpoint", modify: func(in *Input) { in.SetpointMV = 0 }},
		{name: "no contract", modify: func(in *Input) { in.ContractActive = false }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSupervisor(t)
			for i := 0; i < 20; i++ {
				in := input(0, 0)
				tt.modify(&in)
				d := s.Evaluate(in)
				require.False(t, d.Tripped)
			}
		})
	}

	l := limits()
	l.UnderVoltage = 0
	s := New(l, nil)
	for i := 0; i < 20; i++ {
		require.False(t, s.Evaluate(input(0, 0)).Tripped, "uvp disabled")
	}
}

func TestUnderVoltageLatchClearsWithOutputOff(t *testing.T) {
	s := newSupervisor(t)
	for i := 0; i < 6; i++ {
		s.Evaluate(input(500, 0))
	}
	require.Equal(t, UnderVoltage, s.State().Kind)

	for i := 0; i < 3; i++ {
		s.Evaluate(input(0, 0))
	}
	assert.True(t, s.Acknowledge(input(0, 0)))
}

func TestCurrentLimit(t *testing.T) {
	s := newSupervisor(t)
	assert.Equal(t, 11000, s.CurrentLimit(0))
	assert.Equal(t, 3000, s.CurrentLimit(3000))
	assert.Equal(t, 11000, s.CurrentLimit(20000))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "over-current", OverCurrent.String())
	assert.Equal(t, "normal", Normal.String())
	assert.Equal(t, "unknown", Kind(99).String())
	assert.Equal(t, "no-contract", InterlockNoContract.String())
}

func TestKinds_ReturnsCopy(t *testing.T) {
	want := []Kind{SensorFault, OverTemperature, OverVoltage, UnderVoltage, OverCurrent, OverPower}
	got := Kinds()
	require.Equal(t, want, got)

	got[0], got[2] = got[2], got[0]
	got = got[:1]
	assert.Equal(t, want, Kinds())

	// The check order is unaffected: a sensor error still wins.
	s := newSupervisor(t)
	in := input(40000, 100)
	in.Err = sensor.ErrSensor
	d := s.Evaluate(in)
	assert.Equal(t, SensorFault, d.State.Kind)
}
