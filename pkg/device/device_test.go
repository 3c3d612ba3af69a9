package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"

	"github.com/itohio/gopdpsu/pkg/config"
	"github.com/itohio/gopdpsu/pkg/pd"
	"github.com/itohio/gopdpsu/pkg/pd/ap33772s"
	"github.com/itohio/gopdpsu/pkg/sensor"
)

func newMock(t *testing.T) (*Mock, *config.Config) {
	t.Helper()
	cfg := config.Default()
	return NewMock(cfg.Mock, cfg.Shunt, cfg.PID.MaxDuty, clock.NewMock()), cfg
}

func settle(m *Mock, d time.Duration) {
	for i := time.Duration(0); i < d; i += time.Millisecond {
		m.Step(time.Millisecond)
	}
}

func TestMock_Profiles(t *testing.T) {
	m, _ := newMock(t)

	profiles := m.Profiles()
	require.Len(t, profiles, 6)
	assert.Equal(t, 1, profiles[0].Index)
	assert.Equal(t, pd.Adjustable, profiles[4].Kind)
	assert.Equal(t, 3300, profiles[4].MinVoltage)
	assert.Equal(t, pd.EPR, profiles[5].Range)
	assert.Equal(t, ap33772s.NumSPR+1, profiles[5].Index)
}

func TestMock_PDLink(t *testing.T) {
	m, _ := newMock(t)
	link := ap33772s.New(m)
	ctx := context.Background()

	ok, err := link.Attached(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	caps, err := link.Capabilities(ctx)
	require.NoError(t, err)
	assert.Empty(t, caps, "nothing advertised while detached")

	m.Attach()
	ok, err = link.Attached(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	caps, err = link.Capabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, m.Profiles(), caps)

	require.NoError(t, link.Request(ctx, pd.Request{ProfileIndex: 4, Voltage: 20000, Current: 3000}))
	assert.Equal(t, 20*physic.Volt, m.Source())

	require.NoError(t, link.Request(ctx, pd.Request{ProfileIndex: 5, Voltage: 12340, Current: 2000}))
	assert.Equal(t, 12400*physic.MilliVolt, m.Source())

	err = link.Request(ctx, pd.Request{ProfileIndex: 1, Voltage: 5000, Current: 4000})
	assert.ErrorIs(t, err, pd.ErrUnsupportedProfile)

	r, err := link.Measure()
	require.NoError(t, err)
	assert.InDelta(t, float64(12400*physic.MilliVolt), float64(r.Voltage), float64(80*physic.MilliVolt))

	m.Detach()
	ok, err = link.Attached(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, physic.ElectricPotential(0), m.Source())
}

func TestMock_SetProfiles(t *testing.T) {
	m, _ := newMock(t)
	m.Attach()
	link := ap33772s.New(m)

	m.SetProfiles([]config.MockProfile{
		{MinVoltage: 5000, MaxVoltage: 5000, MaxCurrent: 3000},
		{MinVoltage: 9000, MaxVoltage: 9000, MaxCurrent: 3000},
	})
	caps, err := link.Capabilities(context.Background())
	require.NoError(t, err)
	require.Len(t, caps, 2)
	assert.Equal(t, m.Profiles(), caps)
	assert.Equal(t, 9000, caps[1].MaxVoltage)

	err = link.Request(context.Background(), pd.Request{ProfileIndex: 4, Voltage: 20000, Current: 3000})
	assert.ErrorIs(t, err, pd.ErrUnsupportedProfile, "old profiles are gone")
}

func TestMock_NegotiatorEndToEnd(t *testing.T) {
	m, cfg := newMock(t)
	m.Attach()
	n := pd.NewNegotiator(ap33772s.New(m), cfg.PD, nil)

	require.NoError(t, n.Sync(context.Background(), 0))
	require.NotNil(t, n.Contract())
	assert.Equal(t, 5000, n.Contract().Voltage)

	c, err := n.Negotiate(context.Background(), 20000, 3000)
	require.NoError(t, err)
	assert.Equal(t, 4, c.ProfileIndex)
	assert.Equal(t, 20*physic.Volt, m.Source())
}

func TestMock_SensorReadsPlant(t *testing.T) {
	m, cfg := newMock(t)
	m.Attach()
	link := ap33772s.New(m)
	err := link.Request(context.Background(), pd.Request{ProfileIndex: 4, Voltage: 20000, Current: 3000})
	assert.ErrorIs(t, err, pd.ErrUnsupportedProfile, "capabilities not read yet")
	assert.Equal(t, 5*physic.Volt, m.Source())

	_, err = link.Capabilities(context.Background())
	require.NoError(t, err)
	require.NoError(t, link.Request(context.Background(), pd.Request{ProfileIndex: 4, Voltage: 20000, Current: 3000}))

	ina := sensor.NewINA228(m, cfg.Hardware.SensorAddr)
	require.NoError(t, ina.Configure(cfg.Shunt))
	s := sensor.New(ina, sensor.NewCalibration(cfg.Shunt), nil, nil)

	require.NoError(t, m.SetDuty(cfg.PID.MaxDuty/2))
	settle(m, 200*time.Millisecond)

	meas, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 10000, meas.Voltage, 5)
	assert.InDelta(t, 1000, meas.Current, 5)
	assert.InDelta(t, 10000, meas.Power, 50)
	assert.InDelta(t, 25, meas.Temperature, 1)

	v, i := m.Output()
	assert.InDelta(t, float64(10*physic.Volt), float64(v), float64(5*physic.MilliVolt))
	assert.InDelta(t, float64(physic.Ampere), float64(i), float64(5*physic.MilliAmpere))

	m.SetLoad(2)
	settle(m, 10*time.Millisecond)
	meas, err = s.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 5000, meas.Current, 10)
}

func TestMock_SensorFaults(t *testing.T) {
	m, cfg := newMock(t)
	ina := sensor.NewINA228(m, 0)
	s := sensor.New(ina, sensor.NewCalibration(cfg.Shunt), nil, nil)

	busErr := errors.New("arbitration lost")
	m.FailSensor(busErr)
	_, err := s.Sample(context.Background())
	assert.ErrorIs(t, err, sensor.ErrSensor)
	assert.ErrorIs(t, err, busErr)

	m.FailSensor(nil)
	m.SetTemperature(160)
	_, err = s.Sample(context.Background())
	assert.ErrorIs(t, err, sensor.ErrSensor)

	m.SetTemperature(25)
	meas, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, meas.Voltage)
}

func TestMock_Heating(t *testing.T) {
	m, cfg := newMock(t)
	m.Attach()
	m.SetLoad(1)
	require.NoError(t, m.SetDuty(cfg.PID.MaxDuty))
	settle(m, 10*time.Second)

	s := sensor.New(sensor.NewINA228(m, 0), sensor.NewCalibration(cfg.Shunt), nil, nil)
	meas, err := s.Sample(context.Background())
	require.NoError(t, err)
	// 25W into the load heats the board towards 25 + 25*1.5 °C.
	assert.Greater(t, meas.Temperature, 30.0)
	assert.Less(t, meas.Temperature, 62.5)
}

func TestMock_Run(t *testing.T) {
	clk := clock.NewMock()
	cfg := config.Default()
	m := NewMock(cfg.Mock, cfg.Shunt, cfg.PID.MaxDuty, clk)
	m.Attach()
	require.NoError(t, m.SetDuty(cfg.PID.MaxDuty))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		clk.Add(10 * time.Millisecond)
		v, _ := m.Output()
		return v > 4900*physic.MilliVolt
	}, time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestMock_UnknownAddress(t *testing.T) {
	m, _ := newMock(t)
	assert.Error(t, m.Tx(0x10, []byte{0}, make([]byte, 1)))
	assert.Error(t, m.Tx(sensor.DefaultAddr, nil, nil))
}

func TestPWM_SetDuty(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO18", Num: 18}
	p := NewPWM(pin, 4*physic.KiloHertz, 16383)

	require.NoError(t, p.SetDuty(0))
	assert.Equal(t, gpio.Duty(0), pin.D)
	assert.Equal(t, 4*physic.KiloHertz, pin.F)

	require.NoError(t, p.SetDuty(16383))
	assert.Equal(t, gpio.DutyMax, pin.D)

	require.NoError(t, p.SetDuty(40000))
	assert.Equal(t, gpio.DutyMax, pin.D, "clamped")

	require.NoError(t, p.SetDuty(8192))
	assert.InDelta(t, float64(gpio.DutyHalf), float64(pin.D), 2*float64(gpio.DutyMax)/16383)

	require.NoError(t, p.Halt())
	assert.Equal(t, gpio.Low, pin.L)
}
