package sensor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"

	"github.com/itohio/gopdpsu/pkg/config"
)

type fakeDevice struct {
	read  func() (Raw, error)
	calls atomic.Int32
}

func (f *fakeDevice) ReadRaw() (Raw, error) {
	f.calls.Add(1)
	return f.read()
}

func constant(raw Raw) *fakeDevice {
	return &fakeDevice{read: func() (Raw, error) { return raw, nil }}
}

func defaultCal() Calibration {
	return NewCalibration(config.Default().Shunt)
}

func TestINA228_ReadRaw(t *testing.T) {
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x40, W: []byte{RegVBus}, R: []byte{0x12, 0xC0, 0x00}},    // 76800
			{Addr: 0x40, W: []byte{RegVShunt}, R: []byte{0xFF, 0xC1, 0x80}},  // -1000
			{Addr: 0x40, W: []byte{RegDieTemp}, R: []byte{0x0C, 0x80}},       // 3200
		},
	}
	defer func() { assert.NoError(t, bus.Close()) }()

	dev := NewINA228(bus, 0)
	raw, err := dev.ReadRaw()
	require.NoError(t, err)

	assert.Equal(t, uint32(76800), raw.Bus)
	assert.Equal(t, int32(-1000), raw.Shunt)
	assert.Equal(t, int16(3200), raw.DieTemp)
}

func TestINA228_Configure(t *testing.T) {
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x40, W: []byte{RegManufacture}, R: []byte{0x54, 0x49}},
			{Addr: 0x40, W: []byte{RegConfig, 0x00, 0x20}},
			{Addr: 0x40, W: []byte{RegADCConfig}, R: []byte{0xFB, 0x68}},
			{Addr: 0x40, W: []byte{RegADCConfig, 0xFB, 0x6C}},
			{Addr: 0x40, W: []byte{RegShuntCal, 0x10, 0x00}},
			{Addr: 0x40, W: []byte{RegShuntTempCo, 0x00, 0x32}},
		},
	}
	defer func() { assert.NoError(t, bus.Close()) }()

	dev := NewINA228(bus, DefaultAddr)
	require.NoError(t, dev.Configure(config.Default().Shunt))
}

func TestINA228_ConfigureWrongChip(t *testing.T) {
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x40, W: []byte{RegManufacture}, R: []byte{0x00, 0x00}},
		},
	}
	dev := NewINA228(bus, DefaultAddr)
	err := dev.Configure(config.Default().Shunt)
	assert.ErrorContains(t, err, "manufacturer")
}

// fixedSpeedBus is a playback bus whose clock cannot be changed.
type fixedSpeedBus struct {
	*i2ctest.Playback
	err error
}

func (b *fixedSpeedBus) SetSpeed(physic.Frequency) error {
	return b.err
}

func TestINA228_ConfigureSpeedError(t *testing.T) {
	errSpeed := errors.New("speed not supported")
	bus := &fixedSpeedBus{
		Playback: &i2ctest.Playback{
			Ops: []i2ctest.IO{
				{Addr: 0x40, W: []byte{RegManufacture}, R: []byte{0x54, 0x49}},
			},
		},
		err: errSpeed,
	}
	defer func() { assert.NoError(t, bus.Close()) }()

	dev := NewINA228(bus, DefaultAddr)
	err := dev.Configure(config.Default().Shunt)
	assert.ErrorIs(t, err, errSpeed)
	assert.ErrorContains(t, err, "ina228: speed")
}

func TestShuntCal(t *testing.T) {
	cfg := config.Default().Shunt
	assert.Equal(t, uint16(4096), ShuntCal(cfg))

	cfg.LowRange = true
	assert.Equal(t, uint16(4096), ShuntCal(cfg))

	cfg.Resistance = 0.002
	cfg.LowRange = false
	assert.Equal(t, uint16(4096), ShuntCal(cfg))
}

func TestCalibration_Convert(t *testing.T) {
	at := time.Unix(100, 0)

	tests := []struct {
		name    string
		cal     func(c *Calibration)
		raw     Raw
		wantV   int
		wantI   int
		wantP   int
		wantT   float64
		delta   float64
		wantErr bool
	}{
		{
			name:  "15V 2A at 25C",
			raw:   Raw{Bus: 76800, Shunt: 32000, DieTemp: 3200},
			wantV: 15000, wantI: 2000, wantP: 30000, wantT: 25,
		},
		{
			name:  "negative current",
			raw:   Raw{Bus: 25600, Shunt: -16000, DieTemp: 3200},
			wantV: 5000, wantI: -1000, wantP: -5000, wantT: 25,
		},
		{
			name:  "tempco raises resistance when hot",
			raw:   Raw{Bus: 76800, Shunt: 32000, DieTemp: 5120},
			wantV: 15000, wantI: 1999, wantP: 29978, wantT: 40,
			delta: 1,
		},
		{
			name:  "low range lsb",
			cal:   func(c *Calibration) { c.LowRange = true },
			raw:   Raw{Bus: 0, Shunt: 32000, DieTemp: 3200},
			wantV: 0, wantI: 500, wantP: 0, wantT: 25,
		},
		{
			name:  "offsets subtracted before power",
			cal:   func(c *Calibration) { c.VoltageOffset = 100; c.CurrentOffset = 10 },
			raw:   Raw{Bus: 25600, Shunt: 3200, DieTemp: 3200},
			wantV: 4900, wantI: 190, wantP: 931, wantT: 25,
		},
		{name: "bus above full scale", raw: Raw{Bus: 0xFFFFF, DieTemp: 3200}, wantErr: true},
		{name: "die too cold", raw: Raw{Bus: 25600, DieTemp: -6000}, wantErr: true},
		{name: "die too hot", raw: Raw{Bus: 25600, DieTemp: 20000}, wantErr: true},
		{name: "shunt saturated high", raw: Raw{Shunt: 1<<19 - 1, DieTemp: 3200}, wantErr: true},
		{name: "shunt saturated low", raw: Raw{Shunt: -(1 << 19), DieTemp: 3200}, wantErr: true},
		{name: "no shunt", cal: func(c *Calibration) { c.Resistance = 0 }, raw: Raw{DieTemp: 3200}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cal := defaultCal()
			if tt.cal != nil {
				tt.cal(&cal)
			}
			m, err := cal.Convert(tt.raw, at)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrSensor)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, at, m.Time)
			assert.InDelta(t, tt.wantV, m.Voltage, tt.delta)
			assert.InDelta(t, tt.wantI, m.Current, tt.delta)
			assert.InDelta(t, tt.wantP, m.Power, tt.delta)
			assert.InDelta(t, tt.wantT, m.Temperature, 0.001)
		})
	}
}

func TestMeasurement_String(t *testing.T) {
	m := Measurement{Voltage: 12000, Current: 1500, Power: 18000, Temperature: 31.25}
	s := m.String()
	assert.Contains(t, s, "12V")
	assert.Contains(t, s, "1.5A")
	assert.Contains(t, s, "31.2°C")
}

func TestSensor_Sample(t *testing.T) {
	clk := clock.NewMock()
	dev := constant(Raw{Bus: 76800, Shunt: 32000, DieTemp: 3200})
	s := New(dev, defaultCal(), clk, zaptest.NewLogger(t).Sugar())

	m, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 15000, m.Voltage)
	assert.Equal(t, 2000, m.Current)
	assert.Equal(t, 30000, m.Power)
	assert.Equal(t, clk.Now(), m.Time)
}

func TestSensor_SampleDeviceError(t *testing.T) {
	busErr := errors.New("nack")
	dev := &fakeDevice{read: func() (Raw, error) { return Raw{}, busErr }}
	s := New(dev, defaultCal(), nil, nil)

	_, err := s.Sample(context.Background())
	assert.ErrorIs(t, err, ErrSensor)
	assert.ErrorIs(t, err, busErr)
}

func TestSensor_InflightReadFailsFast(t *testing.T) {
	release := make(chan struct{})
	dev := &fakeDevice{read: func() (Raw, error) {
		<-release
		return Raw{Bus: 25600, DieTemp: 3200}, nil
	}}
	s := New(dev, defaultCal(), nil, zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Sample(ctx)
	require.ErrorIs(t, err, ErrSensor)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The stuck read still owns the bus.
	_, err = s.Sample(context.Background())
	require.ErrorIs(t, err, ErrSensor)
	assert.Contains(t, err.Error(), "in flight")
	assert.Equal(t, int32(1), dev.calls.Load())

	close(release)
	require.Eventually(t, func() bool { return !s.inflight.Load() }, time.Second, time.Millisecond)

	m, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5000, m.Voltage)
}

func TestSensor_CalibrateOffsets(t *testing.T) {
	dev := constant(Raw{Bus: 256, Shunt: 160, DieTemp: 3200}) // 50mV, 10mA
	s := New(dev, defaultCal(), nil, zaptest.NewLogger(t).Sugar())

	done := make(chan Calibration, 1)
	go func() {
		cal, err := s.CalibrateOffsets(context.Background(), 5)
		assert.NoError(t, err)
		done <- cal
	}()

	var cal Calibration
	require.Eventually(t, func() bool {
		if _, err := s.Sample(context.Background()); err != nil {
			return false
		}
		select {
		case cal = <-done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	assert.InDelta(t, 50, cal.VoltageOffset, 0.001)
	assert.InDelta(t, 10, cal.CurrentOffset, 0.001)
	assert.Equal(t, cal, s.Calibration())

	m, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, m.Voltage)
	assert.Equal(t, 0, m.Current)
}

func TestSensor_CalibrateOffsetsCancelled(t *testing.T) {
	s := New(constant(Raw{DieTemp: 3200}), defaultCal(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.CalibrateOffsets(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)

	s.mu.Lock()
	assert.Nil(t, s.zero)
	s.mu.Unlock()
}
