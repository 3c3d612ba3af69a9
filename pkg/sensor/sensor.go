package sensor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultCalibrationSamples is the number of samples averaged by a zero-offset calibration.
const DefaultCalibrationSamples = 300

// Sensor samples a Device and converts the result with a Calibration.
//
// Sample is safe to call from one goroutine while CalibrateOffsets runs on
// another. A read that outlives its context keeps the device busy, and the
// next Sample fails fast until that read returns.
type Sensor struct {
	dev   Device
	clock clock.Clock
	log   *zap.SugaredLogger

	inflight atomic.Bool

	mu   sync.Mutex
	cal  Calibration
	zero *zeroRun
}

type zeroRun struct {
	want   int
	n      int
	sumMV  float64
	sumMA  float64
	done   chan struct{}
	result Calibration
}

type readResult struct {
	raw Raw
	err error
}

// New creates a Sensor. A nil clock uses the wall clock; a nil logger discards.
func New(dev Device, cal Calibration, clk clock.Clock, logger *zap.SugaredLogger) *Sensor {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sensor{dev: dev, cal: cal, clock: clk, log: logger}
}

// Sample reads and converts one measurement. It returns when the read
// completes or ctx is done, whichever comes first. Errors wrap ErrSensor.
func (s *Sensor) Sample(ctx context.Context) (Measurement, error) {
	if !s.inflight.CompareAndSwap(false, true) {
		return Measurement{}, fmt.Errorf("%w: previous read still in flight", ErrSensor)
	}

	ch := make(chan readResult, 1)
	go func() {
		raw, err := s.dev.ReadRaw()
		s.inflight.Store(false)
		ch <- readResult{raw: raw, err: err}
	}()

	var res readResult
	select {
	case <-ctx.Done():
		return Measurement{}, fmt.Errorf("%w: %w", ErrSensor, ctx.Err())
	case res = <-ch:
	}
	if res.err != nil {
		return Measurement{}, fmt.Errorf("%w: %w", ErrSensor, res.err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.cal.Convert(res.raw, s.clock.Now())
	if err != nil {
		return Measurement{}, err
	}
	s.accumulate(m)
	return m, nil
}

// accumulate feeds an active zero-offset run with the uncorrected value of m.
func (s *Sensor) accumulate(m Measurement) {
	z := s.zero
	if z == nil {
		return
	}
	z.sumMV += float64(m.Voltage) + s.cal.VoltageOffset
	z.sumMA += float64(m.Current) + s.cal.CurrentOffset
	z.n++
	if z.n < z.want {
		return
	}
	s.cal.VoltageOffset = z.sumMV / float64(z.n)
	s.cal.CurrentOffset = z.sumMA / float64(z.n)
	z.result = s.cal
	s.zero = nil
	close(z.done)
	s.log.Infow("zero offsets calibrated",
		"samples", z.n,
		"voltage_offset_mv", s.cal.VoltageOffset,
		"current_offset_ma", s.cal.CurrentOffset,
	)
}

// CalibrateOffsets averages the next n successful samples taken by Sample and
// stores them as the zero offsets. The output must be off and unloaded while it
// runs. It does not read the device itself; it blocks until the samples have
// been taken by the regular sampling path or ctx is done.
func (s *Sensor) CalibrateOffsets(ctx context.Context, n int) (Calibration, error) {
	if n <= 0 {
		n = DefaultCalibrationSamples
	}

	s.mu.Lock()
	z := s.zero
	if z == nil {
		z = &zeroRun{want: n, done: make(chan struct{})}
		s.zero = z
	}
	s.mu.Unlock()

	select {
	case <-z.done:
		return z.result, nil
	case <-ctx.Done():
		s.mu.Lock()
		if s.zero == z {
			s.zero = nil
		}
		s.mu.Unlock()
		return Calibration{}, ctx.Err()
	}
}

// Calibration returns the conversion parameters currently in use.
func (s *Sensor) Calibration() Calibration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cal
}
