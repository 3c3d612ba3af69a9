// Package control runs the periodic regulation tick and the PD negotiation
// worker.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/itohio/gopdpsu/pkg/config"
	"github.com/itohio/gopdpsu/pkg/pd"
	"github.com/itohio/gopdpsu/pkg/pid"
	"github.com/itohio/gopdpsu/pkg/safety"
	"github.com/itohio/gopdpsu/pkg/sensor"
)

// ErrInvalidSetpoint is returned for setpoints the supply cannot accept.
var ErrInvalidSetpoint = errors.New("invalid setpoint")

// SetpointStep is the setpoint granularity in mV.
const SetpointStep = 10

// Actuator drives the output stage.
type Actuator interface {
	SetDuty(duty uint32) error
}

// Sampler produces one measurement per call, bounded by ctx.
type Sampler interface {
	Sample(ctx context.Context) (sensor.Measurement, error)
}

// OffsetCalibrator is implemented by samplers that support zero-offset
// calibration.
type OffsetCalibrator interface {
	CalibrateOffsets(ctx context.Context, n int) (sensor.Calibration, error)
}

// Setpoint is the operator's requested output.
type Setpoint struct {
	Voltage int // mV
	Enabled bool
}

// Snapshot is the state published at the end of every tick.
type Snapshot struct {
	Tick             uint64
	Time             time.Time
	Measurement      sensor.Measurement
	SampleError      error
	Fault            safety.State
	Interlock        safety.Interlock
	Contract         *pd.Contract
	Setpoint         Setpoint
	Target           int // mV, setpoint clamped to the contract
	Duty             uint32
	OutputEnabled    bool
	AckRejected      bool
	NegotiationError error
	ActuatorError    error
	LateTicks        uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Controller) { c.log = l }
}

// WithClock sets the time source used for ticks and timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller owns the regulation loop. Tick must only be called from one
// goroutine; everything else is safe for concurrent use.
type Controller struct {
	cfg     *config.Config
	sampler Sampler
	neg     *pd.Negotiator
	out     Actuator
	sup     *safety.Supervisor
	pid     *pid.Controller
	clock   clock.Clock
	log     *zap.SugaredLogger
	metrics *Metrics

	setpoint     atomic.Pointer[Setpoint]
	ackRequested atomic.Bool
	snapshot     atomic.Pointer[Snapshot]
	requests     chan int

	// Owned by the tick goroutine.
	tick          uint64
	lastTick      time.Time
	lateTicks     uint64
	pendingTarget int
	ackRejected   bool

	subMu sync.RWMutex
	subs  []chan Snapshot
}

// New creates a controller. It fails if the configured tick period cannot be
// scheduled.
func New(cfg *config.Config, sampler Sampler, neg *pd.Negotiator, out Actuator, opts ...Option) (*Controller, error) {
	p, err := pid.New(cfg.PID, cfg.Control.TickPeriod)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:      cfg,
		sampler:  sampler,
		neg:      neg,
		out:      out,
		pid:      p,
		clock:    clock.New(),
		log:      zap.NewNop().Sugar(),
		requests: make(chan int, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sup = safety.New(cfg.Limits, c.log.Named("safety"))

	c.setpoint.Store(&Setpoint{})
	c.snapshot.Store(&Snapshot{Time: c.clock.Now(), Interlock: safety.InterlockDisabled})
	return c, nil
}

// SetSetpoint validates and stores a new setpoint. An invalid one leaves the
// previous setpoint in force.
func (c *Controller) SetSetpoint(mv int, enabled bool) error {
	if mv < 0 || mv%SetpointStep != 0 {
		return fmt.Errorf("%w: %dmV is not a non-negative multiple of %dmV", ErrInvalidSetpoint, mv, SetpointStep)
	}
	if mv > c.cfg.Limits.OverVoltage {
		return fmt.Errorf("%w: %dmV above over-voltage limit %dmV", ErrInvalidSetpoint, mv, c.cfg.Limits.OverVoltage)
	}
	if mv > 0 {
		if err := c.neg.Supports(mv); err != nil {
			return err
		}
	}

	sp := &Setpoint{Voltage: mv, Enabled: enabled}
	old := c.setpoint.Swap(sp)
	if *old != *sp {
		c.log.Infow("setpoint changed", "voltage_mv", mv, "enabled", enabled)
	}
	return nil
}

// Setpoint returns the setpoint in force.
func (c *Controller) Setpoint() Setpoint {
	return *c.setpoint.Load()
}

// AcknowledgeFault requests that a latched fault be cleared on the next tick.
// A rejection is reported by Snapshot.AckRejected until the next request or
// until the latch clears.
func (c *Controller) AcknowledgeFault() {
	c.ackRequested.Store(true)
}

// Snapshot returns the state published by the last tick.
func (c *Controller) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

// Subscribe returns a channel receiving every published snapshot. Snapshots
// are dropped when the channel is full.
func (c *Controller) Subscribe(buffer int) <-chan Snapshot {
	ch := make(chan Snapshot, buffer)
	c.subMu.Lock()
	c.subs = append(c.subs, ch)
	c.subMu.Unlock()
	return ch
}

// Calibrate disables the output and runs a zero-offset calibration over n
// samples taken by the running tick loop.
func (c *Controller) Calibrate(ctx context.Context, n int) (sensor.Calibration, error) {
	cal, ok := c.sampler.(OffsetCalibrator)
	if !ok {
		return sensor.Calibration{}, errors.New("sampler does not support offset calibration")
	}
	sp := c.Setpoint()
	c.setpoint.Store(&Setpoint{Voltage: sp.Voltage})
	c.log.Infow("calibrating zero offsets", "samples", n)
	return cal.CalibrateOffsets(ctx, n)
}

// Tick runs one control step: sample, supervise, regulate, actuate and
// publish. No error stops the loop; every failure ends in duty 0 and shows
// up in the returned Snapshot.
func (c *Controller) Tick(ctx context.Context) Snapshot {
	now := c.clock.Now()
	c.tick++
	c.checkPeriod(now)

	sp := *c.setpoint.Load()
	contract := c.neg.Contract()

	sctx, cancel := context.WithTimeout(ctx, c.cfg.Control.SampleBudget)
	m, serr := c.sampler.Sample(sctx)
	cancel()

	in := safety.Input{
		Time:           now,
		Measurement:    m,
		Err:            serr,
		SetpointMV:     sp.Voltage,
		Enabled:        sp.Enabled,
		ContractActive: contract != nil,
	}
	if contract != nil {
		in.ContractMA = contract.Current
	}

	if c.ackRequested.Swap(false) {
		accepted := c.sup.Acknowledge(in)
		c.ackRejected = !accepted
		c.metrics.ack(accepted)
	}

	dec := c.sup.Evaluate(in)
	if !dec.State.Latched {
		c.ackRejected = false
	}
	if dec.Tripped {
		c.pid.Reset()
		c.metrics.trip(dec.State.Kind)
	}

	target := sp.Voltage
	if contract != nil && target > contract.Voltage {
		target = contract.Voltage
	}

	var duty uint32
	if serr == nil {
		if dec.Enable && target > 0 && float64(m.Voltage) > float64(target)*c.cfg.Control.OvershootRatio {
			c.log.Debugw("overshoot, resetting integrator", "measured_mv", m.Voltage, "target_mv", target)
			c.pid.Reset()
		}
		duty = c.pid.Step(target, m.Voltage, dec.Enable)
	}
	if !dec.Enable {
		duty = 0
	}

	aerr := c.out.SetDuty(duty)
	if aerr != nil {
		c.log.Errorw("actuator write failed", "duty", duty, "error", aerr)
	}

	c.requestNegotiation(sp.Voltage)

	snap := &Snapshot{
		Tick:             c.tick,
		Time:             now,
		Measurement:      m,
		SampleError:      serr,
		Fault:            dec.State,
		Interlock:        dec.Interlock,
		Contract:         contract,
		Setpoint:         sp,
		Target:           target,
		Duty:             duty,
		OutputEnabled:    dec.Enable && aerr == nil,
		AckRejected:      c.ackRejected,
		NegotiationError: c.neg.LastError(),
		ActuatorError:    aerr,
		LateTicks:        c.lateTicks,
	}
	c.snapshot.Store(snap)
	c.broadcast(*snap)
	c.metrics.observeTick(snap, c.clock.Since(now))
	return *snap
}

func (c *Controller) checkPeriod(now time.Time) {
	if !c.lastTick.IsZero() {
		dev := now.Sub(c.lastTick) - c.cfg.Control.TickPeriod
		if dev < 0 {
			dev = -dev
		}
		if dev > c.cfg.Control.TickTolerance {
			c.lateTicks++
			c.metrics.lateTick()
			c.log.Warnw("tick period deviation", "tick", c.tick, "deviation", dev, "late_ticks", c.lateTicks)
		}
	}
	c.lastTick = now
}

// requestNegotiation asks the worker for a new contract when targetMV is not
// covered. It never blocks and asks once per target.
func (c *Controller) requestNegotiation(targetMV int) {
	if targetMV <= 0 || !c.neg.NeedsRenegotiation(targetMV) {
		c.pendingTarget = 0
		return
	}
	if c.pendingTarget == targetMV {
		return
	}
	select {
	case c.requests <- targetMV:
		c.pendingTarget = targetMV
	default:
	}
}

func (c *Controller) broadcast(s Snapshot) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Run ticks every configured period and serves negotiation requests until
// ctx is done. The output is driven to duty 0 on the way out.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.runNegotiation(ctx)
	})
	g.Go(func() error {
		return c.runTicks(ctx)
	})
	return g.Wait()
}

func (c *Controller) runTicks(ctx context.Context) error {
	ticker := c.clock.Ticker(c.cfg.Control.TickPeriod)
	defer ticker.Stop()
	defer func() {
		if err := c.out.SetDuty(0); err != nil {
			c.log.Errorw("failed to switch output off", "error", err)
		}
	}()

	c.log.Infow("control loop started", "period", c.cfg.Control.TickPeriod)
	for {
		select {
		case <-ctx.Done():
			c.log.Infow("control loop stopped", "ticks", c.tick, "late_ticks", c.lateTicks)
			return nil
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

func (c *Controller) runNegotiation(ctx context.Context) error {
	poll := c.clock.Ticker(c.cfg.PD.PollInterval)
	defer poll.Stop()

	c.syncSource(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case target := <-c.requests:
			if !c.neg.Attached() {
				continue
			}
			_, err := c.neg.NegotiateAny(ctx, target)
			c.metrics.negotiation(err)
			if err != nil {
				c.log.Warnw("renegotiation failed", "target_mv", target, "error", err)
			}
		case <-poll.C:
			c.syncSource(ctx)
		}
	}
}

func (c *Controller) syncSource(ctx context.Context) {
	was := c.neg.Attached()
	before := c.neg.Contract()
	err := c.neg.Sync(ctx, c.Setpoint().Voltage)
	if !was && c.neg.Attached() {
		c.checkSetpoint()
	}
	if after := c.neg.Contract(); after != before && after != nil {
		c.metrics.negotiation(nil)
	}
	if err != nil && ctx.Err() == nil {
		c.metrics.negotiation(err)
		c.log.Debugw("source sync failed", "error", err)
	}
}

// checkSetpoint falls back to the boot voltage with the output off when a
// newly attached source cannot serve the stored setpoint. A concurrent
// SetSetpoint wins.
func (c *Controller) checkSetpoint() {
	sp := c.setpoint.Load()
	if sp.Voltage <= c.cfg.PD.BootVoltage {
		return
	}
	err := c.neg.Supports(sp.Voltage)
	if err == nil {
		return
	}
	if c.setpoint.CompareAndSwap(sp, &Setpoint{Voltage: c.cfg.PD.BootVoltage}) {
		c.log.Warnw("setpoint not supported by source, output disabled", "voltage_mv", sp.Voltage, "fallback_mv", c.cfg.PD.BootVoltage, "error", err)
	}
}
