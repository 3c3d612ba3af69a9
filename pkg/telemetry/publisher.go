package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itohio/gopdpsu/pkg/config"
	"github.com/itohio/gopdpsu/pkg/control"
)

// Client delivers a payload to a topic.
type Client interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Source provides the latest controller snapshot.
type Source interface {
	Snapshot() control.Snapshot
}

var _ Source = (*control.Controller)(nil)

// Publisher samples a Source at a fixed interval and forwards records to a
// Client. It never blocks the controller.
type Publisher struct {
	src     Source
	client  Client
	cfg     config.TelemetryConfig
	clock   clock.Clock
	log     *zap.SugaredLogger
	session uuid.UUID

	mu       sync.Mutex
	buf      []Record
	seq      uint64
	lastTick uint64
	dropped  uint64
	failing  bool
}

// NewPublisher creates a publisher. Each publisher run gets its own session
// ID so consumers can tell restarts apart.
func NewPublisher(src Source, client Client, cfg config.TelemetryConfig, clk clock.Clock, logger *zap.SugaredLogger) *Publisher {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}
	return &Publisher{
		src:     src,
		client:  client,
		cfg:     cfg,
		clock:   clk,
		log:     logger,
		session: uuid.New(),
	}
}

// Session returns the publisher session ID.
func (p *Publisher) Session() uuid.UUID {
	return p.session
}

// Collect buffers the current snapshot. A snapshot already collected is
// skipped. It reports whether a record was added.
func (p *Publisher) Collect() bool {
	s := p.src.Snapshot()

	p.mu.Lock()
	defer p.mu.Unlock()
	if s.Tick == 0 || s.Tick == p.lastTick {
		return false
	}
	p.lastTick = s.Tick

	r := FromSnapshot(s)
	p.seq++
	r.ID = uuid.New()
	r.Session = p.session
	r.Seq = p.seq

	if len(p.buf) >= p.cfg.Buffer {
		n := len(p.buf) - p.cfg.Buffer + 1
		p.buf = append(p.buf[:0], p.buf[n:]...)
		p.dropped += uint64(n)
	}
	p.buf = append(p.buf, r)
	return true
}

// Flush publishes buffered records oldest first. It stops at the first
// failure and keeps the unsent records for the next attempt.
func (p *Publisher) Flush(ctx context.Context) error {
	for {
		p.mu.Lock()
		if len(p.buf) == 0 {
			p.mu.Unlock()
			return nil
		}
		r := p.buf[0]
		p.mu.Unlock()

		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("telemetry: marshal: %w", err)
		}

		pctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		err = p.client.Publish(pctx, p.cfg.Topic, payload)
		cancel()
		if err != nil {
			return fmt.Errorf("telemetry: publish: %w", err)
		}

		p.mu.Lock()
		// Collect may have dropped r in the meantime.
		if len(p.buf) > 0 && p.buf[0].ID == r.ID {
			p.buf = p.buf[1:]
		}
		p.mu.Unlock()
	}
}

// Pending returns the number of buffered records.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Dropped returns the number of records discarded because the buffer was full.
func (p *Publisher) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Run collects and flushes every interval until ctx is done. Publish errors
// are logged once per outage and never stop the loop.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(p.cfg.Interval)
	defer ticker.Stop()

	p.log.Infow("telemetry started", "topic", p.cfg.Topic, "session", p.session, "interval", p.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Collect()
			p.report(p.Flush(ctx))
		}
	}
}

func (p *Publisher) report(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case err != nil && !p.failing:
		p.failing = true
		p.log.Warnw("telemetry publish failing", "error", err, "pending", len(p.buf))
	case err == nil && p.failing:
		p.failing = false
		p.log.Infow("telemetry publish recovered", "dropped", p.dropped)
	}
}
