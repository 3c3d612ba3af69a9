package pd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itohio/gopdpsu/pkg/config"
)

// Negotiator owns the source capability list and the active contract.
//
// All Link I/O happens on the caller's goroutine, which in the running
// application is the negotiation worker. Contract, Supports and
// NeedsRenegotiation never touch the link and are safe to call from the
// control tick.
type Negotiator struct {
	link Link
	cfg  config.PDConfig
	log  *zap.SugaredLogger

	mu       sync.RWMutex
	profiles []PowerProfile
	attached bool
	session  uuid.UUID
	lastErr  error

	contract atomic.Pointer[Contract]
}

// NewNegotiator creates a negotiator for link. A nil logger discards.
func NewNegotiator(link Link, cfg config.PDConfig, logger *zap.SugaredLogger) *Negotiator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Negotiator{
		link:    link,
		cfg:     cfg,
		log:     logger,
		session: uuid.New(),
	}
}

// Contract returns the active contract or nil. The returned value is shared
// and must not be modified.
func (n *Negotiator) Contract() *Contract {
	return n.contract.Load()
}

// Profiles returns a copy of the cached source capabilities.
func (n *Negotiator) Profiles() []PowerProfile {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]PowerProfile, len(n.profiles))
	copy(out, n.profiles)
	return out
}

// Attached reports whether a source was present at the last Sync.
func (n *Negotiator) Attached() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.attached
}

// LastError returns the most recent discovery or negotiation failure, or nil
// after a success.
func (n *Negotiator) LastError() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastErr
}

func (n *Negotiator) setErr(err error) {
	n.mu.Lock()
	n.lastErr = err
	n.mu.Unlock()
}

// Discover reads and validates the source capabilities, retrying transient
// link failures with exponential backoff.
func (n *Negotiator) Discover(ctx context.Context) ([]PowerProfile, error) {
	var profiles []PowerProfile
	err := n.retry(ctx, "capabilities", func(ctx context.Context) error {
		raw, err := n.link.Capabilities(ctx)
		if err != nil {
			return err
		}
		profiles, err = validate(raw)
		return err
	})
	if err != nil {
		n.setErr(err)
		n.log.Errorw("capability discovery failed", "error", err)
		return nil, err
	}

	n.mu.Lock()
	n.profiles = profiles
	n.lastErr = nil
	n.mu.Unlock()

	for _, p := range profiles {
		n.log.Infow("source profile", "profile", p.String(), "max_power_mw", p.MaxPower)
	}
	return n.Profiles(), nil
}

// Negotiate selects a profile for targetMV at maxMA and requests it. An
// unsupported target is returned at once and leaves the current contract in
// force. Exhausted retries drop the contract, which keeps the output off.
func (n *Negotiator) Negotiate(ctx context.Context, targetMV, maxMA int) (Contract, error) {
	if targetMV < n.cfg.BootVoltage {
		targetMV = n.cfg.BootVoltage
	}

	profiles := n.Profiles()
	if len(profiles) == 0 {
		var err error
		if profiles, err = n.Discover(ctx); err != nil {
			return Contract{}, err
		}
	}

	p, req, err := Select(profiles, targetMV, maxMA, n.cfg.Headroom)
	if err != nil {
		n.setErr(err)
		return Contract{}, err
	}

	err = n.retry(ctx, "request", func(ctx context.Context) error {
		return n.link.Request(ctx, req)
	})
	if err != nil {
		n.contract.Store(nil)
		n.setErr(err)
		n.log.Errorw("contract request failed", "profile", p.String(), "voltage_mv", req.Voltage, "current_ma", req.Current, "error", err)
		return Contract{}, err
	}

	n.mu.Lock()
	c := &Contract{
		ProfileIndex: p.Index,
		Kind:         p.Kind,
		Range:        p.Range,
		Voltage:      req.Voltage,
		Current:      req.Current,
		ProfileMax:   p.MaxVoltage,
		Session:      n.session,
	}
	n.lastErr = nil
	n.mu.Unlock()

	n.contract.Store(c)
	n.log.Infow("contract established", "contract", c.String(), "session", c.Session)
	return *c, nil
}

// NegotiateAny tries each configured current ceiling in order, then the
// profile maximum, until one is supported by the source.
func (n *Negotiator) NegotiateAny(ctx context.Context, targetMV int) (Contract, error) {
	var err error
	for _, ma := range n.ceilings() {
		var c Contract
		c, err = n.Negotiate(ctx, targetMV, ma)
		if err == nil || !errors.Is(err, ErrUnsupportedProfile) {
			return c, err
		}
	}
	return Contract{}, err
}

// Supports reports whether NegotiateAny could serve targetMV from the cached
// capabilities, without any I/O. Until capabilities are known only the boot
// voltage is supported.
func (n *Negotiator) Supports(targetMV int) error {
	profiles := n.Profiles()
	if len(profiles) == 0 {
		if targetMV <= n.cfg.BootVoltage {
			return nil
		}
		return fmt.Errorf("%w: no source capabilities for %dmV", ErrUnsupportedProfile, targetMV)
	}
	var err error
	for _, ma := range n.ceilings() {
		if _, _, err = Select(profiles, targetMV, ma, n.cfg.Headroom); err == nil {
			return nil
		}
	}
	return err
}

// ceilings lists the current limits NegotiateAny requests, ending with 0 for
// the profile maximum.
func (n *Negotiator) ceilings() []int {
	out := make([]int, 0, len(n.cfg.Currents)+1)
	out = append(out, n.cfg.Currents...)
	return append(out, 0)
}

// NeedsRenegotiation reports whether targetMV cannot be served by the active
// contract. It is a pure comparison.
func (n *Negotiator) NeedsRenegotiation(targetMV int) bool {
	c := n.contract.Load()
	return c == nil || targetMV > c.Voltage
}

// Detach forgets the capabilities and the contract.
func (n *Negotiator) Detach() {
	n.mu.Lock()
	n.profiles = nil
	n.attached = false
	n.mu.Unlock()
	n.contract.Store(nil)
}

// Sync polls the link for attach state. A detach drops everything; an attach
// rediscovers the source. While attached, a missing contract is replaced by
// the boot contract first and only then is targetMV negotiated, so an
// unsupported target never keeps the source without a contract.
func (n *Negotiator) Sync(ctx context.Context, targetMV int) error {
	actx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	attached, err := n.link.Attached(actx)
	cancel()
	if err != nil {
		err = linkError(err)
		n.setErr(err)
		return err
	}

	was := n.Attached()
	switch {
	case !attached && was:
		n.Detach()
		n.log.Warnw("source detached")
		return nil
	case !attached:
		return nil
	case !was:
		n.mu.Lock()
		n.session = uuid.New()
		n.mu.Unlock()
		n.log.Infow("source attached")
		if _, err := n.Discover(ctx); err != nil {
			return err
		}
		n.mu.Lock()
		n.attached = true
		n.mu.Unlock()
	}

	if n.Contract() == nil {
		// The boot contract takes whatever current the lowest profile offers.
		if _, err := n.Negotiate(ctx, n.cfg.BootVoltage, 0); err != nil {
			return err
		}
	}
	if targetMV <= n.cfg.BootVoltage || !n.NeedsRenegotiation(targetMV) {
		return nil
	}
	_, err = n.NegotiateAny(ctx, targetMV)
	return err
}

// retry runs fn with a per-attempt timeout until it succeeds, the retry
// budget runs out or ctx is done. ErrUnsupportedProfile is never retried.
func (n *Negotiator) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.BackoffInitial
	b.MaxInterval = n.cfg.BackoffMax
	b.MaxElapsedTime = 0

	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(n.cfg.Retries)), ctx)
	return backoff.RetryNotify(func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()

		err := fn(actx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnsupportedProfile) {
			return backoff.Permanent(err)
		}
		return linkError(err)
	}, policy, func(err error, wait time.Duration) {
		n.log.Warnw("pd operation failed, retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)
	})
}

func linkError(err error) error {
	if errors.Is(err, ErrLink) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrLink, err)
}
