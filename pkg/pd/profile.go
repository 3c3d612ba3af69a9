package pd

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

var (
	// ErrLink is returned when the PD link layer fails or reports nonsense.
	ErrLink = errors.New("pd link error")
	// ErrUnsupportedProfile is returned when no advertised profile covers a request.
	ErrUnsupportedProfile = errors.New("unsupported power profile")
)

// Kind distinguishes fixed from programmable supplies.
type Kind uint8

const (
	Fixed Kind = iota
	Adjustable
)

func (k Kind) String() string {
	if k == Adjustable {
		return "adjustable"
	}
	return "fixed"
}

// Range is the PD power range a profile belongs to.
type Range uint8

const (
	SPR Range = iota
	EPR
)

func (r Range) String() string {
	if r == EPR {
		return "EPR"
	}
	return "SPR"
}

// PowerProfile is one source capability advertised by the attached charger.
type PowerProfile struct {
	Index      int // Position in the source capability list, 1-based
	Kind       Kind
	Range      Range
	MinVoltage int // mV
	MaxVoltage int // mV
	MaxCurrent int // mA
	MaxPower   int // mW
}

func (p PowerProfile) String() string {
	if p.Kind == Adjustable {
		return fmt.Sprintf("#%d %s %d-%dmV %dmA", p.Index, p.Range, p.MinVoltage, p.MaxVoltage, p.MaxCurrent)
	}
	return fmt.Sprintf("#%d %s %dmV %dmA", p.Index, p.Range, p.MaxVoltage, p.MaxCurrent)
}

// Covers reports whether the profile can deliver targetMV at maxMA.
func (p PowerProfile) Covers(targetMV, maxMA int) bool {
	return p.MaxVoltage >= targetMV && p.MaxCurrent >= maxMA
}

// Request is what the sink asks the source for.
type Request struct {
	ProfileIndex int
	Voltage      int // mV
	Current      int // mA
}

// Contract is the power agreement currently in force.
type Contract struct {
	ProfileIndex int
	Kind         Kind
	Range        Range
	Voltage      int // mV
	Current      int // mA
	ProfileMax   int // mV, highest voltage the profile could give
	Session      uuid.UUID
}

func (c Contract) String() string {
	return fmt.Sprintf("#%d %s %dmV %dmA", c.ProfileIndex, c.Range, c.Voltage, c.Current)
}

// Link is the PD sink peripheral. Every method may block on bus I/O.
type Link interface {
	Attached(ctx context.Context) (bool, error)
	Capabilities(ctx context.Context) ([]PowerProfile, error)
	Request(ctx context.Context, req Request) error
}

// validate rejects malformed capability lists and fills in MaxPower.
func validate(profiles []PowerProfile) ([]PowerProfile, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("%w: empty capability list", ErrLink)
	}
	out := make([]PowerProfile, len(profiles))
	seen := make(map[int]bool, len(profiles))
	for i, p := range profiles {
		switch {
		case p.Index <= 0:
			return nil, fmt.Errorf("%w: profile %d has invalid index", ErrLink, p.Index)
		case seen[p.Index]:
			return nil, fmt.Errorf("%w: duplicate profile index %d", ErrLink, p.Index)
		case p.MaxVoltage <= 0 || p.MinVoltage > p.MaxVoltage:
			return nil, fmt.Errorf("%w: profile %d voltage range %d-%dmV", ErrLink, p.Index, p.MinVoltage, p.MaxVoltage)
		case p.MaxCurrent <= 0:
			return nil, fmt.Errorf("%w: profile %d advertises no current", ErrLink, p.Index)
		}
		seen[p.Index] = true
		if p.Kind == Fixed {
			p.MinVoltage = p.MaxVoltage
		}
		if p.MaxPower == 0 {
			p.MaxPower = p.MaxVoltage * p.MaxCurrent / 1000
		}
		out[i] = p
	}
	return out, nil
}

// Select picks the profile and request for targetMV at maxMA. Candidates must
// reach at least targetMV and maxMA; the downstream regulator only steps down.
// SPR is preferred over EPR, then the lowest power, then the lowest voltage,
// then the lowest index. A non-positive maxMA asks for the profile maximum.
func Select(profiles []PowerProfile, targetMV, maxMA, headroomMV int) (PowerProfile, Request, error) {
	var candidates []PowerProfile
	for _, p := range profiles {
		if p.Covers(targetMV, maxMA) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return PowerProfile{}, Request{}, fmt.Errorf("%w: no profile covers %dmV at %dmA", ErrUnsupportedProfile, targetMV, maxMA)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Range != b.Range {
			return a.Range < b.Range
		}
		if a.MaxPower != b.MaxPower {
			return a.MaxPower < b.MaxPower
		}
		if a.MaxVoltage != b.MaxVoltage {
			return a.MaxVoltage < b.MaxVoltage
		}
		return a.Index < b.Index
	})

	p := candidates[0]
	req := Request{ProfileIndex: p.Index, Voltage: p.MaxVoltage, Current: p.MaxCurrent}
	if p.Kind == Adjustable {
		req.Voltage = clamp(targetMV+headroomMV, p.MinVoltage, p.MaxVoltage)
	}
	if maxMA > 0 {
		req.Current = maxMA
	}
	return p, req, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
