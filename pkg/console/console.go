// Package console implements the line oriented operator console.
//
//	set <mV> [on|off]   new setpoint, keeps the enable state when omitted
//	on | off            enable or disable the output
//	volt+ | volt-       step the setpoint by 1V
//	up | down           step the setpoint by 100mV
//	fine+ | fine-       step the setpoint by 10mV
//	ack                 request fault acknowledge
//	status              print the last snapshot
//	cal [samples]       zero-offset calibration, output must be unloaded
//	help
//
// Every command answers with one line starting with "ok" or "error".
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/itohio/gopdpsu/pkg/control"
	"github.com/itohio/gopdpsu/pkg/sensor"
)

// ErrUnknownCommand is returned for unrecognised input.
var ErrUnknownCommand = errors.New("unknown command")

// Target is the controller surface the console drives.
type Target interface {
	SetSetpoint(mv int, enabled bool) error
	Setpoint() control.Setpoint
	AcknowledgeFault()
	Snapshot() control.Snapshot
	Calibrate(ctx context.Context, n int) (sensor.Calibration, error)
}

var _ Target = (*control.Controller)(nil)

var steps = map[string]int{
	"volt+": 1000,
	"volt-": -1000,
	"up":    100,
	"down":  -100,
	"fine+": control.SetpointStep,
	"fine-": -control.SetpointStep,
}

// Console parses commands and applies them to a Target.
type Console struct {
	t   Target
	log *zap.SugaredLogger
}

// New creates a console for t.
func New(t Target, logger *zap.SugaredLogger) *Console {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Console{t: t, log: logger}
}

// Serve reads commands from r and writes replies to w until r is exhausted
// or ctx is done. Closing r is the way to stop a blocked read.
func (c *Console) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply, err := c.Execute(ctx, line)
		if err != nil {
			c.log.Debugw("console command rejected", "command", line, "error", err)
			reply = "error: " + err.Error()
		} else {
			reply = "ok " + reply
		}
		if _, err := fmt.Fprintln(w, strings.TrimSpace(reply)); err != nil {
			return fmt.Errorf("console: write: %w", err)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("console: read: %w", err)
	}
	return nil
}

// Execute runs one command line and returns the reply without the status
// prefix.
func (c *Console) Execute(ctx context.Context, line string) (string, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return "", ErrUnknownCommand
	}
	cmd, args := fields[0], fields[1:]

	if delta, ok := steps[cmd]; ok {
		return c.step(delta)
	}

	switch cmd {
	case "set":
		return c.set(args)
	case "on", "off":
		sp := c.t.Setpoint()
		if err := c.t.SetSetpoint(sp.Voltage, cmd == "on"); err != nil {
			return "", err
		}
		return formatSetpoint(c.t.Setpoint()), nil
	case "ack":
		c.t.AcknowledgeFault()
		return "acknowledge requested", nil
	case "status":
		return formatSnapshot(c.t.Snapshot()), nil
	case "cal":
		n := 0
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v <= 0 {
				return "", fmt.Errorf("bad sample count %q", args[0])
			}
			n = v
		}
		cal, err := c.t.Calibrate(ctx, n)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("offsets %.2fmV %.2fmA", cal.VoltageOffset, cal.CurrentOffset), nil
	case "help":
		return "set <mV> [on|off], on, off, volt+, volt-, up, down, fine+, fine-, ack, status, cal [n]", nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownCommand, cmd)
}

func (c *Console) set(args []string) (string, error) {
	if len(args) == 0 || len(args) > 2 {
		return "", errors.New("usage: set <mV> [on|off]")
	}
	mv, err := strconv.Atoi(args[0])
	if err != nil {
		return "", fmt.Errorf("bad voltage %q", args[0])
	}
	enabled := c.t.Setpoint().Enabled
	if len(args) == 2 {
		switch args[1] {
		case "on":
			enabled = true
		case "off":
			enabled = false
		default:
			return "", fmt.Errorf("bad state %q", args[1])
		}
	}
	if err := c.t.SetSetpoint(mv, enabled); err != nil {
		return "", err
	}
	return formatSetpoint(c.t.Setpoint()), nil
}

// step nudges the setpoint, clamping at zero and at the ceiling of the
// active contract's profile.
func (c *Console) step(delta int) (string, error) {
	sp := c.t.Setpoint()
	mv := sp.Voltage + delta
	if ct := c.t.Snapshot().Contract; ct != nil && mv > ct.ProfileMax {
		mv = ct.ProfileMax - ct.ProfileMax%control.SetpointStep
	}
	if mv < 0 {
		mv = 0
	}
	if err := c.t.SetSetpoint(mv, sp.Enabled); err != nil {
		return "", err
	}
	return formatSetpoint(c.t.Setpoint()), nil
}

func formatSetpoint(sp control.Setpoint) string {
	state := "off"
	if sp.Enabled {
		state = "on"
	}
	return fmt.Sprintf("setpoint %dmV %s", sp.Voltage, state)
}

func formatSnapshot(s control.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "tick=%d set=%dmV target=%dmV duty=%d out=%t", s.Tick, s.Setpoint.Voltage, s.Target, s.Duty, s.OutputEnabled)
	if s.SampleError != nil {
		fmt.Fprintf(&b, " sample_error=%q", s.SampleError.Error())
	} else {
		fmt.Fprintf(&b, " meas=%q", s.Measurement.String())
	}
	fmt.Fprintf(&b, " fault=%s latched=%t interlock=%s", s.Fault.Kind, s.Fault.Latched, s.Interlock)
	if s.Contract != nil {
		fmt.Fprintf(&b, " contract=%q", s.Contract.String())
	} else {
		b.WriteString(" contract=none")
	}
	if s.AckRejected {
		b.WriteString(" ack=rejected")
	}
	return b.String()
}
