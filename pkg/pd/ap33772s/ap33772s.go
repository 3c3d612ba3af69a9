// Package ap33772s implements a pd.Link for the Diodes AP33772S USB PD 3.1
// sink controller.
package ap33772s

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"

	"github.com/itohio/gopdpsu/pkg/pd"
)

const (
	DefaultAddr = 0x52

	NumSPR = 7
	NumEPR = 6

	RegStatus   = 0x01
	RegMask     = 0x02
	RegConfig   = 0x04
	RegVoltage  = 0x11
	RegCurrent  = 0x12
	RegTemp     = 0x13
	RegVReq     = 0x14
	RegIReq     = 0x15
	RegSrcPDO   = 0x20
	RegPDReqMsg = 0x31
	RegPDMsgRlt = 0x33

	StatusStarted = 1 << 0
	StatusReady   = 1 << 1
	StatusNewPDO  = 1 << 2

	configUVP = 1 << 3
	configOVP = 1 << 4
	configOCP = 1 << 5
	configOTP = 1 << 6
	configDR  = 1 << 7

	voltageLSB = 80 // mV
	currentLSB = 24 // mA
)

// Results reported in PD_MSGRLT.
const (
	ResultBusy         = 0
	ResultSuccess      = 1
	ResultInvalid      = 2
	ResultNotSupported = 3
	ResultFailed       = 4
)

// Protections selects which on-chip protections are armed.
type Protections struct {
	UVP      bool
	OVP      bool
	OCP      bool
	OTP      bool
	DeRating bool
}

// Device is an AP33772S on an I²C bus.
type Device struct {
	d i2c.Dev

	// PollInterval is the wait between PD_MSGRLT reads after a request.
	PollInterval time.Duration

	mu       sync.Mutex
	scratch  [1 + (NumSPR+NumEPR)*2]byte
	profiles map[int]pd.PowerProfile
}

var _ pd.Link = (*Device)(nil)

// New returns a driver for the controller on bus.
func New(bus i2c.Bus) *Device {
	return &Device{
		d:            i2c.Dev{Bus: bus, Addr: DefaultAddr},
		PollInterval: 5 * time.Millisecond,
	}
}

// ConfigureProtections arms the selected protections and enables the
// status bits the driver relies on.
func (d *Device) ConfigureProtections(p Protections) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writeReg(RegMask, StatusStarted|StatusReady|StatusNewPDO); err != nil {
		return fmt.Errorf("ap33772s: mask: %w", err)
	}
	v, err := d.readReg(RegConfig)
	if err != nil {
		return fmt.Errorf("ap33772s: config: %w", err)
	}
	v &^= configUVP | configOVP | configOCP | configOTP | configDR
	for _, b := range []struct {
		on  bool
		bit uint8
	}{{p.UVP, configUVP}, {p.OVP, configOVP}, {p.OCP, configOCP}, {p.OTP, configOTP}, {p.DeRating, configDR}} {
		if b.on {
			v |= b.bit
		}
	}
	if err := d.writeReg(RegConfig, v); err != nil {
		return fmt.Errorf("ap33772s: config: %w", err)
	}
	return nil
}

// Attached reports whether a source has finished capability exchange.
func (d *Device) Attached(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, err := d.readReg(RegStatus)
	if err != nil {
		return false, fmt.Errorf("%w: ap33772s: status: %w", pd.ErrLink, err)
	}
	return v&StatusReady != 0, nil
}

// Capabilities reads and decodes the source PDO table.
func (d *Device) Capabilities(ctx context.Context) ([]pd.PowerProfile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	req, pdos := d.scratch[:1], d.scratch[1:]
	req[0] = RegSrcPDO
	if err := d.d.Tx(req, pdos); err != nil {
		return nil, fmt.Errorf("%w: ap33772s: pdo: %w", pd.ErrLink, err)
	}

	var out []pd.PowerProfile
	d.profiles = make(map[int]pd.PowerProfile)
	for i := 0; i < NumSPR+NumEPR; i++ {
		p, ok := DecodePDO(i+1, binary.LittleEndian.Uint16(pdos[i*2:]))
		if !ok {
			continue
		}
		out = append(out, p)
		d.profiles[p.Index] = p
	}
	return out, nil
}

// Request sends a PD request and waits for the source to answer.
func (d *Device) Request(ctx context.Context, req pd.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.profiles[req.ProfileIndex]
	if !ok {
		return fmt.Errorf("%w: ap33772s: PDO %d not advertised", pd.ErrUnsupportedProfile, req.ProfileIndex)
	}

	w := d.scratch[:3]
	w[0] = RegPDReqMsg
	binary.LittleEndian.PutUint16(w[1:], EncodeRequest(p, req))
	if err := d.d.Tx(w, nil); err != nil {
		return fmt.Errorf("%w: ap33772s: request: %w", pd.ErrLink, err)
	}

	for {
		v, err := d.readReg(RegPDMsgRlt)
		if err != nil {
			return fmt.Errorf("%w: ap33772s: result: %w", pd.ErrLink, err)
		}
		switch v & 0x0F {
		case ResultSuccess:
			return nil
		case ResultInvalid, ResultNotSupported:
			return fmt.Errorf("%w: ap33772s: source rejected PDO %d (%d)", pd.ErrUnsupportedProfile, req.ProfileIndex, v)
		case ResultBusy:
		default:
			return fmt.Errorf("%w: ap33772s: request failed (%d)", pd.ErrLink, v)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: ap33772s: %w", pd.ErrLink, ctx.Err())
		case <-time.After(d.PollInterval):
		}
	}
}

// Reading is the controller's own view of VBUS.
type Reading struct {
	Voltage     physic.ElectricPotential
	Current     physic.ElectricCurrent
	Temperature physic.Temperature
	Requested   physic.ElectricPotential
}

// Measure reads the controller's VBUS voltage, current, thermistor
// temperature and requested voltage. It is diagnostic only.
func (d *Device) Measure() (Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var r Reading
	v, err := d.readReg(RegVoltage)
	if err != nil {
		return r, fmt.Errorf("ap33772s: voltage: %w", err)
	}
	r.Voltage = physic.ElectricPotential(v) * voltageLSB * physic.MilliVolt

	c, err := d.readReg(RegCurrent)
	if err != nil {
		return r, fmt.Errorf("ap33772s: current: %w", err)
	}
	r.Current = physic.ElectricCurrent(c) * currentLSB * physic.MilliAmpere

	t, err := d.readReg(RegTemp)
	if err != nil {
		return r, fmt.Errorf("ap33772s: temperature: %w", err)
	}
	r.Temperature = physic.ZeroCelsius + physic.Temperature(t)*physic.Celsius

	req, resp := d.scratch[:1], d.scratch[1:3]
	req[0] = RegVReq
	if err := d.d.Tx(req, resp); err != nil {
		return r, fmt.Errorf("ap33772s: vreq: %w", err)
	}
	r.Requested = physic.ElectricPotential(binary.LittleEndian.Uint16(resp)) * 50 * physic.MilliVolt
	return r, nil
}

func (d *Device) writeReg(reg, val uint8) error {
	w := d.scratch[:2]
	w[0], w[1] = reg, val
	return d.d.Tx(w, nil)
}

func (d *Device) readReg(reg uint8) (uint8, error) {
	w, r := d.scratch[:1], d.scratch[1:2]
	w[0] = reg
	err := d.d.Tx(w, r)
	return r[0], err
}
