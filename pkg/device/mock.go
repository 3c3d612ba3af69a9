// Package device provides the output stage actuator and a simulated board.
package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"periph.io/x/conn/v3/physic"

	"github.com/itohio/gopdpsu/pkg/config"
	"github.com/itohio/gopdpsu/pkg/pd"
	"github.com/itohio/gopdpsu/pkg/pd/ap33772s"
	"github.com/itohio/gopdpsu/pkg/sensor"
)

const (
	busLSB     = 195.3125e-6 // V
	dieTempLSB = 7.8125e-3   // °C
)

// Mock simulates the power board: a USB PD source behind an AP33772S, a
// buck stage driven by PWM duty, a resistive load and an INA228 on the
// output. It is an i2c.Bus serving both chips and an Actuator for the
// buck stage.
type Mock struct {
	cfg     config.MockConfig
	shunt   config.ShuntConfig
	maxDuty uint32
	clock   clock.Clock

	mu       sync.Mutex
	profiles []pd.PowerProfile
	pdoTable []byte
	attached bool
	source   float64 // V delivered by the PD source
	srcLimit float64 // A
	result   uint8
	pdRegs   map[uint8]uint8

	duty   uint32
	vout   float64 // V
	load   float64 // Ohms
	temp   float64 // °C
	inaReg map[uint8]uint16

	sensorErr error
	lastStep  time.Time
}

// NewMock creates a simulated board with the charger detached.
func NewMock(cfg config.MockConfig, shunt config.ShuntConfig, maxDuty uint32, clk clock.Clock) *Mock {
	if clk == nil {
		clk = clock.New()
	}
	m := &Mock{
		cfg:     cfg,
		shunt:   shunt,
		maxDuty: maxDuty,
		clock:   clk,
		load:    cfg.LoadResistance,
		temp:    cfg.Ambient,
		result:  ap33772s.ResultBusy,
		pdRegs:  map[uint8]uint8{},
		inaReg: map[uint8]uint16{
			sensor.RegADCConfig: 0xFB68,
		},
	}
	m.profiles, m.pdoTable = buildProfiles(cfg.Profiles)
	return m
}

func buildProfiles(mp []config.MockProfile) ([]pd.PowerProfile, []byte) {
	table := make([]byte, (ap33772s.NumSPR+ap33772s.NumEPR)*2)
	var profiles []pd.PowerProfile
	spr, epr := 1, ap33772s.NumSPR+1
	for _, p := range mp {
		pp := pd.PowerProfile{
			Kind:       pd.Fixed,
			MinVoltage: p.MinVoltage,
			MaxVoltage: p.MaxVoltage,
			MaxCurrent: p.MaxCurrent,
		}
		if p.Adjustable {
			pp.Kind = pd.Adjustable
		}
		if p.EPR {
			if epr > ap33772s.NumSPR+ap33772s.NumEPR {
				continue
			}
			pp.Range, pp.Index = pd.EPR, epr
			epr++
		} else {
			if spr > ap33772s.NumSPR {
				continue
			}
			pp.Index = spr
			spr++
		}
		raw := ap33772s.EncodePDO(pp)
		pp, _ = ap33772s.DecodePDO(pp.Index, raw)
		binary.LittleEndian.PutUint16(table[(pp.Index-1)*2:], raw)
		profiles = append(profiles, pp)
	}
	return profiles, table
}

// Profiles returns the capabilities the simulated charger advertises.
func (m *Mock) Profiles() []pd.PowerProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]pd.PowerProfile, len(m.profiles))
	copy(out, m.profiles)
	return out
}

// SetProfiles swaps in a charger advertising mp. The sink sees it on the
// next capability read.
func (m *Mock) SetProfiles(mp []config.MockProfile) {
	profiles, table := buildProfiles(mp)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles, m.pdoTable = profiles, table
}

// Attach plugs the charger in. It starts at 5V like a real source.
func (m *Mock) Attach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached = true
	m.source = 5
	m.srcLimit = 3
	m.result = ap33772s.ResultBusy
}

// Detach unplugs the charger.
func (m *Mock) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached = false
	m.source = 0
	m.srcLimit = 0
}

// SetLoad changes the load resistance. Zero or negative means open circuit.
func (m *Mock) SetLoad(ohms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load = ohms
}

// FailSensor makes every INA228 transaction fail with err until called with nil.
func (m *Mock) FailSensor(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sensorErr = err
}

// SetTemperature forces the die temperature.
func (m *Mock) SetTemperature(c float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.temp = c
}

// SetDuty implements the buck stage actuator.
func (m *Mock) SetDuty(duty uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if duty > m.maxDuty {
		duty = m.maxDuty
	}
	m.duty = duty
	return nil
}

// Output returns the simulated output voltage and current.
func (m *Mock) Output() (physic.ElectricPotential, physic.ElectricCurrent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return physic.ElectricPotential(m.vout * float64(physic.Volt)), physic.ElectricCurrent(m.currentLocked() * float64(physic.Ampere))
}

// Source returns the voltage delivered by the simulated charger.
func (m *Mock) Source() physic.ElectricPotential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return physic.ElectricPotential(m.source * float64(physic.Volt))
}

func (m *Mock) currentLocked() float64 {
	if m.load <= 0 {
		return 0
	}
	return m.vout / m.load
}

// Step advances the simulation by dt.
func (m *Mock) Step(dt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := float64(m.duty) / float64(m.maxDuty) * m.source
	if tau := m.cfg.TimeConstant.Seconds(); tau > 0 {
		m.vout += (target - m.vout) * (1 - math.Exp(-dt.Seconds()/tau))
	} else {
		m.vout = target
	}

	p := m.vout * m.currentLocked()
	steady := m.cfg.Ambient + p*m.cfg.ThermalRes
	if tau := m.cfg.ThermalTau.Seconds(); tau > 0 {
		m.temp += (steady - m.temp) * (1 - math.Exp(-dt.Seconds()/tau))
	}
}

// Run steps the simulation at the configured sample rate until ctx is done.
func (m *Mock) Run(ctx context.Context) error {
	rate := m.cfg.SampleRate
	if rate <= 0 {
		rate = time.Millisecond
	}
	ticker := m.clock.Ticker(rate)
	defer ticker.Stop()

	m.lastStep = m.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.Step(now.Sub(m.lastStep))
			m.lastStep = now
		}
	}
}

// String implements i2c.Bus.
func (m *Mock) String() string {
	return "mock-i2c"
}

// SetSpeed implements i2c.Bus.
func (m *Mock) SetSpeed(physic.Frequency) error {
	return nil
}

// Halt implements conn.Resource.
func (m *Mock) Halt() error {
	return nil
}

// Tx implements i2c.Bus, dispatching on the device address.
func (m *Mock) Tx(addr uint16, w, r []byte) error {
	if len(w) == 0 {
		return fmt.Errorf("mock-i2c: empty write to %#02x", addr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch addr {
	case sensor.DefaultAddr:
		if m.sensorErr != nil {
			return m.sensorErr
		}
		return m.ina228Tx(w, r)
	case ap33772s.DefaultAddr:
		return m.ap33772sTx(w, r)
	}
	return fmt.Errorf("mock-i2c: no device at %#02x", addr)
}

func (m *Mock) ina228Tx(w, r []byte) error {
	reg := w[0]
	if len(w) == 3 {
		m.inaReg[reg] = binary.BigEndian.Uint16(w[1:])
		return nil
	}

	var v uint32
	switch reg {
	case sensor.RegVBus:
		v = uint32(math.Max(0, m.vout)/busLSB) << 4
	case sensor.RegVShunt:
		lsb := 312.5e-9
		if m.inaReg[sensor.RegConfig]&(1<<4) != 0 {
			lsb = 78.125e-9
		}
		code := int32(m.currentLocked() * m.shunt.Resistance / lsb)
		if code > 1<<19-1 {
			code = 1<<19 - 1
		} else if code < -(1<<19 - 1) {
			code = -(1<<19 - 1)
		}
		v = uint32(code<<4) & 0xFFFFFF
	case sensor.RegDieTemp:
		v = uint32(uint16(int16(m.temp / dieTempLSB)))
	case sensor.RegManufacture:
		v = 0x5449
	default:
		v = uint32(m.inaReg[reg])
	}

	switch len(r) {
	case 2:
		binary.BigEndian.PutUint16(r, uint16(v))
	case 3:
		r[0], r[1], r[2] = byte(v>>16), byte(v>>8), byte(v)
	default:
		return fmt.Errorf("mock-i2c: ina228 register %#02x read of %d bytes", reg, len(r))
	}
	return nil
}

func (m *Mock) ap33772sTx(w, r []byte) error {
	reg := w[0]
	switch {
	case reg == ap33772s.RegPDReqMsg && len(w) == 3:
		m.request(binary.LittleEndian.Uint16(w[1:]))
		return nil
	case len(w) == 2:
		m.pdRegs[reg] = w[1]
		return nil
	case len(r) == 0:
		return fmt.Errorf("mock-i2c: ap33772s register %#02x read of 0 bytes", reg)
	}

	switch reg {
	case ap33772s.RegStatus:
		if m.attached {
			r[0] = ap33772s.StatusStarted | ap33772s.StatusReady | ap33772s.StatusNewPDO
		} else {
			r[0] = 0
		}
	case ap33772s.RegSrcPDO:
		if m.attached {
			copy(r, m.pdoTable)
		} else {
			clear(r)
		}
	case ap33772s.RegPDMsgRlt:
		r[0] = m.result
	case ap33772s.RegVoltage:
		r[0] = uint8(math.Min(255, m.source*1000/80))
	case ap33772s.RegCurrent:
		r[0] = uint8(math.Min(255, m.currentLocked()*1000/24))
	case ap33772s.RegTemp:
		r[0] = uint8(m.temp)
	case ap33772s.RegVReq:
		binary.LittleEndian.PutUint16(r, uint16(m.source*1000/50))
	case ap33772s.RegIReq:
		binary.LittleEndian.PutUint16(r, uint16(m.srcLimit*1000/10))
	default:
		r[0] = m.pdRegs[reg]
	}
	return nil
}

// request applies a PD_REQMSG word the way a compliant source would.
func (m *Mock) request(word uint16) {
	if !m.attached {
		m.result = ap33772s.ResultFailed
		return
	}
	index, ma, mv := ap33772s.DecodeRequest(word)
	for _, p := range m.profiles {
		if p.Index != index {
			continue
		}
		if mv < p.MinVoltage || mv > p.MaxVoltage || ma > p.MaxCurrent {
			break
		}
		m.source = float64(mv) / 1000
		m.srcLimit = float64(ma) / 1000
		m.result = ap33772s.ResultSuccess
		return
	}
	m.result = ap33772s.ResultInvalid
}
