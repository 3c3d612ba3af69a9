package sensor

import (
	"fmt"
	"math"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"

	"github.com/itohio/gopdpsu/pkg/config"
)

// INA228 register map.
const (
	DefaultAddr = 0x40

	RegConfig      = 0x00
	RegADCConfig   = 0x01
	RegShuntCal    = 0x02
	RegShuntTempCo = 0x03
	RegVShunt      = 0x04
	RegVBus        = 0x05
	RegDieTemp     = 0x06
	RegCurrent     = 0x07
	RegPower       = 0x08
	RegManufacture = 0x3E

	manufacturerTI = 0x5449

	configTempComp = 1 << 5
	configADCRange = 1 << 4
	adcAvgMask     = 0x0007
)

// Raw holds unconverted INA228 register codes.
type Raw struct {
	Bus     uint32 // VBUS, 20 bit unsigned
	Shunt   int32  // VSHUNT, 20 bit two's complement
	DieTemp int16  // DIETEMP
}

// Device reads raw counts from a current/voltage monitor. The bus
// transaction belongs to the device; calibration belongs to the caller.
type Device interface {
	ReadRaw() (Raw, error)
}

// INA228 is a register-level driver for the TI INA228 power monitor.
type INA228 struct {
	d   i2c.Dev
	buf [3]byte
}

var _ Device = (*INA228)(nil)

// NewINA228 returns a driver for the monitor at addr on bus.
func NewINA228(bus i2c.Bus, addr uint16) *INA228 {
	if addr == 0 {
		addr = DefaultAddr
	}
	return &INA228{d: i2c.Dev{Bus: bus, Addr: addr}}
}

// Configure programs ADC range, temperature compensation, averaging, shunt
// calibration and shunt temperature coefficient.
func (d *INA228) Configure(cfg config.ShuntConfig) error {
	id, err := d.read16(RegManufacture)
	if err != nil {
		return fmt.Errorf("ina228: %w", err)
	}
	if id != manufacturerTI {
		return fmt.Errorf("ina228: unexpected manufacturer id %#04x", id)
	}
	if err := d.d.Bus.SetSpeed(400 * physic.KiloHertz); err != nil {
		return fmt.Errorf("ina228: speed: %w", err)
	}

	conf := uint16(configTempComp)
	if cfg.LowRange {
		conf |= configADCRange
	}
	if err := d.write16(RegConfig, conf); err != nil {
		return fmt.Errorf("ina228: config: %w", err)
	}

	adc, err := d.read16(RegADCConfig)
	if err != nil {
		return fmt.Errorf("ina228: adc config: %w", err)
	}
	adc = adc&^adcAvgMask | uint16(cfg.Averaging)&adcAvgMask
	if err := d.write16(RegADCConfig, adc); err != nil {
		return fmt.Errorf("ina228: adc config: %w", err)
	}

	if err := d.write16(RegShuntCal, ShuntCal(cfg)); err != nil {
		return fmt.Errorf("ina228: shunt cal: %w", err)
	}
	if err := d.write16(RegShuntTempCo, uint16(cfg.TempCoefficient)); err != nil {
		return fmt.Errorf("ina228: shunt tempco: %w", err)
	}
	return nil
}

// ShuntCal computes the SHUNT_CAL register so that the on-chip CURRENT and
// POWER registers agree with Calibration.
func ShuntCal(cfg config.ShuntConfig) uint16 {
	fullScale := shuntFullScale(cfg.LowRange)
	currentLSB := fullScale / cfg.Resistance / (1 << 19)
	v := 13107.2e6 * currentLSB * cfg.Resistance
	if cfg.LowRange {
		v *= 4
	}
	return uint16(math.Round(v))
}

// ReadRaw reads bus voltage, shunt voltage and die temperature.
func (d *INA228) ReadRaw() (Raw, error) {
	vbus, err := d.read24(RegVBus)
	if err != nil {
		return Raw{}, fmt.Errorf("ina228: vbus: %w", err)
	}
	vshunt, err := d.read24(RegVShunt)
	if err != nil {
		return Raw{}, fmt.Errorf("ina228: vshunt: %w", err)
	}
	temp, err := d.read16(RegDieTemp)
	if err != nil {
		return Raw{}, fmt.Errorf("ina228: dietemp: %w", err)
	}
	return Raw{
		Bus:     vbus >> 4,
		Shunt:   signExtend20(vshunt >> 4),
		DieTemp: int16(temp),
	}, nil
}

func (d *INA228) read16(reg uint8) (uint16, error) {
	if err := d.d.Tx([]byte{reg}, d.buf[:2]); err != nil {
		return 0, err
	}
	return uint16(d.buf[0])<<8 | uint16(d.buf[1]), nil
}

func (d *INA228) read24(reg uint8) (uint32, error) {
	if err := d.d.Tx([]byte{reg}, d.buf[:3]); err != nil {
		return 0, err
	}
	return uint32(d.buf[0])<<16 | uint32(d.buf[1])<<8 | uint32(d.buf[2]), nil
}

func (d *INA228) write16(reg uint8, v uint16) error {
	return d.d.Tx([]byte{reg, byte(v >> 8), byte(v)}, nil)
}

func signExtend20(v uint32) int32 {
	v &= 0xFFFFF
	if v&0x80000 != 0 {
		return int32(v) - 0x100000
	}
	return int32(v)
}
