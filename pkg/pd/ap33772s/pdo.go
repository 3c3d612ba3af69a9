package ap33772s

import (
	"github.com/itohio/gopdpsu/pkg/pd"
)

// PDO word layout.
const (
	pdoDetect     = 1 << 15
	pdoAdjustable = 1 << 14
	pdoCurrentPos = 10
	pdoMinVPos    = 8
	pdoVoltage    = 0xFF

	maxCurrentCode = 15
)

func voltageUnit(index int) int {
	if index > NumSPR {
		return 200
	}
	return 100
}

// CurrentMA converts a 4 bit current code to the lower bound of its range.
// The top code means 5A or more.
func CurrentMA(code uint16) int {
	code &= 0x0F
	if code == maxCurrentCode {
		return 5000
	}
	return 1000 + 250*int(code)
}

// CurrentCode returns the smallest code whose range reaches ma.
func CurrentCode(ma int) uint16 {
	if ma <= 1000 {
		return 0
	}
	code := (ma - 1000 + 249) / 250
	if code > maxCurrentCode {
		code = maxCurrentCode
	}
	return uint16(code)
}

func minVoltage(index int, code uint16) int {
	if index > NumSPR {
		if code == 2 {
			return 20000
		}
		return 15000
	}
	if code == 2 {
		return 5000
	}
	return 3300
}

func minVoltageCode(index, mv int) uint16 {
	if index > NumSPR {
		if mv >= 20000 {
			return 2
		}
		return 1
	}
	if mv >= 5000 {
		return 2
	}
	return 1
}

// DecodePDO decodes the source PDO at 1-based index. ok is false for empty slots.
func DecodePDO(index int, raw uint16) (p pd.PowerProfile, ok bool) {
	if raw&pdoDetect == 0 {
		return p, false
	}
	p = pd.PowerProfile{
		Index:      index,
		Kind:       pd.Fixed,
		MaxVoltage: int(raw&pdoVoltage) * voltageUnit(index),
		MaxCurrent: CurrentMA(raw >> pdoCurrentPos),
	}
	if index > NumSPR {
		p.Range = pd.EPR
	}
	p.MinVoltage = p.MaxVoltage
	if raw&pdoAdjustable != 0 {
		p.Kind = pd.Adjustable
		p.MinVoltage = minVoltage(index, (raw>>pdoMinVPos)&0x03)
	}
	p.MaxPower = p.MaxVoltage * p.MaxCurrent / 1000
	return p, true
}

// EncodePDO is the inverse of DecodePDO.
func EncodePDO(p pd.PowerProfile) uint16 {
	raw := uint16(pdoDetect)
	raw |= CurrentCode(p.MaxCurrent) << pdoCurrentPos
	raw |= uint16(p.MaxVoltage/voltageUnit(p.Index)) & pdoVoltage
	if p.Kind == pd.Adjustable {
		raw |= pdoAdjustable
		raw |= minVoltageCode(p.Index, p.MinVoltage) << pdoMinVPos
	}
	return raw
}

// EncodeRequest builds the PD_REQMSG word for req against profile p. The
// voltage select of an adjustable profile is rounded up so the source never
// delivers less than requested.
func EncodeRequest(p pd.PowerProfile, req pd.Request) uint16 {
	unit := voltageUnit(p.Index)
	maxSel := p.MaxVoltage / unit
	sel := maxSel
	if p.Kind == pd.Adjustable {
		sel = (req.Voltage + unit - 1) / unit
		if sel > maxSel {
			sel = maxSel
		}
	}
	return uint16(p.Index&0x0F)<<12 | CurrentCode(req.Current)<<8 | uint16(sel)&0xFF
}

// DecodeRequest splits a PD_REQMSG word into the 1-based profile index,
// the lower bound of the requested current and the voltage in mV.
func DecodeRequest(word uint16) (index, currentMA, voltageMV int) {
	index = int(word >> 12)
	currentMA = CurrentMA(word >> 8)
	voltageMV = int(word&0xFF) * voltageUnit(index)
	return index, currentMA, voltageMV
}
