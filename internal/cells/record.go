package cells

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/shaunagostinho/cellbus/internal/fec"
)

// Status bits carried in payload byte 3. Bits 4-7 are reserved and ignored.
const (
	StatusBalancing       = 1 << 0
	StatusOverTemperature = 1 << 1
	StatusOverVoltage     = 1 << 2
	StatusUnderVoltage    = 1 << 3
)

// MaxTemperature is the largest raw temperature a response can carry.
const MaxTemperature = 0xFF

// ErrFieldRange means a record value does not fit its payload field.
var ErrFieldRange = errors.New("cells: value does not fit payload field")

// Record is the latest reading from one cell monitor.
type Record struct {
	Millivolts      uint16 `json:"millivolts"`
	Temperature     uint16 `json:"temperature"` // raw sensor value
	Balancing       bool   `json:"balancing"`
	OverTemperature bool   `json:"overTemperature"`
	OverVoltage     bool   `json:"overVoltage"`
	UnderVoltage    bool   `json:"underVoltage"`
}

// Unpack decodes a monitor response payload:
//
//	byte 0-1  millivolts, big-endian
//	byte 2    temperature, raw
//	byte 3    status bit-field
func Unpack(p fec.Payload) Record {
	status := p[3]
	return Record{
		Millivolts:      binary.BigEndian.Uint16(p[0:2]),
		Temperature:     uint16(p[2]),
		Balancing:       status&StatusBalancing != 0,
		OverTemperature: status&StatusOverTemperature != 0,
		OverVoltage:     status&StatusOverVoltage != 0,
		UnderVoltage:    status&StatusUnderVoltage != 0,
	}
}

// Pack is the inverse of Unpack. A temperature above MaxTemperature is
// rejected with ErrFieldRange rather than truncated.
func (r Record) Pack() (fec.Payload, error) {
	var p fec.Payload
	if r.Temperature > MaxTemperature {
		return p, fmt.Errorf("%w: temperature %d > %d", ErrFieldRange, r.Temperature, MaxTemperature)
	}
	binary.BigEndian.PutUint16(p[0:2], r.Millivolts)
	p[2] = byte(r.Temperature)
	p[3] = r.status()
	return p, nil
}

func (r Record) status() byte {
	var s byte
	if r.Balancing {
		s |= StatusBalancing
	}
	if r.OverTemperature {
		s |= StatusOverTemperature
	}
	if r.OverVoltage {
		s |= StatusOverVoltage
	}
	if r.UnderVoltage {
		s |= StatusUnderVoltage
	}
	return s
}
