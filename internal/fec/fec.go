// Package fec implements the forward error correction used on the cell
// monitor bus.
//
// Every packet on the wire is a 6-byte codeword: 4 payload bytes followed by
// 2 parity bytes. The code is a shortened systematic Reed-Solomon code over
// GF(2^8) (primitive polynomial x^8+x^4+x^3+x^2+1) whose codewords c satisfy
//
//	c(α^0) = c(α^1) = 0
//
// where c(x) = c0 + c1·x + ... + c5·x^5. With two parity symbols the minimum
// distance is 3, so any error confined to a single byte (which covers every
// single-bit error) is corrected. Anything worse is either detected and
// reported as ErrUncorrectable, or, for some patterns of two or more bad
// bytes, silently miscorrected. That is the limit of a distance-3 code.
package fec

import "errors"

const (
	// PayloadSize is the number of data bytes in a packet.
	PayloadSize = 4
	// CodewordSize is the number of bytes a packet occupies on the wire.
	CodewordSize = 6
)

// ErrUncorrectable is returned when a codeword holds more errors than the
// code can repair. The whole frame must be treated as lost.
var ErrUncorrectable = errors.New("fec: uncorrectable codeword")

// Payload is a decoded 4-byte packet body.
type Payload [PayloadSize]byte

// Codeword is an encoded packet as transmitted.
type Codeword [CodewordSize]byte

// Payload returns the systematic (data) part of the codeword without any
// checking.
func (c Codeword) Payload() Payload {
	var p Payload
	copy(p[:], c[:PayloadSize])
	return p
}

const primitive = 0x11D

var (
	gfExp [510]byte
	gfLog [256]int
)

func init() {
	x := 1
	for i := 0; i < 255; i++ {
		gfExp[i] = byte(x)
		gfLog[x] = i
		x <<= 1
		if x&0x100 != 0 {
			x ^= primitive
		}
	}
	for i := 255; i < len(gfExp); i++ {
		gfExp[i] = gfExp[i-255]
	}
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[gfLog[a]+gfLog[b]]
}

// gfDiv panics on b == 0; callers guarantee a non-zero divisor.
func gfDiv(a, b byte) byte {
	if b == 0 {
		panic("fec: division by zero")
	}
	if a == 0 {
		return 0
	}
	return gfExp[(gfLog[a]+255-gfLog[b])%255]
}

// Encode expands a payload into a codeword. It never fails.
func Encode(p Payload) Codeword {
	var sum, weighted byte
	for i, b := range p {
		sum ^= b
		weighted ^= gfMul(b, gfExp[i])
	}

	// Solve p4 ^ p5 = sum and p4·α^4 ^ p5·α^5 = weighted.
	p5 := gfDiv(weighted^gfMul(sum, gfExp[4]), gfExp[4]^gfExp[5])
	p4 := sum ^ p5

	var c Codeword
	copy(c[:], p[:])
	c[4] = p4
	c[5] = p5
	return c
}

// syndromes evaluates the received word at α^0 and α^1.
func syndromes(c Codeword) (s0, s1 byte) {
	for i, b := range c {
		s0 ^= b
		s1 ^= gfMul(b, gfExp[i])
	}
	return s0, s1
}

// Valid reports whether c is a codeword, without attempting correction.
func Valid(c Codeword) bool {
	s0, s1 := syndromes(c)
	return s0 == 0 && s1 == 0
}

// Decode checks a received codeword and returns its payload. corrected is 1
// when a single damaged byte had to be repaired and 0 for a clean codeword.
func Decode(c Codeword) (p Payload, corrected int, err error) {
	s0, s1 := syndromes(c)
	switch {
	case s0 == 0 && s1 == 0:
		return c.Payload(), 0, nil
	case s0 == 0 || s1 == 0:
		// A single error of value e at position j gives s0 = e and
		// s1 = e·α^j, both non-zero.
		return Payload{}, 0, ErrUncorrectable
	}

	pos := (gfLog[s1] - gfLog[s0] + 255) % 255
	if pos >= CodewordSize {
		return Payload{}, 0, ErrUncorrectable
	}
	c[pos] ^= s0
	return c.Payload(), 1, nil
}
