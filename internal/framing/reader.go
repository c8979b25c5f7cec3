// Package framing slices the continuous byte stream coming off the cell bus
// into fixed-length codewords.
//
// The protocol has no start marker or length field: a frame is simply the
// next fec.CodewordSize bytes. If a byte is ever lost, every later frame in
// the same buffer is misaligned and will fail to decode. The reader does not
// try to resynchronise. The bus controller clears it at the start of every
// poll cycle, which realigns on the next command.
package framing

import "github.com/shaunagostinho/cellbus/internal/fec"

// Reader accumulates received bytes and hands out complete codewords in
// arrival order. The zero value is ready to use.
type Reader struct {
	buf []byte
}

// NewReader returns a reader with room for n frames before it has to grow.
func NewReader(n int) *Reader {
	if n < 1 {
		n = 1
	}
	return &Reader{buf: make([]byte, 0, n*fec.CodewordSize)}
}

// Feed appends newly received bytes. It never blocks and accepts empty input.
func (r *Reader) Feed(p []byte) {
	r.buf = append(r.buf, p...)
}

// Next removes and returns the oldest complete frame. ok is false when fewer
// than fec.CodewordSize bytes are buffered.
func (r *Reader) Next() (c fec.Codeword, ok bool) {
	if len(r.buf) < fec.CodewordSize {
		return c, false
	}
	copy(c[:], r.buf[:fec.CodewordSize])
	n := copy(r.buf, r.buf[fec.CodewordSize:])
	r.buf = r.buf[:n]
	return c, true
}

// Buffered returns the number of bytes waiting to complete a frame.
func (r *Reader) Buffered() int { return len(r.buf) }

// Clear discards everything buffered, including a partial frame.
func (r *Reader) Clear() { r.buf = r.buf[:0] }
