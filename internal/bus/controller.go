// Package bus drives one poll cycle at a time over the cell monitor chain.
//
// A cycle is a broadcast command followed by one response frame per monitor,
// in chain order. The bus has no addressing: the k-th frame received belongs
// to chain position k.
package bus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/shaunagostinho/cellbus/internal/cells"
	"github.com/shaunagostinho/cellbus/internal/fec"
	"github.com/shaunagostinho/cellbus/internal/framing"
)

// NoTarget is the command value meaning "report only, no balancing target".
const NoTarget int16 = math.MinInt16

const readChunk = 64

// Config holds controller settings.
type Config struct {
	Cells      int           // chain length
	BaudRate   int           // used to size the default read window
	ReadWindow time.Duration // max time spent collecting responses per cycle
	ByteBudget int           // max bytes read per cycle, 0 for 2 frames per cell
}

// CycleReport describes the most recent poll cycle.
type CycleReport struct {
	Updated   int           `json:"updated"`
	Corrupt   int           `json:"corrupt"`   // frames that failed FEC
	Corrected int           `json:"corrected"` // frames repaired by FEC
	Bytes     int           `json:"bytes"`
	Stale     []int         `json:"stale"` // positions not refreshed this cycle
	Duration  time.Duration `json:"duration"`
	Err       string        `json:"err,omitempty"`
}

// Controller owns the cell store and the frame reader and serialises poll
// cycles on the shared bus.
type Controller struct {
	stream Stream
	cfg    Config

	mu     sync.Mutex
	store  *cells.Store
	reader *framing.Reader
	target *int16
	last   CycleReport
}

// New creates a controller for cfg.Cells monitors on stream.
func New(cfg Config, stream Stream) (*Controller, error) {
	if cfg.Cells < 1 {
		return nil, fmt.Errorf("bus: %w (cells=%d)", cells.ErrEmptyStore, cfg.Cells)
	}
	if stream == nil {
		return nil, errors.New("bus: nil stream")
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadWindow <= 0 {
		cfg.ReadWindow = readWindowFor(cfg.Cells, cfg.BaudRate)
	}
	if cfg.ByteBudget <= 0 {
		cfg.ByteBudget = 2 * cfg.Cells * fec.CodewordSize
	}
	return &Controller{
		stream: stream,
		cfg:    cfg,
		store:  cells.NewStore(cfg.Cells),
		reader: framing.NewReader(cfg.Cells),
	}, nil
}

// readWindowFor is the time the whole chain needs to answer, doubled, plus
// a fixed allowance for per-hop relay latency.
func readWindowFor(n, baud int) time.Duration {
	bits := (n + 1) * fec.CodewordSize * 10 // 8N1
	wire := time.Duration(bits) * time.Second / time.Duration(baud)
	return 2*wire + 50*time.Millisecond
}

// Begin discards any pending input and partial frames. It is idempotent.
func (c *Controller) Begin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.begin()
}

func (c *Controller) begin() {
	if err := c.stream.ResetInputBuffer(); err != nil && !errors.Is(err, ErrNotConnected) {
		log.Printf("[bus] reset input buffer: %v", err)
	}
	c.reader.Clear()
}

// CommandPayload builds the broadcast command for target. nil means no target.
func CommandPayload(target *int16) fec.Payload {
	v := NoTarget
	if target != nil {
		v = *target
	}
	var p fec.Payload
	binary.BigEndian.PutUint16(p[0:2], uint16(v))
	return p
}

// ParseCommand is the inverse of CommandPayload.
func ParseCommand(p fec.Payload) *int16 {
	v := int16(binary.BigEndian.Uint16(p[0:2]))
	if v == NoTarget {
		return nil
	}
	return &v
}

// SendCommand encodes and writes one command packet.
func (c *Controller) SendCommand(target *int16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCommand(target)
}

func (c *Controller) sendCommand(target *int16) error {
	cw := fec.Encode(CommandPayload(target))
	n, err := c.stream.Write(cw[:])
	if err != nil {
		return fmt.Errorf("bus: write command: %w", err)
	}
	if n != len(cw) {
		return fmt.Errorf("bus: short command write: %d/%d bytes", n, len(cw))
	}
	return nil
}

// SetTarget sets the balancing target sent with every poll. nil clears it.
func (c *Controller) SetTarget(millivolts *int16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if millivolts == nil {
		c.target = nil
		return
	}
	v := *millivolts
	c.target = &v
}

// Target returns the current balancing target, or nil.
func (c *Controller) Target() *int16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target == nil {
		return nil
	}
	v := *c.target
	return &v
}

// Cells returns the configured chain length.
func (c *Controller) Cells() int { return c.cfg.Cells }

// PollCycle sends the current command and collects one response frame per
// monitor until the chain is complete, the read window closes, or the byte
// budget is spent. Frames that fail FEC are skipped; their records keep the
// previous cycle's values. It returns the number of records updated. The
// error is non-nil only when the command could not be sent.
func (c *Controller) PollCycle() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	report := CycleReport{}
	defer func() {
		report.Duration = time.Since(start)
		c.last = report
	}()

	c.begin()
	if err := c.sendCommand(c.target); err != nil {
		report.Stale = stalePositions(nil, c.cfg.Cells)
		report.Err = err.Error()
		return 0, err
	}

	fresh := make([]bool, c.cfg.Cells)
	pos := 0
	deadline := start.Add(c.cfg.ReadWindow)
	buf := make([]byte, readChunk)

	for pos < c.cfg.Cells && report.Bytes < c.cfg.ByteBudget && time.Now().Before(deadline) {
		want := c.cfg.ByteBudget - report.Bytes
		if want > len(buf) {
			want = len(buf)
		}
		n, err := c.stream.Read(buf[:want])
		if n > 0 {
			report.Bytes += n
			c.reader.Feed(buf[:n])
			pos = c.consume(pos, fresh, &report)
		}
		if err != nil {
			report.Err = err.Error()
			log.Printf("[bus] read error after %d bytes: %v", report.Bytes, err)
			break
		}
	}

	report.Stale = stalePositions(fresh, c.cfg.Cells)
	return report.Updated, nil
}

// consume decodes every complete frame buffered so far, starting at chain
// position pos, and returns the next position.
func (c *Controller) consume(pos int, fresh []bool, report *CycleReport) int {
	for pos < c.cfg.Cells {
		cw, ok := c.reader.Next()
		if !ok {
			break
		}
		p, corrected, err := fec.Decode(cw)
		if err != nil {
			report.Corrupt++
			pos++
			continue
		}
		if err := c.store.Apply(pos, p); err != nil {
			// pos is bounded by the store length above.
			panic(err)
		}
		report.Corrected += corrected
		report.Updated++
		fresh[pos] = true
		pos++
	}
	return pos
}

func stalePositions(fresh []bool, n int) []int {
	stale := []int{}
	for i := 0; i < n; i++ {
		if fresh == nil || !fresh[i] {
			stale = append(stale, i)
		}
	}
	return stale
}

// LastCycle returns the report of the most recent PollCycle.
func (c *Controller) LastCycle() CycleReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.last
	r.Stale = append([]int{}, c.last.Stale...)
	return r
}

// Snapshot returns a copy of the cell store and the last cycle report.
func (c *Controller) Snapshot() (*cells.Store, CycleReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.last
	r.Stale = append([]int{}, c.last.Stale...)
	return c.store.Clone(), r
}
