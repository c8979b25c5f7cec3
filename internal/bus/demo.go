package bus

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/cellbus/internal/cells"
	"github.com/shaunagostinho/cellbus/internal/fec"
	"github.com/shaunagostinho/cellbus/internal/framing"
)

// DemoConfig configures a simulated monitor chain.
type DemoConfig struct {
	Cells int
	// BitErrorRate is the probability that a response frame has one bit
	// flipped on the wire. Single-bit errors are always corrected.
	BitErrorRate float64
	Seed         int64
	// Idle is how long Read waits when nothing is pending, like a port
	// read timeout.
	Idle time.Duration
}

// Thresholds the simulated monitors use to raise fault flags.
const (
	demoOverVoltage     = 4200
	demoUnderVoltage    = 2800
	demoOverTemperature = 180 // raw units
)

// DemoChain simulates a chain of cell monitors for development and testing.
// Each command written to it produces one response frame per cell, queued
// for Read.
type DemoChain struct {
	mu      sync.Mutex
	rng     *rand.Rand
	t       float64 // virtual time accumulator
	cfg     DemoConfig
	offsets []float64
	rx      *framing.Reader
	pending []byte
	target  *int16
}

// NewDemoChain creates a simulated chain of cfg.Cells monitors.
func NewDemoChain(cfg DemoConfig) *DemoChain {
	if cfg.Idle <= 0 {
		cfg.Idle = 5 * time.Millisecond
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	offsets := make([]float64, cfg.Cells)
	for i := range offsets {
		offsets[i] = rng.Float64()*60 - 30 // ±30 mV manufacturing spread
	}
	return &DemoChain{
		rng:     rng,
		cfg:     cfg,
		offsets: offsets,
		rx:      framing.NewReader(1),
	}
}

func (d *DemoChain) Name() string   { return "Demo (Simulated)" }
func (d *DemoChain) Connect() error { return nil }
func (d *DemoChain) Close() error   { return nil }

// Write accepts command codewords. Every complete, decodable command queues
// a full set of responses. Corrupt commands are ignored, as a real monitor
// would.
func (d *DemoChain) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rx.Feed(p)
	for {
		cw, ok := d.rx.Next()
		if !ok {
			break
		}
		cmd, _, err := fec.Decode(cw)
		if err != nil {
			continue
		}
		d.target = ParseCommand(cmd)
		d.respond()
	}
	return len(p), nil
}

func (d *DemoChain) respond() {
	d.t += 0.25

	// Pack voltage swings slowly between charge and discharge.
	pack := 3300 + 250*math.Sin(d.t*0.05)

	for i := 0; i < d.cfg.Cells; i++ {
		mv := pack + d.offsets[i] + d.rng.Float64()*4 - 2
		temp := 150 + 15*math.Sin(d.t*0.02+float64(i)) + d.rng.Float64()*2

		r := cells.Record{
			Millivolts:  uint16(mv),
			Temperature: uint16(temp),
		}
		if d.target != nil && int(r.Millivolts) > int(*d.target) {
			r.Balancing = true
		}
		r.OverVoltage = r.Millivolts > demoOverVoltage
		r.UnderVoltage = r.Millivolts < demoUnderVoltage
		r.OverTemperature = r.Temperature > demoOverTemperature

		p, err := r.Pack()
		if err != nil {
			// Leave the position for the controller to report as corrupt.
			for j := 0; j < fec.CodewordSize; j++ {
				d.pending = append(d.pending, 0xFF)
			}
			continue
		}
		cw := fec.Encode(p)
		if d.cfg.BitErrorRate > 0 && d.rng.Float64() < d.cfg.BitErrorRate {
			bit := d.rng.Intn(fec.CodewordSize * 8)
			cw[bit/8] ^= 1 << (bit % 8)
		}
		d.pending = append(d.pending, cw[:]...)
	}
}

// Read returns queued response bytes, or waits Idle and returns 0 when the
// chain is silent.
func (d *DemoChain) Read(p []byte) (int, error) {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		time.Sleep(d.cfg.Idle)
		return 0, nil
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	d.mu.Unlock()
	return n, nil
}

// ResetInputBuffer drops responses that have not been read.
func (d *DemoChain) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = nil
	return nil
}
