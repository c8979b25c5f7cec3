package bus

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is the line rate of cell monitors from v2.0 onwards.
const DefaultBaudRate = 19200

// ErrNotConnected is returned by a SerialStream that has no open port.
var ErrNotConnected = errors.New("bus: not connected")

// Stream is the duplex byte link to the monitor chain.
//
// Read returns whatever bytes are available. When none arrive before the
// link's read timeout it returns 0 and a nil error, so a silent bus never
// blocks the caller for long. go.bug.st/serial ports satisfy this directly.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// ResetInputBuffer discards anything received but not yet read.
	ResetInputBuffer() error
}

// SerialConfig holds connection settings for a SerialStream.
type SerialConfig struct {
	PortPath    string        `yaml:"port_path" json:"portPath"`
	BaudRate    int           `yaml:"baud_rate" json:"baudRate"`
	ReadTimeout time.Duration `yaml:"-" json:"-"` // per Read call, paces the poll loop
}

// SerialStream is a Stream over a local UART.
type SerialStream struct {
	portPath    string
	baudRate    int
	readTimeout time.Duration

	mu   sync.Mutex
	port serial.Port
}

// NewSerialStream creates an unconnected stream. Call Connect before use.
func NewSerialStream(cfg SerialConfig) *SerialStream {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 20 * time.Millisecond
	}
	return &SerialStream{
		portPath:    cfg.PortPath,
		baudRate:    cfg.BaudRate,
		readTimeout: cfg.ReadTimeout,
	}
}

func (s *SerialStream) Name() string { return "serial " + s.portPath }

// Connect opens the port as 8N1 at the configured baud rate.
func (s *SerialStream) Connect() error {
	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.portPath, mode)
	if err != nil {
		return fmt.Errorf("bus: failed to open %s: %w", s.portPath, err)
	}
	if err := port.SetReadTimeout(s.readTimeout); err != nil {
		port.Close()
		return fmt.Errorf("bus: failed to set timeout: %w", err)
	}

	s.mu.Lock()
	if s.port != nil {
		s.port.Close()
	}
	s.port = port
	s.mu.Unlock()

	log.Printf("[bus] opened %s at %d baud", s.portPath, s.baudRate)
	return nil
}

func (s *SerialStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		err := s.port.Close()
		s.port = nil
		return err
	}
	return nil
}

func (s *SerialStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

func (s *SerialStream) current() (serial.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, ErrNotConnected
	}
	return s.port, nil
}

func (s *SerialStream) Read(p []byte) (int, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}
	return port.Read(p)
}

func (s *SerialStream) Write(p []byte) (int, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}
	return port.Write(p)
}

func (s *SerialStream) ResetInputBuffer() error {
	port, err := s.current()
	if err != nil {
		return err
	}
	return port.ResetInputBuffer()
}
