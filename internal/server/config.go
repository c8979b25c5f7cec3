package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/cellbus/internal/bus"
)

// Config holds all driver configuration.
type Config struct {
	mu sync.RWMutex

	// Cell monitor chain
	Bus BusConfig `yaml:"bus" json:"bus"`

	// Simulated chain (bus.type = "demo")
	Demo DemoConfig `yaml:"demo" json:"demo"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path   string     // file path for save/load
	saveMu sync.Mutex // serializes writes to path
}

// DefaultConfigPath is where the config lives when no path is given.
const DefaultConfigPath = "/etc/cellbus/config.yaml"

type BusConfig struct {
	Type         string `yaml:"type" json:"type"`                   // "serial" or "demo"
	PortPath     string `yaml:"port_path" json:"portPath"`          // e.g. /dev/ttyUSB0
	BaudRate     int    `yaml:"baud_rate" json:"baudRate"`          // 19200 for v2.0+ monitors
	Cells        int    `yaml:"cells" json:"cells"`                 // chain length
	ReadWindowMs int    `yaml:"read_window_ms" json:"readWindowMs"` // 0 = derived from chain length
	ByteBudget   int    `yaml:"byte_budget" json:"byteBudget"`      // 0 = two frames per cell
	PollHz       int    `yaml:"poll_hz" json:"pollHz"`              // poll cycles per second
	TargetMv     *int   `yaml:"target_mv" json:"targetMv"`          // balancing target, null = none
	ReadTimeout  int    `yaml:"read_timeout_ms" json:"readTimeoutMs"`
}

type DemoConfig struct {
	BitErrorRate float64 `yaml:"bit_error_rate" json:"bitErrorRate"`
	Seed         int64   `yaml:"seed" json:"seed"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		path: DefaultConfigPath,
		Bus: BusConfig{
			Type:         "demo",
			PortPath:     "/dev/ttyUSB0",
			BaudRate:     bus.DefaultBaudRate,
			Cells:        16,
			ReadWindowMs: 0,
			PollHz:       4,
			ReadTimeout:  20,
		},
		Demo: DemoConfig{
			BitErrorRate: 0.02,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	if path == "" {
		path = DefaultConfigPath
	}
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: BUS_TYPE, BUS_PORT, BUS_BAUD, BUS_CELLS, BUS_READ_WINDOW_MS,
// BUS_POLL_HZ, BUS_TARGET_MV ("none" clears it), LISTEN_ADDR
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BUS_TYPE"); v != "" {
		c.Bus.Type = v
	}
	if v := os.Getenv("BUS_PORT"); v != "" {
		c.Bus.PortPath = v
	}
	if v := os.Getenv("BUS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bus.BaudRate = n
		}
	}
	if v := os.Getenv("BUS_CELLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bus.Cells = n
		}
	}
	if v := os.Getenv("BUS_READ_WINDOW_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bus.ReadWindowMs = n
		}
	}
	if v := os.Getenv("BUS_POLL_HZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bus.PollHz = n
		}
	}
	if v := os.Getenv("BUS_TARGET_MV"); v != "" {
		if v == "none" {
			c.Bus.TargetMv = nil
		} else if n, err := strconv.Atoi(v); err == nil {
			c.Bus.TargetMv = &n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

// Validate reports configuration errors that would make polling impossible.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	switch c.Bus.Type {
	case "serial", "demo":
	default:
		errs = append(errs, fmt.Errorf("bus.type %q: must be serial or demo", c.Bus.Type))
	}
	if c.Bus.Type == "serial" && c.Bus.PortPath == "" {
		errs = append(errs, errors.New("bus.port_path: required for serial bus"))
	}
	if c.Bus.Cells < 1 || c.Bus.Cells > 255 {
		errs = append(errs, fmt.Errorf("bus.cells %d: must be 1..255", c.Bus.Cells))
	}
	if c.Bus.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("bus.baud_rate %d: must be positive", c.Bus.BaudRate))
	}
	if c.Bus.ReadWindowMs < 0 {
		errs = append(errs, fmt.Errorf("bus.read_window_ms %d: must not be negative", c.Bus.ReadWindowMs))
	}
	if c.Bus.ByteBudget < 0 {
		errs = append(errs, fmt.Errorf("bus.byte_budget %d: must not be negative", c.Bus.ByteBudget))
	}
	if t := c.Bus.TargetMv; t != nil && (*t <= math.MinInt16 || *t > math.MaxInt16) {
		errs = append(errs, fmt.Errorf("bus.target_mv %d: out of range", *t))
	}
	if r := c.Demo.BitErrorRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("demo.bit_error_rate %v: must be 0..1", r))
	}
	return errors.Join(errs...)
}

// ControllerConfig converts the bus section for bus.New.
func (c *Config) ControllerConfig() bus.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return bus.Config{
		Cells:      c.Bus.Cells,
		BaudRate:   c.Bus.BaudRate,
		ReadWindow: time.Duration(c.Bus.ReadWindowMs) * time.Millisecond,
		ByteBudget: c.Bus.ByteBudget,
	}
}

// SerialConfig converts the bus section for bus.NewSerialStream.
func (c *Config) SerialConfig() bus.SerialConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return bus.SerialConfig{
		PortPath:    c.Bus.PortPath,
		BaudRate:    c.Bus.BaudRate,
		ReadTimeout: time.Duration(c.Bus.ReadTimeout) * time.Millisecond,
	}
}

// DemoChainConfig converts the demo section for bus.NewDemoChain.
func (c *Config) DemoChainConfig() bus.DemoConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return bus.DemoConfig{
		Cells:        c.Bus.Cells,
		BitErrorRate: c.Demo.BitErrorRate,
		Seed:         c.Demo.Seed,
	}
}

// Target returns the configured balancing target as a command value.
func (c *Config) Target() *int16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Bus.TargetMv == nil {
		return nil
	}
	v := int16(*c.Bus.TargetMv)
	return &v
}

// SetTarget records a new balancing target; nil clears it.
func (c *Config) SetTarget(v *int16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v == nil {
		c.Bus.TargetMv = nil
		return
	}
	n := int(*v)
	c.Bus.TargetMv = &n
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.RLock()
	data, err := yaml.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. An update that fails Validate leaves the
// config unchanged.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	next := &Config{}
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	c.Bus, c.Demo, c.Server = next.Bus, next.Demo, next.Server
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
