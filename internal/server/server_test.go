package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/cellbus/internal/bus"
)

func newTestServer(t *testing.T, cellCount int) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	cfg.Bus.Cells = cellCount

	chain := bus.NewDemoChain(bus.DemoConfig{Cells: cellCount, Seed: 3, Idle: time.Millisecond})
	ctrl, err := bus.New(bus.Config{Cells: cellCount, ReadWindow: 200 * time.Millisecond}, chain)
	if err != nil {
		t.Fatalf("bus.New err=%v", err)
	}
	return New(cfg, ctrl, nil)
}

func TestCellsEndpoint(t *testing.T) {
	s := newTestServer(t, 4)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cells", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("before first cycle: status %d", rec.Code)
	}

	s.tick()

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cells", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var frame struct {
		Cells   []map[string]any `json:"cells"`
		Summary struct {
			Cells          int    `json:"cells"`
			BalancingState string `json:"balancingState"`
		} `json:"summary"`
		Cycle struct {
			Updated int   `json:"updated"`
			Stale   []int `json:"stale"`
		} `json:"cycle"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &frame); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(frame.Cells) != 4 || frame.Summary.Cells != 4 {
		t.Fatalf("cells=%d summary=%d", len(frame.Cells), frame.Summary.Cells)
	}
	if frame.Cycle.Updated != 4 || len(frame.Cycle.Stale) != 0 {
		t.Fatalf("cycle = %+v", frame.Cycle)
	}
	if frame.Summary.BalancingState != "none" {
		t.Fatalf("balancing = %q", frame.Summary.BalancingState)
	}
}

func TestTargetEndpoint(t *testing.T) {
	s := newTestServer(t, 3)
	h := s.Handler()

	tests := []struct {
		name   string
		body   string
		status int
		want   *int16
	}{
		{"set", `{"millivolts": 1000}`, http.StatusOK, ptr16(1000)},
		{"out of range", `{"millivolts": 70000}`, http.StatusBadRequest, ptr16(1000)},
		{"garbage", `{"millivolts": "x"}`, http.StatusBadRequest, ptr16(1000)},
		{"clear", `{"millivolts": null}`, http.StatusOK, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/target", strings.NewReader(tt.body))
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			got := s.ctrl.Target()
			if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
				t.Fatalf("target = %v, want %v", got, tt.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/target", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status %d", rec.Code)
	}
}

func TestTargetDrivesBalancing(t *testing.T) {
	s := newTestServer(t, 3)
	v := int16(1000)
	s.ctrl.SetTarget(&v)
	s.tick()
	f := s.Latest()
	if f == nil || f.Summary == nil {
		t.Fatalf("no summary after tick")
	}
	if f.Summary.BalancingState.String() != "all" {
		t.Fatalf("balancing = %v", f.Summary.BalancingState)
	}
	if f.Target == nil || *f.Target != 1000 {
		t.Fatalf("frame target = %v", f.Target)
	}
}

func TestConfigEndpointAppliesTarget(t *testing.T) {
	s := newTestServer(t, 2)
	h := s.Handler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader(`{"bus":{"targetMv":3200}}`))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if got := s.ctrl.Target(); got == nil || *got != 3200 {
		t.Fatalf("controller target = %v", got)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader(`{"bus":{"cells":0}}`))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid config status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	if !strings.Contains(rec.Body.String(), `"cells":2`) {
		t.Fatalf("config = %s", rec.Body.String())
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	s := newTestServer(t, 5)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Config == nil || hello.Config.Cells != 5 {
		t.Fatalf("hello config = %+v", hello.Config)
	}

	s.tick()

	var msg struct {
		Cells []json.RawMessage `json:"cells"`
		Cycle struct {
			Updated int `json:"updated"`
		} `json:"cycle"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if len(msg.Cells) != 5 || msg.Cycle.Updated != 5 {
		t.Fatalf("frame cells=%d updated=%d", len(msg.Cells), msg.Cycle.Updated)
	}
}

func ptr16(v int16) *int16 { return &v }

// silentStream accepts or rejects commands and never answers.
type silentStream struct {
	mu       sync.Mutex
	writeErr error
}

func (s *silentStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return len(p), nil
}

func (s *silentStream) Read(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	return 0, nil
}

func (s *silentStream) ResetInputBuffer() error { return nil }

func (s *silentStream) setWriteErr(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

func TestTickLogsHealthChangeAtSameCount(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	stream := &silentStream{writeErr: errors.New("port closed")}
	ctrl, err := bus.New(bus.Config{Cells: 2, ReadWindow: 10 * time.Millisecond}, stream)
	if err != nil {
		t.Fatalf("bus.New err=%v", err)
	}
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	s := New(cfg, ctrl, nil)

	s.tick() // write fails, 0 updated
	s.tick() // unchanged, no log
	stream.setWriteErr(nil)
	s.tick() // write succeeds, still 0 updated
	stream.setWriteErr(errors.New("port closed"))
	s.tick() // fails again

	out := buf.String()
	if got := strings.Count(out, "cycle failed"); got != 2 {
		t.Errorf("failure logged %d times, want 2:\n%s", got, out)
	}
	if got := strings.Count(out, "0/2 cells updated"); got != 1 {
		t.Errorf("recovery logged %d times, want 1:\n%s", got, out)
	}
}
