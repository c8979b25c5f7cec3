package server

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/cellbus/internal/bus"
	"github.com/shaunagostinho/cellbus/internal/cells"
)

// Server runs the poll loop and publishes each cycle to WebSocket clients.
type Server struct {
	cfg   *Config
	ctrl  *bus.Controller
	webFS fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	latestMu   sync.RWMutex
	latest     *Frame
	lastHealth chainHealth // for logging changes in chain health only
}

// chainHealth is what one poll cycle says about the chain.
type chainHealth struct {
	updated int
	failed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Cells   *cells.Store     `json:"cells,omitempty"`
	Summary *cells.Summary   `json:"summary,omitempty"`
	Cycle   *bus.CycleReport `json:"cycle,omitempty"`
	Target  *int16           `json:"target"`
	Config  *BusConfig       `json:"config,omitempty"`
	Stamp   int64            `json:"stamp"` // Unix ms
}

// New creates a new Server.
func New(cfg *Config, ctrl *bus.Controller, webFS fs.FS) *Server {
	return &Server{
		cfg:        cfg,
		ctrl:       ctrl,
		webFS:      webFS,
		clients:    make(map[*wsClient]struct{}),
		lastHealth: chainHealth{updated: -1},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/cells", s.handleCells)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/target", s.handleTarget)
	return mux
}

// Run starts the HTTP server and the poll loop.
func (s *Server) Run(ctx context.Context) error {
	go s.pollLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// pollLoop runs one poll cycle per tick. Cycles never overlap: a slow cycle
// simply delays the next tick.
func (s *Server) pollLoop(ctx context.Context) {
	s.cfg.mu.RLock()
	hz := s.cfg.Bus.PollHz
	s.cfg.mu.RUnlock()
	if hz <= 0 {
		hz = 4
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs one poll cycle and broadcasts the result.
func (s *Server) tick() {
	n, err := s.ctrl.PollCycle()
	if h := (chainHealth{updated: n, failed: err != nil}); h != s.lastHealth {
		switch {
		case err != nil:
			log.Printf("[poll] cycle failed: %v", err)
		case n < s.ctrl.Cells():
			log.Printf("[poll] %d/%d cells updated", n, s.ctrl.Cells())
		default:
			log.Printf("[poll] all %d cells reporting", n)
		}
		s.lastHealth = h
	}

	frame := s.buildFrame()
	s.latestMu.Lock()
	s.latest = frame
	s.latestMu.Unlock()
	s.broadcast(frame)
}

func (s *Server) buildFrame() *Frame {
	store, report := s.ctrl.Snapshot()
	frame := &Frame{
		Cells:  store,
		Cycle:  &report,
		Target: s.ctrl.Target(),
		Stamp:  time.Now().UnixMilli(),
	}
	if sum, err := cells.Summarize(store); err == nil {
		sum.Millivolts.Mean = math.Round(sum.Millivolts.Mean*10) / 10
		sum.Temperature.Mean = math.Round(sum.Temperature.Mean*10) / 10
		frame.Summary = &sum
	}
	return frame
}

// Latest returns the frame from the most recent poll cycle, or nil.
func (s *Server) Latest() *Frame {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	return s.latest
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", total)

	// Send bus config so the page can lay out the chain before the first cycle
	s.cfg.mu.RLock()
	busCfg := s.cfg.Bus
	s.cfg.mu.RUnlock()
	hello := Frame{Config: &busCfg, Target: s.ctrl.Target(), Stamp: time.Now().UnixMilli()}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			total := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", total)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleCells(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	frame := s.Latest()
	if frame == nil {
		http.Error(w, "no poll cycle completed yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, frame)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// Only the target applies live; chain and port changes need a restart.
		s.ctrl.SetTarget(s.cfg.Target())
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		writeJSON(w, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// targetRequest is the body of POST /api/target. A null value clears the
// balancing target.
type targetRequest struct {
	Millivolts *int `json:"millivolts"`
}

func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}

	var target *int16
	if req.Millivolts != nil {
		mv := *req.Millivolts
		if mv <= math.MinInt16 || mv > math.MaxInt16 {
			http.Error(w, "millivolts out of range", http.StatusBadRequest)
			return
		}
		v := int16(mv)
		target = &v
	}

	s.ctrl.SetTarget(target)
	s.cfg.SetTarget(target)
	if err := s.cfg.Save(); err != nil {
		log.Printf("[config] save failed: %v", err)
	}
	if target == nil {
		log.Printf("[server] balancing target cleared")
	} else {
		log.Printf("[server] balancing target set to %d mV", *target)
	}
	writeJSON(w, map[string]*int16{"target": target})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}

func (s *Server) broadcast(frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
