// Package control exposes the engine's operational surface: start/stop,
// a status readout, and the two operator actions the Risk Arbiter can't
// take on its own (acknowledging circuit-breaker recovery, clearing the
// kill flag). Status pushes to connected operators over the same
// WebSocket hub the teacher's dashboard used, per spec.md §4.3/§6.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"tradeengine/internal/core"
	"tradeengine/internal/domain"
	"tradeengine/pkg/liveserver"
)

// Runtime is the subset of the engine the control surface drives; kept
// narrow so this package never needs to import internal/engine directly.
type Runtime interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
}

type Server struct {
	runtime Runtime
	breaker core.CircuitBreaker
	store   core.StateStore
	hub     *liveserver.Hub
	srv     *liveserver.Server
	logger  core.ILogger
}

func NewServer(runtime Runtime, breaker core.CircuitBreaker, store core.StateStore, allowedOrigins []string, logger core.ILogger) *Server {
	hub := liveserver.NewHub(logger)
	return &Server{
		runtime: runtime,
		breaker: breaker,
		store:   store,
		hub:     hub,
		srv:     liveserver.NewServer(hub, logger, allowedOrigins),
		logger:  logger.WithField("component", "control_server"),
	}
}

// Run starts both the WebSocket status feed and the JSON control mux,
// and pushes a status snapshot every 5 seconds until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.pushStatusLoop(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/control/start", s.handleStart)
	mux.HandleFunc("/control/stop", s.handleStop)
	mux.HandleFunc("/control/status", s.handleStatus)
	mux.HandleFunc("/control/ack_recovery", s.handleAckRecovery)
	mux.HandleFunc("/control/clear_kill_flag", s.handleClearKillFlag)

	httpSrv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	wsErrCh := make(chan error, 1)
	go func() {
		go s.hub.Run(ctx)
		if err := s.srv.Start(ctx, addrWithOffset(addr)); err != nil {
			wsErrCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case err := <-wsErrCh:
		return err
	case <-ctx.Done():
		return httpSrv.Shutdown(context.Background())
	}
}

// addrWithOffset keeps the WebSocket feed off the control port; a fixed
// +1 is simple enough for a single-operator deployment and avoids a
// second config field.
func addrWithOffset(addr string) string {
	host, portStr, err := splitHostPort(addr)
	if err != nil {
		return addr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return addr
	}
	return host + ":" + strconv.Itoa(port+1)
}

func splitHostPort(addr string) (string, string, error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return addr, "", nil
}

func (s *Server) pushStatusLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.Broadcast(liveserver.NewRiskStatusMessage(s.statusPayload(ctx)))
		}
	}
}

type statusResponse struct {
	Running       bool                `json:"running"`
	CircuitLevel  string              `json:"circuit_level"`
	KillFlag      bool                `json:"kill_flag"`
	AckedForLevel string              `json:"acked_for_level"`
	Portfolio     domain.Portfolio    `json:"portfolio"`
}

func (s *Server) statusPayload(ctx context.Context) statusResponse {
	state := s.breaker.State()
	pf, _ := s.store.GetPortfolioSnapshot(ctx)
	return statusResponse{
		Running:       s.runtime.Running(),
		CircuitLevel:  state.Level.String(),
		KillFlag:      state.KillFlag,
		AckedForLevel: state.AckedForLevel.String(),
		Portfolio:     pf,
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.breaker.State().KillFlag {
		http.Error(w, "kill flag is set; clear it before starting", http.StatusConflict)
		return
	}
	if err := s.runtime.Start(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.Stop(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "stopped"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statusPayload(r.Context()))
}

type ackRecoveryRequest struct {
	Level int `json:"level"`
}

func (s *Server) handleAckRecovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ackRecoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.breaker.AcknowledgeRecovery(r.Context(), domain.CircuitLevel(req.Level)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleClearKillFlag(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.breaker.ClearKillFlag(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "kill flag cleared"})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
