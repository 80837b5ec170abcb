package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"hypertrader/internal/domain"
	"hypertrader/internal/ports"
)

// signalHandler is the slice of the application service the server needs.
type signalHandler interface {
	HandleSignal(ctx context.Context, sig *domain.Signal) error
}

// Server exposes the signal ingestion endpoint. Requests must originate from
// an allowlisted IP and carry the shared keyword; everything else is
// rejected before the payload reaches the trading core.
type Server struct {
	http    *http.Server
	handler signalHandler
	logger  ports.Logger
	keyword string
	allowed map[string]struct{}
}

// Config holds configuration for the ingestion server.
type Config struct {
	Addr       string
	Handler    signalHandler
	Logger     ports.Logger
	Keyword    string
	AllowedIPs []string // Source addresses allowed to post signals
}

// New creates the ingestion server and its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Handler == nil || cfg.Logger == nil {
		return nil, errors.New("missing required dependencies for ingestion server")
	}
	if cfg.Keyword == "" {
		return nil, errors.New("signal keyword is required")
	}
	addr := cfg.Addr
	if addr == "" {
		addr = ":5000"
	}

	allowed := map[string]struct{}{}
	for _, ip := range cfg.AllowedIPs {
		if ip = strings.TrimSpace(ip); ip != "" {
			allowed[ip] = struct{}{}
		}
	}

	s := &Server{
		handler: cfg.Handler,
		logger:  cfg.Logger,
		keyword: cfg.Keyword,
		allowed: allowed,
	}

	r := mux.NewRouter()
	r.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s, nil
}

// ListenAndServe blocks serving HTTP until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info(context.Background(), "Signal ingestion server listening", map[string]interface{}{"addr": s.http.Addr})
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// inbound is the wire form of a signal alert. The keyword authenticates the
// sender; it never reaches the trading core.
type inbound struct {
	Keyword   string              `json:"keyword"`
	Action    domain.SignalAction `json:"action"`
	Symbol    string              `json:"symbol"`
	Timeframe string              `json:"timeframe"`
	Amount    float64             `json:"amount,omitempty"`
	Leverage  int                 `json:"leverage,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ip := clientIP(r)
	if !s.ipAllowed(ip) {
		s.logger.Warn(ctx, "Rejected signal from unlisted address", map[string]interface{}{"ip": ip})
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var in inbound
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.logger.Warn(ctx, "Malformed signal payload", map[string]interface{}{"ip": ip, "error": err.Error()})
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if in.Keyword != s.keyword {
		s.logger.Warn(ctx, "Rejected signal with wrong keyword", map[string]interface{}{"ip": ip})
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	sig := &domain.Signal{
		Action:    in.Action,
		Symbol:    in.Symbol,
		Timeframe: in.Timeframe,
		AmountUSD: in.Amount,
		Leverage:  in.Leverage,
	}
	if err := s.handler.HandleSignal(ctx, sig); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ports.ErrInvalidSignal):
			status = http.StatusBadRequest
		case errors.Is(err, ports.ErrTradeLimitReached):
			status = http.StatusConflict
		case errors.Is(err, ports.ErrNoReferenceData):
			status = http.StatusServiceUnavailable
		}
		s.logger.Error(ctx, err, "Signal handling failed", map[string]interface{}{"action": sig.Action, "symbol": sig.Symbol})
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) ipAllowed(ip string) bool {
	if len(s.allowed) == 0 {
		return true
	}
	_, ok := s.allowed[ip]
	return ok
}

// clientIP resolves the originating address, honoring proxy headers so the
// allowlist works behind a reverse proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return strings.TrimSpace(real)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
