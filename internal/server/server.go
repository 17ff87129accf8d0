// Package server hosts the HTTP surface: the websocket upgrade endpoints,
// the health check, and the Prometheus metrics handler.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paperclash/realtime/internal/auth"
	"github.com/paperclash/realtime/internal/config"
	"github.com/paperclash/realtime/internal/hub"
	"github.com/paperclash/realtime/internal/limits"
	"github.com/paperclash/realtime/internal/metrics"
	"github.com/rs/zerolog"
)

// Server owns the HTTP listener and the per-endpoint upgrade handlers.
type Server struct {
	cfg         *config.Config
	hub         *hub.Hub
	verifier    *auth.TokenVerifier
	directory   auth.UserDirectory
	connLimiter *limits.ConnectionRateLimiter

	httpServer *http.Server
	logger     zerolog.Logger
}

// Compression stays off on every endpoint; the upstream platform has a
// history of frame corruption with permessage-deflate enabled.
var upgrader = websocket.Upgrader{
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	EnableCompression: false,
	CheckOrigin:       func(r *http.Request) bool { return true },
}

func New(cfg *config.Config, h *hub.Hub, verifier *auth.TokenVerifier, directory auth.UserDirectory, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		hub:       h,
		verifier:  verifier,
		directory: directory,
		logger:    logger.With().Str("component", "server").Logger(),
	}
	if cfg.ConnRateLimitEnabled {
		s.connLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.ConnRateIPBurst,
			IPRate:      cfg.ConnRateIPRate,
			GlobalBurst: cfg.ConnRateGlobalBurst,
			GlobalRate:  cfg.ConnRateGlobalRate,
			Logger:      logger,
		})
	}

	mux := http.NewServeMux()
	for _, ep := range hub.Endpoints(cfg) {
		gate := auth.NewGate(verifier, directory, ep.TokenRequired)
		mux.HandleFunc(ep.Path, s.upgradeHandler(ep, gate))
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener closes.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.connLimiter != nil {
		s.connLimiter.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}

// upgradeHandler builds the accept path for one endpoint: drain check,
// connection rate limit, auth, upgrade, hub attach.
func (s *Server) upgradeHandler(ep hub.Endpoint, gate *auth.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.hub.Draining() {
			metrics.ConnectionsRejected.WithLabelValues("shutting_down").Inc()
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		if s.connLimiter != nil && !s.connLimiter.Allow(clientIP(r)) {
			metrics.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}

		principal, err := gate.Admit(r.Context(), r)
		if err != nil {
			metrics.ConnectionsRejected.WithLabelValues("unauthorized").Inc()
			s.logger.Debug().Err(err).Str("endpoint", ep.Name).Str("remote", r.RemoteAddr).Msg("Upgrade rejected")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		// Tokens ride in the subprotocol list; the selected protocol must
		// be echoed or browsers abort the handshake.
		var respHeader http.Header
		if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
			first, _, _ := strings.Cut(proto, ",")
			respHeader = http.Header{"Sec-WebSocket-Protocol": {strings.TrimSpace(first)}}
		}

		conn, err := upgrader.Upgrade(w, r, respHeader)
		if err != nil {
			metrics.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
			s.logger.Debug().Err(err).Str("endpoint", ep.Name).Msg("Upgrade failed")
			return
		}

		if !s.hub.Attach(conn, ep, principal, r) {
			msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = conn.Close()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	total, perEndpoint := s.hub.ConnectionCounts()
	status := "ok"
	code := http.StatusOK
	if s.hub.Draining() {
		status = "draining"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":            status,
		"connections":       total,
		"connectionsByPath": perEndpoint,
	})
}

// clientIP strips the port; upgrade rate limiting keys on the IP alone.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
