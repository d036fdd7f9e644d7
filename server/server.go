// Package server exposes the ingest coupler's read API and live subscriber
// feed over HTTP and WebSocket. The WebSocket route lives on the root
// router so no middleware wraps the ResponseWriter in a way that would
// break http.Hijacker, while the rest of the API sits on a subrouter with
// the full middleware stack.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/aerobyte/telemkv/ingest"
	"github.com/aerobyte/telemkv/kv"
	"github.com/aerobyte/telemkv/monitoring"
	"github.com/aerobyte/telemkv/security"
	"github.com/aerobyte/telemkv/telemetry"
)

// Server holds the dependencies the HTTP/WebSocket handlers need.
type Server struct {
	coupler        *ingest.Coupler
	upgrader       websocket.Upgrader
	rateLimitPerIP float64
	limiters       *rateLimiterSet
}

// New builds a Server backed by coupler, rate-limiting each client IP to
// rateLimitPerSec requests per second.
func New(coupler *ingest.Coupler, rateLimitPerSec float64) *Server {
	return &Server{
		coupler: coupler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rateLimitPerIP: rateLimitPerSec,
		limiters:       newRateLimiterSet(rateLimitPerSec),
	}
}

// Router builds the full chi router: the root router carries only the
// WebSocket route and recoverer/ETag/request-ID middleware, while the API
// subrouter carries compression, security headers, CORS/CSRF/session
// enforcement, tracing, metrics and structured logging.
func (s *Server) Router(enableMetrics bool) http.Handler {
	root := chi.NewRouter()
	root.Use(middleware.Recoverer)
	root.Use(monitoring.ETagMiddleware)
	root.Use(middleware.RequestID)

	root.Get("/ws/stream", s.handleSubscribe)

	api := chi.NewRouter()
	api.Use(middleware.Compress(5))
	api.Use(middleware.Timeout(15 * time.Second))
	api.Use(securityHeaders)
	api.Use(s.rateLimit)
	api.Use(security.Middleware)
	api.Use(monitoring.TracingMiddleware)
	api.Use(monitoring.MetricsMiddleware)
	api.Use(monitoring.LoggingMiddleware)

	api.Get("/health", s.handleHealth)
	if enableMetrics {
		api.Handle("/metrics", monitoring.PrometheusHandler())
	}
	api.Get("/api/flights", s.handleListFlights)
	api.Get("/api/flights/{id}", s.handleGetFlight)
	api.Get("/api/flights/{id}/data", s.handleGetFlightData)
	api.Delete("/api/flights/{id}", s.handleDeleteFlight)

	root.Mount("/", api)

	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-CSRF-Token"}),
	)(root)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiters.allow(clientKey(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListFlights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coupler.ListFlights())
}

func (s *Server) handleGetFlight(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	fm, ok := s.coupler.GetFlight(id)
	if !ok {
		http.Error(w, "flight not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, fm)
}

// handleGetFlightData returns the flight's packets flattened with their
// classified phase, matching the original API's response shape.
func (s *Server) handleGetFlightData(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.coupler.GetFlight(id); !ok {
		http.Error(w, "flight not found", http.StatusNotFound)
		return
	}
	packets := s.coupler.GetFlightData(id)
	out := make([]telemetry.WithPhase, 0, len(packets))
	for _, p := range packets {
		out = append(out, telemetry.WithPhase{Packet: p, FlightPhase: telemetry.ClassifyPhase(p)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteFlight(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.coupler.DeleteFlight(id); err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			http.Error(w, "flight not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSubscribe upgrades the connection and streams backfill-then-live
// packets with their classified phase, one JSON message per packet, mirroring
// the original binary WebSocket stream's backfill-then-live ordering.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.LogDeduped("ws_upgrade_failed", "ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	backfill, id, live := s.coupler.Subscribe()
	defer s.coupler.Unsubscribe(id)
	monitoring.SubscribersConnected.WithLabelValues().Inc()
	defer monitoring.SubscribersConnected.WithLabelValues().Dec()
	log.Printf("subscriber_connected conn_id=%s backfill=%d", connID, len(backfill))
	defer log.Printf("subscriber_disconnected conn_id=%s", connID)

	for _, p := range backfill {
		if err := writeWSPacket(conn, p); err != nil {
			return
		}
	}

	for p := range live {
		if err := writeWSPacket(conn, p); err != nil {
			return
		}
	}
}

func writeWSPacket(conn *websocket.Conn, p telemetry.Packet) error {
	wp := telemetry.WithPhase{Packet: p, FlightPhase: telemetry.ClassifyPhase(p)}
	return conn.WriteJSON(wp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: write json: %v", err)
	}
}

type rateLimiterSet struct {
	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newRateLimiterSet(perSecond float64) *rateLimiterSet {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &rateLimiterSet{
		rate:     rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *rateLimiterSet) allow(key string) bool {
	s.mu.Lock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(s.rate, s.burst)
		s.limiters[key] = l
	}
	s.mu.Unlock()
	return l.Allow()
}
