package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/roverlink/roverlink/internal/discovery"
)

const maxRequestBody = 1 << 20 // 1 MB

// Discovery is the out-of-band device discovery collaborator: it knows
// about devices that have beaconed but are not currently connected, and can
// signal them to connect or shut down.
type Discovery interface {
	Devices() []discovery.Device
	Wake(deviceID string) error
}

// Server exposes the websocket endpoint for devices and viewers plus the
// administrative HTTP API.
type Server struct {
	log      zerolog.Logger
	addr     string
	registry *Registry
	router   *Router
	reaper   *Reaper
	disc     Discovery // may be nil when discovery is disabled
	upgrader websocket.Upgrader
	http     *http.Server
}

// NewServer wires the websocket and admin routes over the given router.
func NewServer(log zerolog.Logger, port int, registry *Registry, router *Router, disc Discovery) *Server {
	s := &Server{
		log:      log,
		addr:     fmt.Sprintf(":%d", port),
		registry: registry,
		router:   router,
		reaper:   NewReaper(log, registry, router, 30*time.Second),
		disc:     disc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Viewers connect from arbitrary origins on the LAN.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/v1/devices", s.handleListDevices)
	mux.HandleFunc("POST /api/v1/send", s.handleSend)
	mux.HandleFunc("POST /api/v1/emergency", s.handleEmergency)
	mux.HandleFunc("POST /api/v1/emergency/clear", s.handleClearEmergency)
	mux.HandleFunc("POST /api/v1/devices/{id}/connect", s.handleConnectDevice)
	mux.HandleFunc("DELETE /api/v1/devices/{id}", s.handleDisconnectDevice)
	mux.HandleFunc("POST /api/v1/broadcast", s.handleBroadcast)

	s.http = &http.Server{
		Addr:              s.addr,
		Handler:           s.recoverMiddleware(s.requestLogger(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the full HTTP handler, middleware included. Exposed for
// tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins serving and starts the stale-connection reaper. Blocks until
// the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.reaper.Start()
	s.log.Info().Str("addr", s.addr).Msg("hub listening")
	return s.http.Serve(ln)
}

// Shutdown gracefully stops the server and the reaper.
func (s *Server) Shutdown(ctx context.Context) error {
	s.reaper.Stop()
	return s.http.Shutdown(ctx)
}

// handleWS upgrades the connection and runs its receive loop. The HTTP
// handler goroutine is the connection's single consumer task.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	s.router.HandleConnection(NewWebsocketEndpoint(conn))
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "roverlink hub running"})
}

// recoverMiddleware catches panics and returns 500 instead of crashing.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rv := recover(); rv != nil {
				s.log.Error().Interface("panic", rv).Str("path", r.URL.Path).Msg("handler panic")
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs method, path, and duration for each request. The
// websocket route is skipped; its requests live as long as the connection.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// decodeJSON reads a JSON body with a size limit and rejects trailing data
// after the value.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
