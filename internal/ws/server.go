package ws

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/pairbot/backend/internal/clock"
	"github.com/pairbot/backend/internal/config"
)

const (
	maxInboundSize = 4096
	qrImageSize    = 256
	timestampISO   = "2006-01-02T15:04:05.000Z07:00"
)

// AttemptCounter reports how many times the network client has been
// initialised.
type AttemptCounter interface {
	Attempts() int
}

type Server struct {
	cfg            config.ServerConfig
	source         StateSource
	hub            *Hub
	static         http.Handler
	clock          clock.Clock
	log            *zap.SugaredLogger
	attempts       AttemptCounter
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func NewServer(cfg config.ServerConfig, source StateSource, hub *Hub, static http.Handler, clk clock.Clock, log *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:            cfg,
		source:         source,
		hub:            hub,
		static:         static,
		clock:          clk,
		log:            log,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetAttemptCounter configures the source of initAttempts in /healthz.
// Must be called before SetupRoutes.
func (s *Server) SetAttemptCounter(c AttemptCounter) {
	s.attempts = c
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /qr.png", s.handleQR)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.static != nil {
		mux.Handle("GET /", s.static)
	}
}

// Handler returns every route wrapped in the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'; connect-src 'self' ws: wss:")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	o, err := s.hub.AddObserver(conn)
	if err != nil {
		code := websocket.CloseTryAgainLater
		if errors.Is(err, ErrHubClosed) {
			code = websocket.CloseGoingAway
		}
		s.log.Warnw("rejecting observer", "remote", r.RemoteAddr, "error", err)
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	defer s.hub.RemoveObserver(o)

	conn.SetReadLimit(maxInboundSize)
	if s.cfg.PingInterval > 0 {
		pongWait := 2 * s.cfg.PingInterval
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debugw("ignoring malformed observer message", "id", o.ID, "error", err)
			continue
		}
		switch msg.Event {
		case EventGetQR:
			s.hub.Resync(o)
		default:
			s.log.Debugw("ignoring observer event", "id", o.ID, "event", msg.Event)
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.source.Snapshot()
	writeJSON(w, StatusResponse{
		Authenticated: st.Authenticated(),
		Ready:         st.IsReady(),
		HasQR:         st.HasCredential(),
		Timestamp:     s.clock.Now().UTC().Format(timestampISO),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Phase:     s.source.Snapshot().Phase,
		Observers: s.hub.ObserverCount(),
	}
	if s.attempts != nil {
		resp.InitAttempts = s.attempts.Attempts()
	}
	writeJSON(w, resp)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	st := s.source.Snapshot()
	if !st.HasCredential() {
		http.Error(w, "no pending QR code", http.StatusNotFound)
		return
	}

	png, err := qrcode.Encode(st.PendingCredential, qrcode.Medium, qrImageSize)
	if err != nil {
		s.log.Errorw("encoding QR image", "error", err)
		http.Error(w, "could not render QR code", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	token := s.cfg.AuthToken
	if token == "" {
		return true
	}

	if r.URL.Query().Get("token") == token {
		return true
	}

	if r.Header.Get("X-Pairbot-Token") == token {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == token {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}

	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
