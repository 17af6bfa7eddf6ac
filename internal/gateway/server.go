package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/portvoice/internal/asr"
	"github.com/MrWong99/portvoice/internal/config"
	"github.com/MrWong99/portvoice/internal/connection"
	"github.com/MrWong99/portvoice/internal/health"
	"github.com/MrWong99/portvoice/internal/observe"
	"github.com/MrWong99/portvoice/internal/store"
)

// shutdownGrace bounds how long Shutdown waits for open connections before
// the listener is torn down regardless.
const shutdownGrace = 10 * time.Second

// ServerDeps collects the server's collaborators.
type ServerDeps struct {
	Router      *Router
	Pool        *asr.Pool
	Connections *connection.Manager
	History     store.ConversationStore
	Health      *health.Handler
	Metrics     *observe.Metrics
}

// Server is the HTTP front of the gateway: the /ws console endpoint plus the
// operational surface (/healthz, /readyz, /metrics, /conversations/{id}).
type Server struct {
	cfg     config.ServerConfig
	router  *Router
	pool    *asr.Pool
	conns   *connection.Manager
	history store.ConversationStore
	metrics *observe.Metrics

	httpSrv *http.Server
}

// NewServer builds the HTTP server and its route table.
func NewServer(cfg config.ServerConfig, deps ServerDeps) *Server {
	m := deps.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	s := &Server{
		cfg:     cfg,
		router:  deps.Router,
		pool:    deps.Pool,
		conns:   deps.Connections,
		history: deps.History,
		metrics: m,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /conversations/{conversationId}", s.handleHistory)
	mux.Handle("GET /metrics", promhttp.Handler())
	deps.Health.Register(mux)

	s.httpSrv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: observe.Middleware(m)(mux),
	}
	return s
}

// Run serves until ctx is cancelled, then drains: the listener closes and all
// ASR sessions stop. Open console WebSocket connections are not closed or
// detached by the drain.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	slog.Info("gateway listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})
	return g.Wait()
}

// shutdown drains the server within shutdownGrace.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	err := s.httpSrv.Shutdown(ctx)
	s.pool.StopAll()
	return err
}

// handleWS upgrades the console connection and runs its read loop. Each
// connection gets a transport-assigned id, a connection record, and a
// per-connection router attachment; everything is unwound on exit.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	connectionID := uuid.NewString()
	ctx := r.Context()

	// A storage failure here refuses the handshake — a connection we cannot
	// track is a connection we cannot serve.
	if _, err := s.conns.Register(ctx, connectionID, connection.Metadata{
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	}); err != nil {
		slog.Error("connection registration failed",
			"connection_id", connectionID, "err", err)
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		s.conns.Remove(ctx, connectionID)
		return
	}

	s.metrics.ActiveConnections.Add(ctx, 1)
	s.router.Attach(connectionID, newWSSender(conn, s.cfg.SendTimeout))
	slog.Info("console connected",
		"connection_id", connectionID, "remote", r.RemoteAddr)

	defer func() {
		s.router.Detach(connectionID)
		s.metrics.ActiveConnections.Add(context.Background(), -1)
		conn.Close(websocket.StatusNormalClosure, "")
		slog.Info("console disconnected", "connection_id", connectionID)
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) {
				slog.Warn("read failed", "connection_id", connectionID, "err", err)
			}
			return
		}
		if typ != websocket.MessageText {
			// Binary frames are outside the protocol; audio travels as
			// base64 inside audioData.
			s.metrics.SchemaErrors.Add(ctx, 1)
			continue
		}
		s.router.HandleFrame(ctx, connectionID, data)
	}
}

// handleHistory serves the ordered item log for one conversation. The sort
// is the storage sort: prefix-then-time, not globally chronological.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversationId")
	if conversationID == "" {
		http.Error(w, "conversationId is required", http.StatusBadRequest)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	items, err := s.history.ListItems(r.Context(), conversationID, limit)
	if err != nil {
		slog.Error("history query failed",
			"conversation_id", conversationID, "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"conversationId": conversationID,
		"items":          items,
	}); err != nil {
		slog.Warn("history encode failed", "err", err)
	}
}

// clientIP extracts the peer address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
