package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/sourcegraph/jsonrpc2"
	jsonrpc2ws "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/meshroom/internal/config"
	"github.com/mikeyg42/meshroom/internal/identity"
	"github.com/mikeyg42/meshroom/internal/signaling"
)

// Server exposes the hub over HTTP: a WebSocket endpoint for JSON-RPC
// signaling plus small read-only REST endpoints.
type Server struct {
	cfg      config.RendezvousConfig
	hub      *Hub
	limiter  *RateLimiter
	upgrader websocket.Upgrader
	logger   *zap.Logger
	handler  http.Handler

	mu   sync.Mutex
	http *http.Server
}

func NewServer(cfg config.RendezvousConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.L()
	}
	s := &Server{
		cfg:     cfg,
		hub:     NewHub(logger),
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		logger:  logger.Named("rendezvous"),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.handler = s.corsHandler(s.routes())
	return s
}

func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() *gin.Engine {
	if s.cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if s.cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "peers": s.hub.Count()})
	})

	r.GET("/rooms/:room/peers", func(c *gin.Context) {
		room := c.Param("room")
		peers := s.hub.Peers(room)
		if peers == nil {
			peers = []identity.Participant{}
		}
		c.JSON(http.StatusOK, gin.H{"room": room, "peers": peers})
	})

	r.GET("/signal", s.limiter.Middleware(), s.serveSignal)
	return r
}

func (s *Server) corsHandler(h http.Handler) http.Handler {
	if len(s.cfg.AllowedOrigins) == 0 || slices.Contains(s.cfg.AllowedOrigins, "*") {
		return cors.AllowAll().Handler(h)
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	}).Handler(h)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) serveSignal(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	if s.cfg.ReadLimit > 0 {
		ws.SetReadLimit(s.cfg.ReadLimit)
	}

	sess := &peerSession{hub: s.hub, logger: s.logger}
	conn := jsonrpc2.NewConn(c.Request.Context(), jsonrpc2ws.NewObjectStream(ws), jsonrpc2.HandlerWithError(sess.handle))
	<-conn.DisconnectNotify()

	if id := sess.peer(); id != "" {
		s.hub.Unregister(id)
	}
}

// ListenAndServe serves on cfg.Addr until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Rendezvous server listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.limiter.Stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown notifies clients, closes their connections and stops the HTTP
// server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	hubErr := s.hub.Close(ctx)

	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	var srvErr error
	if srv != nil {
		srvErr = srv.Shutdown(ctx)
	}
	return errors.Join(hubErr, srvErr)
}

// peerSession is the per-connection RPC handler.
type peerSession struct {
	hub    *Hub
	logger *zap.Logger

	mu     sync.Mutex
	peerID string
}

func (p *peerSession) peer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerID
}

func (p *peerSession) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case signaling.MethodRegister:
		var params signaling.RegisterParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		if _, err := p.hub.Register(conn, params); err != nil {
			return nil, err
		}
		p.mu.Lock()
		previous := p.peerID
		p.peerID = params.PeerID
		p.mu.Unlock()
		if previous != "" && previous != params.PeerID {
			p.hub.Unregister(previous)
		}
		return signaling.RegisterResult{PeerID: params.PeerID}, nil

	case signaling.MethodSignal:
		var sig signaling.Signal
		if err := decodeParams(req, &sig); err != nil {
			return nil, err
		}
		if err := p.hub.Route(ctx, p.peer(), sig); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case signaling.MethodHeartbeat:
		return nil, nil

	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "unknown method " + req.Method}
	}
}

func decodeParams(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}
