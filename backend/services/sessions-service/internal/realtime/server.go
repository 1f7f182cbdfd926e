package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// IdentifyFunc resolves the caller of an upgrade request. ok is false for anonymous
// dashboards, which may still join station and session groups.
type IdentifyFunc func(r *http.Request) (userID int64, ok bool)

// ServerOptions tunes the websocket endpoint.
type ServerOptions struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	AllowedOrigins []string
}

// Server upgrades HTTP connections to realtime websockets.
type Server struct {
	ctx      context.Context
	hub      *Hub
	identify IdentifyFunc
	opts     ServerOptions
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer builds ws server. Connections live until the client leaves or ctx ends.
func NewServer(ctx context.Context, hub *Hub, identify IdentifyFunc, opts ServerOptions, logger *zap.Logger) *Server {
	s := &Server{
		ctx:      ctx,
		hub:      hub,
		identify: identify,
		opts:     opts,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWS is HTTP handler for GET /ws.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	var userID int64
	if s.identify != nil {
		if id, ok := s.identify(r); ok {
			userID = id
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(uuid.NewString(), ws, s.hub, ConnOptions{
		SendBuffer:   s.opts.SendBuffer,
		WriteTimeout: s.opts.WriteTimeout,
		PingInterval: s.opts.PingInterval,
		UserID:       userID,
	}, s.logger)
	s.hub.Register(conn)
	if userID != 0 {
		if err := s.hub.Subscribe(conn, Group(KindUser, userID)); err != nil {
			s.logger.Warn("failed to join user group", zap.Error(err))
		}
	}

	go conn.Start(s.ctx)
	s.logger.Info("realtime client connected", zap.String("conn_id", conn.ID()), zap.Int64("user_id", userID))
}
