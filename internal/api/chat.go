package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/lightning-chat/internal/auth"
	"github.com/npezzotti/lightning-chat/internal/config"
	"github.com/npezzotti/lightning-chat/internal/database"
	"github.com/npezzotti/lightning-chat/internal/history"
	"go.uber.org/zap"
)

// Attacher takes over an upgraded WebSocket connection.
type Attacher interface {
	Attach(conn *websocket.Conn) error
}

type HistoryResolver interface {
	Resolve(ctx context.Context, req history.Request) (*history.Page, error)
}

type CursorAdvancer interface {
	Advance(ctx context.Context, roomId, userId, messageId int64) (int64, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Options struct {
	Chat     Attacher
	DB       database.ChatRepository
	Verifier auth.TokenVerifier
	History  HistoryResolver
	Cursors  CursorAdvancer
	// Redis is pinged by the health check alongside DB.
	Redis   Pinger
	Metrics http.Handler
}

type ChatApp struct {
	log            *zap.Logger
	srv            *http.Server
	chat           Attacher
	db             database.ChatRepository
	verifier       auth.TokenVerifier
	history        HistoryResolver
	cursors        CursorAdvancer
	redis          Pinger
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

func NewChatApp(logger *zap.Logger, cfg *config.Config, opts Options) *ChatApp {
	s := &ChatApp{
		log:            logger,
		chat:           opts.Chat,
		db:             opts.DB,
		verifier:       opts.Verifier,
		history:        opts.History,
		cursors:        opts.Cursors,
		redis:          opts.Redis,
		allowedOrigins: cfg.AllowedOrigins,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("GET /ws", s.serveWs)
	mux.Handle("GET /api/rooms/{roomId}/messages", s.authMiddleware(s.getMessages))
	mux.Handle("POST /api/rooms/{roomId}/read", s.authMiddleware(s.markRead))
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *ChatApp) Handler() http.Handler {
	return s.srv.Handler
}

// Start blocks serving HTTP until Shutdown is called, in which case it
// returns nil.
func (s *ChatApp) Start() error {
	s.log.Info("starting server", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}

	return nil
}

func (s *ChatApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
