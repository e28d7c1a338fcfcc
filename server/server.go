package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/xxuejie/go-delta-docs/auth"
	"github.com/xxuejie/go-delta-docs/docstore"
	"github.com/xxuejie/go-delta-docs/gateway"
	"github.com/xxuejie/go-delta-docs/notify"
	"github.com/xxuejie/go-delta-docs/pg"
	"github.com/xxuejie/go-delta-docs/room"
	"github.com/xxuejie/go-delta-docs/web"
)

// Server wires the stores, the room registry and the gateway behind one
// router.
type Server struct {
	config   *Config
	router   *mux.Router
	registry *room.Registry
	gateway  *gateway.Gateway

	pool *pgxpool.Pool
	rdb  *redis.Client

	closeOnce sync.Once
	log       zerolog.Logger
}

// New connects to whatever backends config names. The caller owns Close.
func New(ctx context.Context, config *Config, log zerolog.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		config: config,
		log:    log.With().Str("component", "server").Logger(),
	}

	var (
		users auth.UserStore
		docs  docstore.Store
	)
	if config.PostgresDSN != "" {
		pool, err := pg.Connect(ctx, config.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		s.pool = pool
		users = auth.NewPostgresUserStore(pool)
		docs = docstore.NewPostgresStore(pool)
		s.log.Info().Msg("connected to PostgreSQL")
	} else {
		users = auth.NewMemoryUserStore()
		docs = docstore.NewMemoryStore()
		s.log.Warn().Msg("no database configured, documents live in memory")
	}

	roomOpts := []room.Option{room.WithLogLimit(config.LogLimit)}
	if config.NodeID != "" {
		roomOpts = append(roomOpts, room.WithNodeID(config.NodeID))
	}
	if config.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: config.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			s.closeStores()
			return nil, fmt.Errorf("could not connect to Redis: %w", err)
		}
		s.rdb = rdb
		roomOpts = append(roomOpts, room.WithBus(room.NewRedisBus(rdb, log)))
		s.log.Info().Str("redis", config.RedisAddr).Msg("room bus enabled")
	}

	var notifier notify.Notifier
	if config.SMTP.Host != "" {
		notifier = notify.NewSMTPNotifier(config.SMTP)
	} else {
		notifier = notify.NewLogNotifier(log)
	}

	tokens := auth.NewTokens([]byte(config.JWTSecret), config.TokenTTL)
	service := docstore.NewService(docs, notifier, config.AppURL, log)
	s.registry = room.NewRegistry(log, roomOpts...)
	s.gateway = gateway.New(s.registry, service, tokens, gateway.DefaultSettings(), log)

	s.router = mux.NewRouter()
	s.router.Use(s.accessLog)
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	auth.NewHandlers(users, tokens, log).Register(api)
	docstore.NewHandlers(service, tokens).Register(api)
	s.router.Handle("/ws", s.gateway)
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Registry() *room.Registry {
	return s.registry
}

func (s *Server) accessLog(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, w, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", m.Code).
			Dur("duration", m.Duration).
			Int64("bytes", m.Written).
			Msg("handled")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "rooms": s.registry.Len()}
	if s.pool != nil {
		if err := s.pool.Ping(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("health: database unreachable")
			web.RespondError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	web.RespondJSON(w, http.StatusOK, status)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	withdraw, err := s.announce(listener)
	if err != nil {
		listener.Close()
		return err
	}
	defer withdraw()

	served := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", listener.Addr().String()).Msg("listening")
		served <- httpServer.Serve(listener)
	}()

	select {
	case err := <-served:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	// Hijacked websockets are not tracked by Shutdown.
	s.gateway.Close()
	err = httpServer.Shutdown(shutdownCtx)
	s.Close()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close stops every room and releases the backends.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.gateway.Close()
		s.registry.Stop()
		s.closeStores()
	})
}

func (s *Server) closeStores() {
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close redis")
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
