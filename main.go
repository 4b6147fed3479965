package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mama165/sdk-go/logs"
	"github.com/pliu/chatty/internal/auth"
	"github.com/pliu/chatty/internal/config"
	"github.com/pliu/chatty/internal/handlers"
	"github.com/pliu/chatty/internal/middleware"
	"github.com/pliu/chatty/internal/realtime"
	"github.com/pliu/chatty/internal/store"
	"github.com/pliu/chatty/internal/store/sqlstore"
	"github.com/pliu/chatty/internal/ws"
)

var addr = flag.String("addr", "", "http service address, overrides HTTP_ADDR")

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	router *mux.Router
	engine *realtime.Engine
}

// newApp wires the store, token issuer and realtime engine behind one router.
func newApp(log *slog.Logger, cfg config.Config, st store.Store) *app {
	issuer := auth.NewIssuer(cfg.SecretKey, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)

	registry := realtime.NewRegistry()
	broadcaster := realtime.NewBroadcaster(log, registry, cfg.FanoutConcurrency)
	ingestor := realtime.NewIngestor(log, st, st)
	tracker := realtime.NewTracker(st, st, st)
	engine := realtime.NewEngine(log, realtime.EngineConfig{
		Registry:         registry,
		Broadcaster:      broadcaster,
		Ingestor:         ingestor,
		Tracker:          tracker,
		Members:          st,
		Verifier:         issuer,
		MaxInvalidFrames: cfg.MaxInvalidFrames,
	})

	authHandler := &handlers.AuthHandler{Store: st, Tokens: issuer}
	userHandler := &handlers.UserHandler{Store: st}
	chatHandler := &handlers.ChatHandler{Store: st, Online: registry, Sessions: engine}
	messageHandler := &handlers.MessageHandler{
		Log:      log,
		Store:    st,
		Ingestor: ingestor,
		Tracker:  tracker,
		Notifier: engine,
	}
	wsHandler := ws.NewHandler(log, engine, ws.NewOriginPolicy(log, cfg.Origins()), ws.ClientConfig{
		SendBufferSize:     cfg.SendBufferSize,
		MaxFrameBytes:      cfg.MaxFrameBytes,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
	})

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(log))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	// WebSocket Endpoint, authenticated during the handshake
	r.Handle("/ws/chat/{chat_id}", wsHandler).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auth/register", authHandler.Register).Methods("POST")
	api.HandleFunc("/auth/token", authHandler.Token).Methods("POST")
	api.HandleFunc("/auth/refresh", authHandler.Refresh).Methods("POST")

	private := api.NewRoute().Subrouter()
	private.Use(middleware.AuthMiddleware(issuer, handlers.WriteError))
	private.HandleFunc("/users/me", userHandler.Me).Methods("GET")
	private.HandleFunc("/users/search", userHandler.Search).Methods("GET")
	private.HandleFunc("/chats", chatHandler.CreateChat).Methods("POST")
	private.HandleFunc("/chats", chatHandler.GetChats).Methods("GET")
	private.HandleFunc("/chats/{id}", chatHandler.GetChat).Methods("GET")
	private.HandleFunc("/chats/{id}", chatHandler.RenameChat).Methods("PATCH")
	private.HandleFunc("/chats/{id}/members/add", chatHandler.AddMembers).Methods("POST")
	private.HandleFunc("/chats/{id}/members/remove", chatHandler.RemoveMembers).Methods("POST")
	private.HandleFunc("/chats/{id}/online", chatHandler.OnlineUsers).Methods("GET")
	private.HandleFunc("/chats/{id}/messages", chatHandler.GetChatMessages).Methods("GET")
	private.HandleFunc("/messages", messageHandler.CreateMessage).Methods("POST")
	private.HandleFunc("/messages/{id}", messageHandler.GetMessage).Methods("GET")
	private.HandleFunc("/messages/{id}", messageHandler.UpdateMessage).Methods("PATCH")
	private.HandleFunc("/messages/{id}", messageHandler.DeleteMessage).Methods("DELETE")
	private.HandleFunc("/messages/{id}/read", messageHandler.MarkRead).Methods("POST")

	return &app{router: r, engine: engine}
}

// run owns every resource so deferred cleanup executes before the process
// exits.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	st, err := sqlstore.New(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing database")
		_ = st.Close()
	}()

	a := newApp(log, cfg, st)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting server", "address", cfg.HTTPAddr, "db_driver", cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully")
	case err := <-errChan:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by the server, so the
	// engine closes them first.
	a.engine.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info("Server stopped cleanly")
	return nil
}
