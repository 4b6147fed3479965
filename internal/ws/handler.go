package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pliu/chatty/internal/middleware"
	"github.com/pliu/chatty/internal/realtime"
)

// Handler upgrades /ws/chat/{chat_id} requests and runs the connection
// until it closes.
type Handler struct {
	log      *slog.Logger
	engine   *realtime.Engine
	upgrader websocket.Upgrader
	cfg      ClientConfig
}

func NewHandler(log *slog.Logger, engine *realtime.Engine, origins *OriginPolicy, cfg ClientConfig) *Handler {
	return &Handler{
		log:    log,
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.Check,
		},
		cfg: cfg,
	}
}

// accessToken prefers the Authorization header; browsers cannot set it on
// a WebSocket handshake so the token query parameter is accepted too.
func accessToken(r *http.Request) string {
	if token, ok := middleware.BearerToken(r); ok {
		return token
	}
	return r.URL.Query().Get("token")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.Atoi(mux.Vars(r)["chat_id"])
	if err != nil || chatID <= 0 {
		http.Error(w, "Invalid chat ID", http.StatusBadRequest)
		return
	}
	token := accessToken(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Info("WebSocket upgrade failed", "error", err)
		return
	}

	client := newClient(h.log, conn, h.cfg)
	go client.writePump()

	// The connection outlives the request once hijacked.
	ctx := context.WithoutCancel(r.Context())

	userID, err := h.engine.Authenticate(client, token)
	if err != nil {
		return
	}
	if _, err := h.engine.OnConnect(ctx, chatID, userID, client); err != nil {
		return
	}
	client.readPump(ctx, h.engine, h.cfg.MaxFrameBytes)
}
