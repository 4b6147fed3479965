package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/models"
)

type EngineConfig struct {
	Registry    *Registry
	Broadcaster *Broadcaster
	Ingestor    *Ingestor
	Tracker     *Tracker
	Members     MembershipChecker
	Verifier    TokenVerifier

	// MaxInvalidFrames consecutive undecodable frames close the connection.
	MaxInvalidFrames int
}

// Engine drives the lifecycle of realtime sessions: admission, frame
// dispatch and teardown.
type Engine struct {
	log         *slog.Logger
	registry    *Registry
	broadcaster *Broadcaster
	presence    *Presence
	ingestor    *Ingestor
	tracker     *Tracker
	members     MembershipChecker
	verifier    TokenVerifier
	maxInvalid  int
	now         func() time.Time

	mu           sync.Mutex
	sessions     map[string]*Session
	shuttingDown atomic.Bool
}

func NewEngine(log *slog.Logger, cfg EngineConfig) *Engine {
	maxInvalid := cfg.MaxInvalidFrames
	if maxInvalid <= 0 {
		maxInvalid = 1
	}
	return &Engine{
		log:         log,
		registry:    cfg.Registry,
		broadcaster: cfg.Broadcaster,
		presence:    NewPresence(cfg.Registry, cfg.Broadcaster),
		ingestor:    cfg.Ingestor,
		tracker:     cfg.Tracker,
		members:     cfg.Members,
		verifier:    cfg.Verifier,
		maxInvalid:  maxInvalid,
		now:         time.Now,
		sessions:    make(map[string]*Session),
	}
}

// Authenticate resolves token to a user id. On failure the connection gets
// an error frame and is closed with CloseUnauthorized.
func (e *Engine) Authenticate(conn Conn, token string) (int, error) {
	userID, err := e.verifier.VerifyAccess(token)
	if err != nil {
		if !errors.Is(err, apperr.ErrUnauthorized) {
			err = apperr.Unauthorized("%v", err)
		}
		e.reject(conn, CloseUnauthorized, err)
		return 0, err
	}
	return userID, nil
}

// OnConnect admits an authenticated connection into chatID. The returned
// error has already been reported to the client and the connection closed.
func (e *Engine) OnConnect(ctx context.Context, chatID, userID int, conn Conn) (*Session, error) {
	if e.shuttingDown.Load() {
		err := errors.New("server shutting down")
		e.reject(conn, CloseGoingAway, err)
		return nil, err
	}

	s := newSession(chatID, userID, conn)
	if err := requireMember(ctx, e.members, chatID, userID); err != nil {
		code := CloseInternalError
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			code = CloseChatNotFound
		case errors.Is(err, apperr.ErrForbidden):
			code = CloseForbidden
		}
		e.reject(conn, code, err)
		return nil, err
	}

	// Admission and the Shutdown snapshot both happen under e.mu, so a
	// session is either seen by Shutdown or refused here.
	e.mu.Lock()
	if e.shuttingDown.Load() {
		e.mu.Unlock()
		err := errors.New("server shutting down")
		e.reject(conn, CloseGoingAway, err)
		return nil, err
	}
	if _, err := e.registry.Admit(chatID, userID, conn); err != nil {
		e.mu.Unlock()
		e.reject(conn, CloseInternalError, err)
		return nil, err
	}
	e.sessions[conn.ID()] = s
	e.mu.Unlock()
	s.advance(StateActive)

	e.log.Info("Session opened", "chat_id", chatID, "user_id", userID, "conn_id", conn.ID())
	e.presence.Reconcile(ctx, chatID, userID)
	return s, nil
}

// OnInboundFrame handles one text frame. It returns false once the session
// is closed and the read loop should stop.
func (e *Engine) OnInboundFrame(ctx context.Context, conn Conn, raw []byte) (keepOpen bool) {
	s := e.session(conn.ID())
	if s == nil || s.State() != StateActive {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Panic while handling frame",
				"chat_id", s.ChatID, "user_id", s.UserID, "conn_id", conn.ID(), "panic", r)
			e.fatal(ctx, s, CloseInternalError, fmt.Errorf("%v", r))
			keepOpen = false
		}
	}()

	in, err := DecodeInbound(raw)
	if err != nil {
		if errors.Is(err, ErrMalformedFrame) {
			s.invalidFrames++
			if s.invalidFrames >= e.maxInvalid {
				e.fatal(ctx, s, CloseProtocolError, apperr.Validation("too many invalid frames"))
				return false
			}
		}
		e.sendError(s, err)
		return true
	}
	s.invalidFrames = 0

	if err := e.dispatch(ctx, s, in); err != nil {
		if apperr.Code(err) == apperr.CodeInternal {
			e.log.Error("Frame handling failed",
				"chat_id", s.ChatID, "user_id", s.UserID, "kind", fmt.Sprintf("%T", in), "error", err)
		}
		e.sendError(s, err)
	}
	return true
}

func (e *Engine) dispatch(ctx context.Context, s *Session, in Inbound) error {
	if id := in.FrameChatID(); id != nil && *id != s.ChatID {
		return apperr.Validation("chat_id %d does not match connection chat %d", *id, s.ChatID)
	}

	switch f := in.(type) {
	case NewMessageFrame:
		return e.handleNewMessage(ctx, s, f)
	case ReadStatusFrame:
		return e.handleReadStatus(ctx, s, f)
	case UserStatusFrame:
		return e.handleUserStatus(ctx, s, f)
	default:
		return apperr.Validation("unsupported frame %T", in)
	}
}

func (e *Engine) handleNewMessage(ctx context.Context, s *Session, f NewMessageFrame) error {
	res, err := e.ingestor.Ingest(ctx, s.ChatID, s.UserID, f.Text, f.IdempotencyKey)
	if err != nil {
		return err
	}
	n := newMessageNotice(res.Message)
	if !res.Replayed {
		e.broadcaster.Broadcast(ctx, s.ChatID, n, ExceptConn(s.conn.ID()))
	}
	e.respond(s, n)
	return nil
}

func (e *Engine) handleReadStatus(ctx context.Context, s *Session, f ReadStatusFrame) error {
	receipt, err := e.tracker.MarkReadInChat(ctx, s.ChatID, f.MessageID, s.UserID)
	if err != nil {
		return err
	}
	n := e.readStatusNotice(receipt, s.UserID)
	e.broadcaster.Broadcast(ctx, s.ChatID, n, ExceptConn(s.conn.ID()))
	e.respond(s, n)
	return nil
}

func (e *Engine) handleUserStatus(ctx context.Context, s *Session, f UserStatusFrame) error {
	if !f.Status.Valid() {
		return apperr.Validation("status must be one of online, offline, away")
	}
	if err := requireMember(ctx, e.members, s.ChatID, s.UserID); err != nil {
		return err
	}
	e.presence.Announce(ctx, s.ChatID, s.UserID, f.Status)
	e.respond(s, PresenceNotice{ChatID: s.ChatID, UserID: s.UserID, Status: f.Status, Timestamp: e.now().UTC()})
	return nil
}

// OnDisconnect tears the session down. Safe to call repeatedly and
// concurrently with a server-side close.
func (e *Engine) OnDisconnect(ctx context.Context, conn Conn) {
	if s := e.session(conn.ID()); s != nil {
		e.finish(ctx, s)
	}
}

// NotifyMessage fans a message created outside a WebSocket session out to
// every connection of its chat.
func (e *Engine) NotifyMessage(ctx context.Context, msg *models.Message) DeliveryReport {
	return e.broadcaster.Broadcast(ctx, msg.ChatID, newMessageNotice(msg))
}

// NotifyRead fans a read receipt out to every connection of its chat.
func (e *Engine) NotifyRead(ctx context.Context, receipt Receipt, readerID int) DeliveryReport {
	return e.broadcaster.Broadcast(ctx, receipt.Message.ChatID, e.readStatusNotice(receipt, readerID))
}

// EvictUser closes every session userID holds in chatID with
// CloseForbidden. It is called once the user stops being a member so they
// no longer receive the chat's events.
func (e *Engine) EvictUser(ctx context.Context, chatID, userID int) int {
	e.mu.Lock()
	var sessions []*Session
	for _, s := range e.sessions {
		if s.ChatID == chatID && s.UserID == userID {
			sessions = append(sessions, s)
		}
	}
	e.mu.Unlock()

	for _, s := range sessions {
		e.fatal(ctx, s, CloseForbidden, apperr.Forbidden("user %d was removed from chat %d", userID, chatID))
	}
	if len(sessions) > 0 {
		e.log.Info("Evicted removed member", "chat_id", chatID, "user_id", userID, "sessions", len(sessions))
	}
	return len(sessions)
}

// Shutdown closes every session with CloseGoingAway. Presence is not
// announced for sessions closed this way, and connections still in the
// handshake are refused.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	e.shuttingDown.Store(true)
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.advance(StateClosing)
		_ = s.conn.Close(CloseGoingAway, "server shutting down")
		e.finish(ctx, s)
	}
	e.log.Info("Realtime engine stopped", "sessions", len(sessions))
}

func (e *Engine) session(connID string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[connID]
}

// fatal reports err to the client and closes the connection with code.
func (e *Engine) fatal(ctx context.Context, s *Session, code int, err error) {
	s.advance(StateClosing)
	e.sendError(s, err)
	_ = s.conn.Close(code, apperr.Code(err))
	e.finish(ctx, s)
}

// finish evicts the session exactly once and reconciles presence, which
// announces offline when it was the user's last connection in the chat.
func (e *Engine) finish(ctx context.Context, s *Session) {
	s.finishOnce.Do(func() {
		s.advance(StateClosing)
		e.mu.Lock()
		delete(e.sessions, s.conn.ID())
		e.mu.Unlock()

		e.registry.Evict(s.ChatID, s.UserID, s.conn)
		s.advance(StateClosed)
		e.log.Info("Session closed", "chat_id", s.ChatID, "user_id", s.UserID, "conn_id", s.conn.ID())

		if !e.shuttingDown.Load() {
			e.presence.Reconcile(context.WithoutCancel(ctx), s.ChatID, s.UserID)
		}
	})
}

// reject closes a connection that never became a session.
func (e *Engine) reject(conn Conn, code int, err error) {
	e.log.Info("Connection rejected", "conn_id", conn.ID(), "close_code", code, "error", err)
	if payload, encErr := EncodeResponse(e.errorNotice(err)); encErr == nil {
		_ = conn.Send(payload)
	}
	_ = conn.Close(code, apperr.Code(err))
}

func (e *Engine) respond(s *Session, n Notice) {
	payload, err := EncodeResponse(n)
	if err != nil {
		e.log.Error("Unable to encode response", "kind", n.Kind(), "error", err)
		return
	}
	if err := s.conn.Send(payload); err != nil {
		e.log.Warn("Response not delivered", "conn_id", s.conn.ID(), "kind", n.Kind(), "error", err)
	}
}

func (e *Engine) sendError(s *Session, err error) {
	e.respond(s, e.errorNotice(err))
}

func (e *Engine) errorNotice(err error) ErrorNotice {
	return ErrorNotice{Code: apperr.Code(err), Message: apperr.Public(err), Timestamp: e.now().UTC()}
}

func (e *Engine) readStatusNotice(receipt Receipt, readerID int) ReadStatusNotice {
	return ReadStatusNotice{
		MessageID: receipt.Message.ID,
		ChatID:    receipt.Message.ChatID,
		ReaderID:  readerID,
		ReadBy:    receipt.Readers,
		Timestamp: e.now().UTC(),
	}
}

func newMessageNotice(msg *models.Message) NewMessageNotice {
	return NewMessageNotice{
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Text:      msg.Text,
		Timestamp: msg.CreatedAt.UTC(),
	}
}
