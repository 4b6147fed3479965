package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/mama165/sdk-go/logs"
	"github.com/pliu/chatty/internal/auth"
	"github.com/pliu/chatty/internal/middleware"
	"github.com/pliu/chatty/internal/models"
	"github.com/pliu/chatty/internal/realtime"
	"github.com/pliu/chatty/internal/store/sqlstore"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []*models.Message
	reads    []realtime.Receipt
}

func (n *recordingNotifier) NotifyMessage(_ context.Context, msg *models.Message) realtime.DeliveryReport {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return realtime.DeliveryReport{ChatID: msg.ChatID}
}

func (n *recordingNotifier) NotifyRead(_ context.Context, receipt realtime.Receipt, _ int) realtime.DeliveryReport {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reads = append(n.reads, receipt)
	return realtime.DeliveryReport{ChatID: receipt.Message.ChatID}
}

type recordingEvicter struct {
	mu      sync.Mutex
	evicted []int
}

func (e *recordingEvicter) EvictUser(_ context.Context, _, userID int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted = append(e.evicted, userID)
	return 1
}

type testEnv struct {
	store    *sqlstore.SQLStore
	issuer   *auth.Issuer
	registry *realtime.Registry
	notifier *recordingNotifier
	evicter  *recordingEvicter

	auth     *AuthHandler
	users    *UserHandler
	chats    *ChatHandler
	messages *MessageHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	store, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	issuer := auth.NewIssuer("0123456789abcdef-handlers", time.Minute, time.Hour)
	registry := realtime.NewRegistry()
	notifier := &recordingNotifier{}
	evicter := &recordingEvicter{}
	return &testEnv{
		store:    store,
		issuer:   issuer,
		registry: registry,
		notifier: notifier,
		evicter:  evicter,
		auth:     &AuthHandler{Store: store, Tokens: issuer},
		users:    &UserHandler{Store: store},
		chats:    &ChatHandler{Store: store, Online: registry, Sessions: evicter},
		messages: &MessageHandler{
			Log:      log,
			Store:    store,
			Ingestor: realtime.NewIngestor(log, store, store),
			Tracker:  realtime.NewTracker(store, store, store),
			Notifier: notifier,
		},
	}
}

func (e *testEnv) user(t *testing.T, name string) *models.User {
	t.Helper()
	hash, err := auth.HashPassword("password123")
	require.NoError(t, err)
	user := &models.User{Username: name, Email: name + "@example.com", PasswordHash: hash}
	require.NoError(t, e.store.CreateUser(context.Background(), user))
	return user
}

func (e *testEnv) group(t *testing.T, name string, creator int, members ...int) *models.Chat {
	t.Helper()
	chat := &models.Chat{Name: name, ChatType: models.ChatGroup, CreatorID: creator}
	require.NoError(t, e.store.CreateChat(context.Background(), chat, append([]int{creator}, members...)))
	return chat
}

func (e *testEnv) message(t *testing.T, chatID, senderID int, text string) *models.Message {
	t.Helper()
	msg, err := e.store.CreateMessage(context.Background(), chatID, senderID, text, nil)
	require.NoError(t, err)
	return msg
}

type call struct {
	method  string
	path    string
	body    any
	userID  int
	vars    map[string]string
	headers map[string]string
}

// do invokes h directly, the way the router would after authentication.
func do(t *testing.T, h http.HandlerFunc, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		if raw, ok := c.body.(string); ok {
			body.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&body).Encode(c.body))
		}
	}

	r := httptest.NewRequest(c.method, c.path, &body)
	for k, v := range c.headers {
		r.Header.Set(k, v)
	}
	if c.userID != 0 {
		r = r.WithContext(middleware.WithUserID(r.Context(), c.userID))
	}
	if c.vars != nil {
		r = mux.SetURLVars(r, c.vars)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func requireError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rr.Code, rr.Body.String())
	body := decodeBody[errorBody](t, rr)
	require.Equal(t, code, body.Code)
	require.Equal(t, status, body.StatusCode)
}
