package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/models"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("connection closed")

type fakeConn struct {
	id string

	mu         sync.Mutex
	sent       [][]byte
	closed     bool
	closeCode  int
	closeCalls int
	sendErr    error
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.NewString()}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closed {
		return errConnClosed
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if !c.closed {
		c.closed = true
		c.closeCode = code
	}
	return nil
}

func (c *fakeConn) frames(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.sent))
	for _, raw := range c.sent {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		out = append(out, m)
	}
	return out
}

// framesOf keeps the frames tagged with field=kind.
func (c *fakeConn) framesOf(t *testing.T, field, kind string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, f := range c.frames(t) {
		if f[field] == kind {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) closedWith() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// memStore is an in-memory MembershipChecker, MessageStore and
// ReceiptStore.
type memStore struct {
	mu       sync.Mutex
	members  map[int]map[int]bool
	messages map[int]*models.Message
	keys     map[string]int
	reads    map[int]map[int]bool
	nextID   int
	fail     error
	panicOn  string
}

func newMemStore() *memStore {
	return &memStore{
		members:  make(map[int]map[int]bool),
		messages: make(map[int]*models.Message),
		keys:     make(map[string]int),
		reads:    make(map[int]map[int]bool),
	}
}

func (s *memStore) addChat(chatID int, users ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[chatID] = make(map[int]bool)
	for _, u := range users {
		s.members[chatID][u] = true
	}
}

func (s *memStore) ChatExists(_ context.Context, chatID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[chatID]
	return ok, nil
}

func (s *memStore) IsParticipant(_ context.Context, chatID, userID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[chatID][userID], nil
}

func (s *memStore) CreateMessage(_ context.Context, chatID, senderID int, text string, key *string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOn == "CreateMessage" {
		panic("store exploded")
	}
	if s.fail != nil {
		return nil, s.fail
	}
	if key != nil {
		if _, taken := s.keys[*key]; taken {
			return nil, apperr.Conflict("message idempotency key already exists")
		}
	}
	s.nextID++
	now := time.Now().UTC()
	msg := &models.Message{ID: s.nextID, ChatID: chatID, SenderID: senderID, Text: text, IdempotencyKey: key, CreatedAt: now, UpdatedAt: now}
	s.messages[msg.ID] = msg
	if key != nil {
		s.keys[*key] = msg.ID
	}
	return msg, nil
}

func (s *memStore) FindByIdempotencyKey(_ context.Context, key string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.keys[key]
	if !ok {
		return nil, apperr.NotFound("message with idempotency key")
	}
	return s.messages[id], nil
}

func (s *memStore) GetMessage(_ context.Context, messageID int) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, apperr.NotFound("message %d", messageID)
	}
	return msg, nil
}

func (s *memStore) RecordRead(_ context.Context, messageID, userID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reads[messageID] == nil {
		s.reads[messageID] = make(map[int]bool)
	}
	s.reads[messageID][userID] = true
	return nil
}

func (s *memStore) ReadersOf(_ context.Context, messageID int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var readers []int
	for u := range s.reads[messageID] {
		readers = append(readers, u)
	}
	return readers, nil
}

func (s *memStore) removeMember(chatID, userID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[chatID], userID)
}

func (s *memStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type tokenTable map[string]int

func (t tokenTable) VerifyAccess(token string) (int, error) {
	if id, ok := t[token]; ok {
		return id, nil
	}
	return 0, apperr.Unauthorized("invalid token")
}

func testLogger() *slog.Logger {
	return logs.GetLoggerFromLevel(slog.LevelDebug)
}

func newTestEngine(store *memStore, tokens tokenTable) (*Engine, *Registry) {
	return newTestEngineWithMembers(store, store, tokens)
}

func newTestEngineWithMembers(store *memStore, members MembershipChecker, tokens tokenTable) (*Engine, *Registry) {
	log := testLogger()
	registry := NewRegistry()
	broadcaster := NewBroadcaster(log, registry, 4)
	engine := NewEngine(log, EngineConfig{
		Registry:         registry,
		Broadcaster:      broadcaster,
		Ingestor:         NewIngestor(log, store, store),
		Tracker:          NewTracker(store, store, store),
		Members:          members,
		Verifier:         tokens,
		MaxInvalidFrames: 3,
	})
	return engine, registry
}

// gatedMembers parks ChatExists until release is closed, holding a
// handshake in the middle of OnConnect.
type gatedMembers struct {
	MembershipChecker
	entered chan struct{}
	release chan struct{}
}

func newGatedMembers(inner MembershipChecker) *gatedMembers {
	return &gatedMembers{MembershipChecker: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedMembers) ChatExists(ctx context.Context, chatID int) (bool, error) {
	close(g.entered)
	<-g.release
	return g.MembershipChecker.ChatExists(ctx, chatID)
}
