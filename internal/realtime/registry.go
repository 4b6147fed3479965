package realtime

import (
	"slices"
	"sync"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/samber/lo"
)

// Peer is a connection snapshot entry returned by Registry.Peers.
type Peer struct {
	UserID int
	Conn   Conn
}

type binding struct {
	chatID int
	userID int
	conn   Conn
}

// Registry tracks which connections are open for which (chat, user)
// pairs. A connection is bound to exactly one pair.
type Registry struct {
	mu    sync.RWMutex
	chats map[int]map[int]map[string]Conn // chat -> user -> conn id -> conn
	conns map[string]binding
}

func NewRegistry() *Registry {
	return &Registry{
		chats: make(map[int]map[int]map[string]Conn),
		conns: make(map[string]binding),
	}
}

// Admit binds conn to (chatID, userID). firstForUser is true when conn is
// the user's only connection in the chat afterwards. Re-admitting the same
// connection under the same pair is a no-op.
func (r *Registry) Admit(chatID, userID int, conn Conn) (firstForUser bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.conns[conn.ID()]; ok {
		if b.chatID != chatID || b.userID != userID {
			return false, apperr.Validation("connection %s already bound to chat %d user %d", conn.ID(), b.chatID, b.userID)
		}
		return false, nil
	}

	users, ok := r.chats[chatID]
	if !ok {
		users = make(map[int]map[string]Conn)
		r.chats[chatID] = users
	}
	devices, ok := users[userID]
	if !ok {
		devices = make(map[string]Conn)
		users[userID] = devices
	}
	devices[conn.ID()] = conn
	r.conns[conn.ID()] = binding{chatID: chatID, userID: userID, conn: conn}
	return len(devices) == 1, nil
}

// Evict removes conn. lastForUser is true when the user has no connection
// left in the chat. Unknown connections are ignored.
func (r *Registry) Evict(chatID, userID int, conn Conn) (lastForUser bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.conns[conn.ID()]
	if !ok || b.chatID != chatID || b.userID != userID {
		return false
	}
	delete(r.conns, conn.ID())

	users := r.chats[chatID]
	devices := users[userID]
	delete(devices, conn.ID())
	if len(devices) > 0 {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(r.chats, chatID)
	}
	return true
}

// Peers returns a copy of every connection in the chat except those of
// excludeUserID. Pass 0 to exclude nobody.
func (r *Registry) Peers(chatID, excludeUserID int) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var peers []Peer
	for userID, devices := range r.chats[chatID] {
		if userID == excludeUserID {
			continue
		}
		for _, conn := range devices {
			peers = append(peers, Peer{UserID: userID, Conn: conn})
		}
	}
	return peers
}

func (r *Registry) IsOnline(chatID, userID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chats[chatID][userID]) > 0
}

// OnlineUsers returns the ids of users with at least one connection, sorted.
func (r *Registry) OnlineUsers(chatID int) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := lo.Keys(r.chats[chatID])
	slices.Sort(users)
	return users
}

// Lookup returns the pair a connection is bound to.
func (r *Registry) Lookup(connID string) (chatID, userID int, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.conns[connID]
	return b.chatID, b.userID, ok
}

// Conns returns every open connection.
func (r *Registry) Conns() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.conns))
	for _, b := range r.conns {
		conns = append(conns, b.conn)
	}
	return conns
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
