package realtime

import (
	"context"
	"sync"
	"time"
)

type presenceKey struct {
	chatID int
	userID int
}

type presenceEntry struct {
	mu     sync.Mutex
	refs   int
	online bool
}

// Presence announces status changes to the other members of a chat.
type Presence struct {
	registry    *Registry
	broadcaster *Broadcaster
	now         func() time.Time

	mu      sync.Mutex
	entries map[presenceKey]*presenceEntry
}

func NewPresence(registry *Registry, broadcaster *Broadcaster) *Presence {
	return &Presence{
		registry:    registry,
		broadcaster: broadcaster,
		now:         time.Now,
		entries:     make(map[presenceKey]*presenceEntry),
	}
}

// Announce never fails; per-peer failures end up in the report.
func (p *Presence) Announce(ctx context.Context, chatID, userID int, status UserStatus) DeliveryReport {
	n := PresenceNotice{ChatID: chatID, UserID: userID, Status: status, Timestamp: p.now().UTC()}
	return p.broadcaster.Broadcast(ctx, chatID, n, ExceptUser(userID))
}

// Reconcile tells peers the user is online or offline when the registry
// disagrees with what they were last told. Calls for one user in one chat
// are serialized and always read the registry under that lock, so the last
// announcement matches the final connection state.
func (p *Presence) Reconcile(ctx context.Context, chatID, userID int) (UserStatus, bool) {
	key := presenceKey{chatID: chatID, userID: userID}
	entry := p.acquire(key)
	defer p.release(key, entry)

	online := p.registry.IsOnline(chatID, userID)
	if online == entry.online {
		return "", false
	}
	entry.online = online

	status := StatusOffline
	if online {
		status = StatusOnline
	}
	p.Announce(ctx, chatID, userID, status)
	return status, true
}

func (p *Presence) acquire(key presenceKey) *presenceEntry {
	p.mu.Lock()
	entry, ok := p.entries[key]
	if !ok {
		entry = &presenceEntry{}
		p.entries[key] = entry
	}
	entry.refs++
	p.mu.Unlock()

	entry.mu.Lock()
	return entry
}

// release drops the entry once nobody waits on it and peers know the user
// as offline, which is also the state of a missing entry. p.mu is only
// ever taken after entry.mu or on its own, never the other way round.
func (p *Presence) release(key presenceKey, entry *presenceEntry) {
	p.mu.Lock()
	entry.refs--
	if entry.refs == 0 && !entry.online {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	entry.mu.Unlock()
}
