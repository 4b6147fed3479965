package realtime

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

type broadcastOptions struct {
	exceptUser int
	exceptConn string
}

type BroadcastOption func(*broadcastOptions)

// ExceptUser skips every connection of userID.
func ExceptUser(userID int) BroadcastOption {
	return func(o *broadcastOptions) { o.exceptUser = userID }
}

// ExceptConn skips a single connection, so the user's other devices still
// receive the event.
func ExceptConn(connID string) BroadcastOption {
	return func(o *broadcastOptions) { o.exceptConn = connID }
}

type DeliveryFailure struct {
	UserID int
	ConnID string
	Err    error
}

type DeliveryReport struct {
	ChatID    int
	Attempted int
	Delivered int
	Failures  []DeliveryFailure
}

type chatLock struct {
	mu   sync.Mutex
	refs int
}

// Broadcaster delivers notices to the connections of a chat. Calls for the
// same chat are serialized; different chats proceed in parallel.
type Broadcaster struct {
	log         *slog.Logger
	registry    *Registry
	concurrency int

	mu    sync.Mutex
	locks map[int]*chatLock
}

func NewBroadcaster(log *slog.Logger, registry *Registry, concurrency int) *Broadcaster {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Broadcaster{
		log:         log,
		registry:    registry,
		concurrency: concurrency,
		locks:       make(map[int]*chatLock),
	}
}

func (b *Broadcaster) lockChat(chatID int) func() {
	b.mu.Lock()
	l, ok := b.locks[chatID]
	if !ok {
		l = &chatLock{}
		b.locks[chatID] = l
	}
	l.refs++
	b.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		b.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(b.locks, chatID)
		}
		b.mu.Unlock()
	}
}

// Broadcast serializes n once and hands it to every matching connection.
// Failed deliveries are logged and reported; they never stop the rest of
// the batch and the failed connection is left to its own transport.
func (b *Broadcaster) Broadcast(ctx context.Context, chatID int, n Notice, opts ...BroadcastOption) DeliveryReport {
	var o broadcastOptions
	for _, opt := range opts {
		opt(&o)
	}
	report := DeliveryReport{ChatID: chatID}

	payload, err := EncodeNotice(n)
	if err != nil {
		b.log.Error("Unable to encode notice", "chat_id", chatID, "kind", n.Kind(), "error", err)
		return report
	}

	unlock := b.lockChat(chatID)
	defer unlock()

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(b.concurrency)
	for _, peer := range b.registry.Peers(chatID, o.exceptUser) {
		if o.exceptConn != "" && peer.Conn.ID() == o.exceptConn {
			continue
		}
		report.Attempted++
		g.Go(func() error {
			err := ctx.Err()
			if err == nil {
				err = peer.Conn.Send(payload)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.log.Warn("Delivery failed",
					"chat_id", chatID, "user_id", peer.UserID, "conn_id", peer.Conn.ID(), "error", err)
				report.Failures = append(report.Failures, DeliveryFailure{UserID: peer.UserID, ConnID: peer.Conn.ID(), Err: err})
				return nil
			}
			report.Delivered++
			return nil
		})
	}
	_ = g.Wait()

	b.log.Debug("Broadcast done",
		"chat_id", chatID, "kind", n.Kind(), "attempted", report.Attempted, "delivered", report.Delivered)
	return report
}
