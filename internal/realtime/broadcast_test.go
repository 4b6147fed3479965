package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func admitAll(t *testing.T, registry *Registry, chatID int, conns map[int][]*fakeConn) {
	t.Helper()
	for userID, list := range conns {
		for _, c := range list {
			_, err := registry.Admit(chatID, userID, c)
			require.NoError(t, err)
		}
	}
}

func TestBroadcast_Delivers_To_All_Except_User(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	b := NewBroadcaster(testLogger(), registry, 2)
	a, b1, b2, c := newFakeConn(), newFakeConn(), newFakeConn(), newFakeConn()
	admitAll(t, registry, 7, map[int][]*fakeConn{1: {a}, 2: {b1, b2}, 3: {c}})

	// When a notice is broadcast excluding user 1
	report := b.Broadcast(context.Background(), 7, PresenceNotice{ChatID: 7, UserID: 1, Status: StatusOnline}, ExceptUser(1))

	// Then every other connection received it
	req.Equal(3, report.Attempted)
	req.Equal(3, report.Delivered)
	req.Empty(report.Failures)
	req.Empty(a.frames(t))
	for _, conn := range []*fakeConn{b1, b2, c} {
		frames := conn.frames(t)
		req.Len(frames, 1)
		req.Equal(KindUserStatus, frames[0]["message_type"])
	}
}

func TestBroadcast_Except_Conn_Reaches_Other_Devices(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	b := NewBroadcaster(testLogger(), registry, 2)
	phone, laptop, peer := newFakeConn(), newFakeConn(), newFakeConn()
	admitAll(t, registry, 7, map[int][]*fakeConn{1: {phone, laptop}, 2: {peer}})

	report := b.Broadcast(context.Background(), 7, NewMessageNotice{MessageID: 1, ChatID: 7, SenderID: 1, Text: "hi"}, ExceptConn(phone.ID()))

	req.Equal(2, report.Delivered)
	req.Empty(phone.frames(t))
	req.Len(laptop.frames(t), 1)
	req.Len(peer.frames(t), 1)
}

func TestBroadcast_Failure_Does_Not_Abort(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	b := NewBroadcaster(testLogger(), registry, 1)
	broken, ok1, ok2 := newFakeConn(), newFakeConn(), newFakeConn()
	broken.sendErr = errors.New("write: broken pipe")
	admitAll(t, registry, 7, map[int][]*fakeConn{1: {broken}, 2: {ok1}, 3: {ok2}})

	report := b.Broadcast(context.Background(), 7, PresenceNotice{ChatID: 7, UserID: 9, Status: StatusAway})

	req.Equal(3, report.Attempted)
	req.Equal(2, report.Delivered)
	req.Len(report.Failures, 1)
	req.Equal(broken.ID(), report.Failures[0].ConnID)
	req.Len(ok1.frames(t), 1)
	req.Len(ok2.frames(t), 1)
	// The broadcaster leaves eviction to the transport
	req.True(registry.IsOnline(7, 1))
}

func TestBroadcast_Disconnect_Mid_Broadcast(t *testing.T) {
	registry := NewRegistry()
	b := NewBroadcaster(testLogger(), registry, 4)
	conns := make([]*fakeConn, 20)
	for i := range conns {
		conns[i] = newFakeConn()
		_, err := registry.Admit(7, i+1, conns[i])
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			b.Broadcast(context.Background(), 7, PresenceNotice{ChatID: 7, UserID: 99, Status: StatusOnline})
		}
	}()
	go func() {
		defer wg.Done()
		for i, c := range conns {
			_ = c.Close(CloseNormal, "")
			registry.Evict(7, i+1, c)
		}
	}()
	wg.Wait()
	require.Zero(t, registry.Len())
}

func TestBroadcast_Per_Chat_Order(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	b := NewBroadcaster(testLogger(), registry, 8)
	peers := []*fakeConn{newFakeConn(), newFakeConn(), newFakeConn()}
	for i, c := range peers {
		_, err := registry.Admit(7, i+1, c)
		req.NoError(err)
	}

	// Given concurrent producers on the same chat
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				b.Broadcast(context.Background(), 7, NewMessageNotice{ChatID: 7, Text: fmt.Sprintf("%d-%d", p, i)})
			}
		}(p)
	}
	wg.Wait()

	// Then every peer observed the same sequence
	reference := texts(t, peers[0])
	req.Len(reference, 100)
	for _, c := range peers[1:] {
		req.Equal(reference, texts(t, c))
	}
}

func TestBroadcast_Cancelled_Context(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	b := NewBroadcaster(testLogger(), registry, 2)
	conn := newFakeConn()
	_, err := registry.Admit(7, 1, conn)
	req.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	report := b.Broadcast(ctx, 7, PresenceNotice{ChatID: 7, UserID: 2, Status: StatusOnline})
	req.Equal(1, report.Attempted)
	req.Zero(report.Delivered)
	req.Len(report.Failures, 1)
	req.Empty(b.locks)
}

func texts(t *testing.T, c *fakeConn) []string {
	var out []string
	for _, f := range c.frames(t) {
		out = append(out, f["text"].(string))
	}
	return out
}
