package realtime

import (
	"sync"
	"testing"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Admit_And_Evict_Multi_Device(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	phone, laptop := newFakeConn(), newFakeConn()

	// Given a user connected from two devices
	first, err := registry.Admit(7, 1, phone)
	req.NoError(err)
	req.True(first)
	first, err = registry.Admit(7, 1, laptop)
	req.NoError(err)
	req.False(first)
	req.True(registry.IsOnline(7, 1))
	req.Equal(2, registry.Len())

	// When one device leaves the user is still online
	req.False(registry.Evict(7, 1, phone))
	req.True(registry.IsOnline(7, 1))

	// Then the last device leaving reports it
	req.True(registry.Evict(7, 1, laptop))
	req.False(registry.IsOnline(7, 1))
	req.Zero(registry.Len())
	req.Empty(registry.OnlineUsers(7))
}

func TestRegistry_Admit_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	conn := newFakeConn()

	first, err := registry.Admit(7, 1, conn)
	req.NoError(err)
	req.True(first)

	first, err = registry.Admit(7, 1, conn)
	req.NoError(err)
	req.False(first)
	req.Equal(1, registry.Len())
}

func TestRegistry_Admit_Rejects_Second_Binding(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	conn := newFakeConn()

	_, err := registry.Admit(7, 1, conn)
	req.NoError(err)

	_, err = registry.Admit(8, 1, conn)
	req.ErrorIs(err, apperr.ErrValidation)
	_, err = registry.Admit(7, 2, conn)
	req.ErrorIs(err, apperr.ErrValidation)

	chatID, userID, ok := registry.Lookup(conn.ID())
	req.True(ok)
	req.Equal(7, chatID)
	req.Equal(1, userID)
}

func TestRegistry_Evict_Unknown_Is_NoOp(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	conn := newFakeConn()

	req.False(registry.Evict(7, 1, conn))

	_, err := registry.Admit(7, 1, conn)
	req.NoError(err)
	// Wrong key leaves the binding alone
	req.False(registry.Evict(7, 2, conn))
	req.True(registry.IsOnline(7, 1))

	req.True(registry.Evict(7, 1, conn))
	req.False(registry.Evict(7, 1, conn))
}

func TestRegistry_Peers_Excludes_User(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	a1, a2, b, other := newFakeConn(), newFakeConn(), newFakeConn(), newFakeConn()
	for _, admit := range []struct {
		chat, user int
		conn       *fakeConn
	}{{7, 1, a1}, {7, 1, a2}, {7, 2, b}, {8, 3, other}} {
		_, err := registry.Admit(admit.chat, admit.user, admit.conn)
		req.NoError(err)
	}

	peers := registry.Peers(7, 1)
	req.Len(peers, 1)
	req.Equal(2, peers[0].UserID)
	req.Equal(b.ID(), peers[0].Conn.ID())

	req.Len(registry.Peers(7, 0), 3)
	req.Equal([]int{1, 2}, registry.OnlineUsers(7))
	req.Len(registry.Conns(), 4)
}

func TestRegistry_Concurrent_Admit_Evict(t *testing.T) {
	registry := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(user int) {
			defer wg.Done()
			conn := newFakeConn()
			_, _ = registry.Admit(7, user%5+1, conn)
			_ = registry.Peers(7, 0)
			registry.Evict(7, user%5+1, conn)
		}(i)
	}
	wg.Wait()
	require.Zero(t, registry.Len())
	require.Empty(t, registry.OnlineUsers(7))
}
