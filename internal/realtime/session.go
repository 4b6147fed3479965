package realtime

import (
	"sync"
	"sync/atomic"
)

// WebSocket close codes sent by the server.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseInternalError = 1011
	CloseUnauthorized  = 4000
	CloseForbidden     = 4003
	CloseChatNotFound  = 4004
	CloseProtocolError = 4400
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one admitted connection. invalidFrames is only touched by the
// connection's read loop.
type Session struct {
	ChatID int
	UserID int

	conn          Conn
	state         atomic.Int32
	invalidFrames int
	finishOnce    sync.Once
}

func newSession(chatID, userID int, conn Conn) *Session {
	s := &Session{ChatID: chatID, UserID: userID, conn: conn}
	s.state.Store(int32(StateAuthenticated))
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) Conn() Conn {
	return s.conn
}

// advance moves the session forward; it never goes back.
func (s *Session) advance(to State) {
	for {
		cur := s.state.Load()
		if State(cur) >= to {
			return
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}
