package room

import (
	"sync"

	"negotiator/api/internal/util"
)

// Session is one live connection from one user into at most one room.
// Presence is per-connection: the same user open in two tabs is two peers.
// Identity may be unresolved (UserID empty); such sessions participate in
// presence but are treated as role-none by the change broadcaster.
type Session struct {
	ID       string
	UserID   string
	Username string

	mu       sync.Mutex
	roomID   string
	isTyping bool
	closed   bool

	out chan []byte
}

const outboundQueueSize = 64

func NewSession(userID, username string) *Session {
	return &Session{
		ID:       util.NewID("sck"),
		UserID:   userID,
		Username: username,
		out:      make(chan []byte, outboundQueueSize),
	}
}

// Out exposes the outbound queue for the connection's write pump.
func (s *Session) Out() <-chan []byte {
	return s.out
}

// enqueue dispatches a frame without blocking. A peer whose queue is full
// misses the frame; lost deliveries are not retried, the client re-fetches
// current state on reload.
func (s *Session) enqueue(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- frame:
	default:
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}

func (s *Session) room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Session) setRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
}

func (s *Session) setTyping(typing bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.isTyping != typing
	s.isTyping = typing
	return changed
}
