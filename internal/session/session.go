// Package session tracks live connections and their outbound queues.
package session

import (
	"sync"
)

// poison ends a writer loop. Encoded messages are never nil.
var poison []byte

// Session is one connection's outbound side: a bounded FIFO of encoded
// messages drained by a single writer.
type Session struct {
	ID string

	out  chan []byte
	quit chan struct{}

	mu     sync.Mutex
	closed bool
	killed bool
}

// New creates a session whose outbox holds up to size messages.
func New(id string, size int) *Session {
	if size < 1 {
		size = 1
	}
	return &Session{
		ID:   id,
		out:  make(chan []byte, size),
		quit: make(chan struct{}),
	}
}

// Send queues msg without blocking. It reports false if the session is closed
// or its outbox is full.
func (s *Session) Send(msg []byte) bool {
	if msg == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

// Close queues the poison message so the writer stops after delivering what
// is already queued. If the outbox is full the writer is stopped at once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	select {
	case s.out <- poison:
	default:
		s.killLocked()
	}
}

// Kill stops the writer without flushing the outbox.
func (s *Session) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.killLocked()
}

func (s *Session) killLocked() {
	if !s.killed {
		s.killed = true
		close(s.quit)
	}
}

// Closed reports whether Close or Kill has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Next blocks for the next message. It returns false once the poison message
// is reached or the session is killed.
func (s *Session) Next() ([]byte, bool) {
	select {
	case <-s.quit:
		return nil, false
	default:
	}
	select {
	case msg := <-s.out:
		if msg == nil {
			return nil, false
		}
		return msg, true
	case <-s.quit:
		return nil, false
	}
}
