package session

import (
	"sync"

	"go.uber.org/zap"
)

// Set is a mutex-guarded Registry. Broadcast iterates a snapshot, so sessions
// may join or leave while a broadcast is in flight.
type Set struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *zap.Logger
}

func NewSet(logger *zap.Logger) *Set {
	return &Set{sessions: make(map[string]*Session), logger: logger}
}

func (s *Set) Add(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
}

func (s *Set) Remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Set) snapshot() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Set) Broadcast(lines ...string) int {
	return Deliver(s.snapshot(), lines, s.logger)
}

func (s *Set) CloseAll() {
	for _, sess := range s.snapshot() {
		sess.Close()
		s.Remove(sess.ID)
	}
}

// Deliver writes lines to each session concurrently so one slow client only
// costs its own write timeout. A session receives the block in one write, so
// it never interleaves with a command reply.
func Deliver(sessions []*Session, lines []string, logger *zap.Logger) int {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			if err := sess.WriteLines(lines...); err != nil {
				logger.Debug("Broadcast write failed",
					zap.String("session_id", sess.ID),
					zap.String("remote_addr", sess.RemoteAddr),
					zap.Error(err))
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}(sess)
	}
	wg.Wait()
	return delivered
}
