// Package session tracks live client connections and fans lines out to them.
package session

import (
	"bufio"
	"net"
	"sync"
	"time"

	"exchange/internal/util"
)

// Session wraps one client connection. Writes from the command loop and from
// broadcasts are serialised by mu.
type Session struct {
	ID         string
	RemoteAddr string

	conn         net.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	w         *bufio.Writer
	closeOnce sync.Once
}

func New(conn net.Conn, writeTimeout time.Duration) *Session {
	return &Session{
		ID:           util.GenerateUUID(),
		RemoteAddr:   conn.RemoteAddr().String(),
		conn:         conn,
		writeTimeout: writeTimeout,
		w:            bufio.NewWriter(conn),
	}
}

func (s *Session) Conn() net.Conn { return s.conn }

// WriteLines writes each line followed by '\n' and flushes once.
func (s *Session) WriteLines(lines ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	for _, line := range lines {
		if _, err := s.w.WriteString(line); err != nil {
			return err
		}
		if err := s.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return s.w.Flush()
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// Registry is the set of live sessions.
type Registry interface {
	Add(s *Session)
	Remove(id string)
	// Broadcast writes lines as one block to every live session and returns
	// how many accepted it. Failing sessions are skipped.
	Broadcast(lines ...string) int
	Len() int
	CloseAll()
}
