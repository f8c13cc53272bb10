// Package hub provides a session.Registry whose membership is owned by a
// single hollywood actor.
package hub

import (
	"fmt"
	"time"

	"github.com/anthdm/hollywood/actor"
	"go.uber.org/zap"

	"exchange/internal/session"
)

type addSession struct{ sess *session.Session }
type removeSession struct{ id string }
type snapshotRequest struct{}
type countRequest struct{}
type closeAllRequest struct{}

type hubActor struct {
	sessions map[string]*session.Session
	logger   *zap.Logger
}

func newHubActor(logger *zap.Logger) actor.Producer {
	return func() actor.Receiver {
		return &hubActor{sessions: make(map[string]*session.Session), logger: logger}
	}
}

func (a *hubActor) Receive(c *actor.Context) {
	switch msg := c.Message().(type) {
	case actor.Started:
		a.logger.Debug("Session hub started")
	case addSession:
		a.sessions[msg.sess.ID] = msg.sess
	case removeSession:
		delete(a.sessions, msg.id)
	case snapshotRequest:
		out := make([]*session.Session, 0, len(a.sessions))
		for _, s := range a.sessions {
			out = append(out, s)
		}
		c.Respond(out)
	case countRequest:
		c.Respond(len(a.sessions))
	case closeAllRequest:
		for id, s := range a.sessions {
			s.Close()
			delete(a.sessions, id)
		}
		c.Respond(struct{}{})
	case actor.Stopped:
		for _, s := range a.sessions {
			s.Close()
		}
		a.logger.Debug("Session hub stopped", zap.Int("closed", len(a.sessions)))
	}
}

// Hub implements session.Registry. Membership changes are fire-and-forget
// messages; reads are request/response with a bounded wait.
type Hub struct {
	engine  *actor.Engine
	pid     *actor.PID
	timeout time.Duration
	logger  *zap.Logger
}

func New(engine *actor.Engine, timeout time.Duration, logger *zap.Logger) *Hub {
	pid := engine.Spawn(newHubActor(logger), "session_hub")
	return &Hub{engine: engine, pid: pid, timeout: timeout, logger: logger}
}

func (h *Hub) Add(s *session.Session) {
	h.engine.Send(h.pid, addSession{sess: s})
}

func (h *Hub) Remove(id string) {
	h.engine.Send(h.pid, removeSession{id: id})
}

func (h *Hub) sessions() ([]*session.Session, error) {
	res, err := h.engine.Request(h.pid, snapshotRequest{}, h.timeout).Result()
	if err != nil {
		return nil, fmt.Errorf("session hub snapshot: %w", err)
	}
	list, ok := res.([]*session.Session)
	if !ok {
		return nil, fmt.Errorf("session hub snapshot: unexpected reply %T", res)
	}
	return list, nil
}

func (h *Hub) Broadcast(lines ...string) int {
	list, err := h.sessions()
	if err != nil {
		h.logger.Warn("Failed to snapshot sessions for broadcast", zap.Error(err))
		return 0
	}
	return session.Deliver(list, lines, h.logger)
}

func (h *Hub) Len() int {
	res, err := h.engine.Request(h.pid, countRequest{}, h.timeout).Result()
	if err != nil {
		h.logger.Warn("Failed to count sessions", zap.Error(err))
		return 0
	}
	n, _ := res.(int)
	return n
}

func (h *Hub) CloseAll() {
	if _, err := h.engine.Request(h.pid, closeAllRequest{}, h.timeout).Result(); err != nil {
		h.logger.Warn("Failed to close sessions", zap.Error(err))
	}
}

// Stop poisons the hub actor and waits for it to exit.
func (h *Hub) Stop() {
	<-h.engine.Poison(h.pid).Done()
}
