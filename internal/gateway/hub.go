package gateway

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Sender is what the hub needs from a connection.
type Sender interface {
	Send(Event) error
}

// Hub tracks the live connections of each user so that an event raised on
// one of them can reach the others.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[string]Sender
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[string]Sender)}
}

// Register adds a connection for uid and returns its id.
func (h *Hub) Register(uid string, s Sender) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[uid]; !ok {
		h.conns[uid] = make(map[string]Sender)
	}
	id := uuid.NewString()
	h.conns[uid][id] = s
	return id
}

// Unregister removes a connection. Unknown ids are ignored.
func (h *Hub) Unregister(uid, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.conns[uid]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(h.conns, uid)
		}
	}
}

// Connections returns how many connections uid has.
func (h *Hub) Connections(uid string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[uid])
}

// SendToUser delivers ev to every connection of uid. It returns an error when
// the user has none or when any send failed; failed connections are dropped.
func (h *Hub) SendToUser(uid string, ev Event) error {
	return h.send(uid, "", ev)
}

// SendToOthers delivers ev to every connection of uid except the one with id
// except. Having no other connection is not an error.
func (h *Hub) SendToOthers(uid, except string, ev Event) error {
	err := h.send(uid, except, ev)
	if errors.Is(err, errNotConnected) {
		return nil
	}
	return err
}

var errNotConnected = errors.New("gateway: user not connected")

func (h *Hub) send(uid, except string, ev Event) error {
	type target struct {
		id string
		s  Sender
	}
	h.mu.RLock()
	targets := make([]target, 0, len(h.conns[uid]))
	for id, s := range h.conns[uid] {
		if id != except {
			targets = append(targets, target{id, s})
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return errNotConnected
	}

	var firstErr error
	for _, t := range targets {
		if err := t.s.Send(ev); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("send to %s: %w", uid, err)
			}
			h.Unregister(uid, t.id)
		}
	}
	return firstErr
}
