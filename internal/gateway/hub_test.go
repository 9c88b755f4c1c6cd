package gateway

import (
	"errors"
	"sync"
	"testing"
)

type fakeSender struct {
	mu   sync.Mutex
	got  []Event
	fail bool
}

func (f *fakeSender) Send(ev Event) error {
	if f.fail {
		return errors.New("send fail")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, ev)
	return nil
}

func (f *fakeSender) last() (Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.got) == 0 {
		return Event{}, false
	}
	return f.got[len(f.got)-1], true
}

func TestHubRegisterAndSend(t *testing.T) {
	hub := NewHub()

	a := &fakeSender{}
	b := &fakeSender{}
	idA := hub.Register("alice", a)
	_ = hub.Register("alice", b)

	if n := hub.Connections("alice"); n != 2 {
		t.Fatalf("expected 2 connections, got %d", n)
	}

	if err := hub.SendToUser("alice", Event{Type: EventToast}); err != nil {
		t.Fatalf("expected send success, got error: %v", err)
	}
	if ev, ok := a.last(); !ok || ev.Type != EventToast {
		t.Fatalf("connection A did not receive the event")
	}

	hub.Unregister("alice", idA)
	if err := hub.SendToUser("alice", Event{Type: EventBadge}); err != nil {
		t.Fatalf("expected send success after unregistering one connection: %v", err)
	}
	if ev, _ := a.last(); ev.Type == EventBadge {
		t.Fatalf("connection A should not receive events after unregister")
	}
	if ev, _ := b.last(); ev.Type != EventBadge {
		t.Fatalf("connection B missed the event")
	}
}

func TestHubSendToOffline(t *testing.T) {
	hub := NewHub()
	if err := hub.SendToUser("nobody", Event{}); err == nil {
		t.Fatalf("expected error when sending to an offline user")
	}
	if err := hub.SendToOthers("nobody", "", Event{}); err != nil {
		t.Fatalf("SendToOthers with no connections should succeed, got %v", err)
	}
}

func TestHubSendPartialFailure(t *testing.T) {
	hub := NewHub()
	ok := &fakeSender{}
	bad := &fakeSender{fail: true}
	_ = hub.Register("dana", ok)
	_ = hub.Register("dana", bad)

	if err := hub.SendToUser("dana", Event{Type: "x"}); err == nil {
		t.Fatalf("expected error due to partial failure")
	}
	if n := hub.Connections("dana"); n != 1 {
		t.Fatalf("failed connection should be dropped, have %d", n)
	}
	if err := hub.SendToUser("dana", Event{Type: "y"}); err != nil {
		t.Fatalf("expected send to succeed after cleanup: %v", err)
	}
	if ev, _ := ok.last(); ev.Type != "y" {
		t.Fatalf("healthy connection did not receive second event")
	}
}

func TestHubSendToOthers(t *testing.T) {
	hub := NewHub()
	self := &fakeSender{}
	other := &fakeSender{}
	selfID := hub.Register("erin", self)
	_ = hub.Register("erin", other)

	if err := hub.SendToOthers("erin", selfID, Event{Type: EventSignedOut}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, got := self.last(); got {
		t.Fatalf("the originating connection must be skipped")
	}
	if ev, _ := other.last(); ev.Type != EventSignedOut {
		t.Fatalf("other connection did not receive signed_out")
	}
	hub.Unregister("erin", "missing")
	if n := hub.Connections("erin"); n != 2 {
		t.Fatalf("unregistering an unknown id changed the hub: %d", n)
	}
}
