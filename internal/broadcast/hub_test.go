package broadcast

import (
	"errors"
	"sync"
	"testing"
)

type fakeConn struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (c *fakeConn) Send(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("write failed")
	}
	c.events = append(c.events, event)
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	h := NewHub()
	a := &fakeConn{}
	b := &fakeConn{}
	h.Subscribe("job-1", a)
	h.Subscribe("job-1", b)
	h.Subscribe("job-2", &fakeConn{})

	h.Broadcast("job-1", Event{Type: EventLog, JobID: "job-1"})

	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("expected one event each, got %d and %d", a.count(), b.count())
	}
}

func TestBroadcastEvictsDeadConnOnly(t *testing.T) {
	h := NewHub()
	dead := &fakeConn{fail: true}
	live := &fakeConn{}
	h.Subscribe("job-1", dead)
	h.Subscribe("job-1", live)

	h.Broadcast("job-1", Event{Type: EventLog})
	if live.count() != 1 {
		t.Fatalf("live conn missed the event")
	}

	// The dead conn is gone; the live one keeps receiving.
	h.Broadcast("job-1", Event{Type: EventLog})
	if live.count() != 2 {
		t.Fatalf("live conn missed the second event")
	}
	if !h.HasSubscribers("job-1") {
		t.Fatalf("live conn should still be subscribed")
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	h := NewHub()
	c := &fakeConn{}
	h.Subscribe("job-1", c)
	h.Unsubscribe("job-1", c)
	h.Unsubscribe("job-1", c)
	h.Unsubscribe("missing", c)

	if h.HasSubscribers("job-1") {
		t.Fatalf("expected no subscribers after unsubscribe")
	}
}

func TestDuplicateSubscribeDeliversOnce(t *testing.T) {
	h := NewHub()
	c := &fakeConn{}
	h.Subscribe("job-1", c)
	h.Subscribe("job-1", c)

	h.Broadcast("job-1", Event{Type: EventLog})
	if c.count() != 1 {
		t.Fatalf("duplicate subscribe delivered %d events", c.count())
	}
}

func TestDropRemovesFromAllJobs(t *testing.T) {
	h := NewHub()
	c := &fakeConn{}
	h.Subscribe("job-1", c)
	h.Subscribe("job-2", c)

	h.Drop(c)

	if h.HasSubscribers("job-1") || h.HasSubscribers("job-2") {
		t.Fatalf("drop left the conn subscribed")
	}
}
