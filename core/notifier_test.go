package core

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execguard/events"
)

type replies struct {
	mu  sync.Mutex
	got map[string][]bool
}

func (r *replies) recordFor(path string) ApprovalReply {
	return func(approved bool) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.got == nil {
			r.got = make(map[string][]bool)
		}
		r.got[path] = append(r.got[path], approved)
	}
}

func (r *replies) of(path string) []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[path]
}

func ev(path string) *events.ExecutionEvent {
	return &events.ExecutionEvent{Path: path, Decision: "BlockUnknown"}
}

func TestNotificationQueue_BuffersUntilConnected(t *testing.T) {
	q := NewNotificationQueue(4, nil)
	q.AddEvent(ev("/a"), "blocked", "", nil)
	q.AddEvent(ev("/b"), "blocked", "", nil)
	assert.Equal(t, 2, q.Len())

	gui := &fakeGUI{}
	q.SetConnection(gui)
	assert.Zero(t, q.Len())
	require.Equal(t, 2, gui.count())
	assert.Equal(t, "/a", gui.posts[0].Event.Path, "delivered oldest first")
}

func TestNotificationQueue_OverflowDeniesEvictedApproval(t *testing.T) {
	var r replies
	q := NewNotificationQueue(2, nil)
	q.AddEvent(ev("/first"), "", "", r.recordFor("/first"))
	q.AddEvent(ev("/second"), "", "", nil)
	q.AddEvent(ev("/third"), "", "", nil)

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []bool{false}, r.of("/first"))
}

func TestNotificationQueue_ConnectionLostDeniesPendingAndInflight(t *testing.T) {
	var r replies
	q := NewNotificationQueue(8, nil)
	q.AddEvent(ev("/queued"), "", "", r.recordFor("/queued"))
	q.AddEvent(ev("/info"), "", "", nil)

	gui := &fakeGUI{}
	q.SetConnection(gui)
	q.AddEvent(ev("/live"), "", "", r.recordFor("/live"))
	assert.Equal(t, 2, q.Inflight())

	q.ConnectionLost()
	assert.Equal(t, []bool{false}, r.of("/queued"))
	assert.Equal(t, []bool{false}, r.of("/live"))
	assert.Zero(t, q.Inflight())

	// Later answers from a stale GUI are ignored.
	for _, n := range gui.approvals() {
		assert.False(t, n.Reply(true))
	}
	assert.Equal(t, []bool{false}, r.of("/live"))

	q.AddEvent(ev("/offline"), "", "", r.recordFor("/offline"))
	q.AddEvent(ev("/info2"), "", "", nil)
	q.ConnectionLost()
	assert.Equal(t, []bool{false}, r.of("/offline"))
	assert.Equal(t, 1, q.Len(), "plain notifications stay queued")
}

type failingGUI struct{}

func (failingGUI) Post(*Notification) error { return errors.New("socket closed") }

func TestNotificationQueue_PostFailureDenies(t *testing.T) {
	var r replies
	q := NewNotificationQueue(8, nil)
	q.SetConnection(failingGUI{})
	q.AddEvent(ev("/x"), "", "", r.recordFor("/x"))

	assert.Equal(t, []bool{false}, r.of("/x"))
	assert.Zero(t, q.Inflight())
}

func TestNotification_ReplyOnce(t *testing.T) {
	var r replies
	q := NewNotificationQueue(8, nil)
	gui := &fakeGUI{}
	q.SetConnection(gui)
	n := q.AddEvent(ev("/y"), "", "", r.recordFor("/y"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(approved bool) {
			defer wg.Done()
			n.Reply(approved)
		}(i%2 == 0)
	}
	wg.Wait()
	assert.Len(t, r.of("/y"), 1)

	info := q.AddEvent(ev("/z"), "", "", nil)
	assert.False(t, info.NeedsReply())
	assert.False(t, info.Reply(true))
}
