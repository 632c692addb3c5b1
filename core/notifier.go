package core

import (
	"log/slog"
	"sync"

	"execguard/events"
)

const defaultNotificationQueueSize = 64

// ApprovalReply receives the user's answer for a held execution.
type ApprovalReply func(approved bool)

// Notification is one message for the GUI. Those with a reply are
// approval requests and must eventually be answered.
type Notification struct {
	Event   *events.ExecutionEvent
	Message string
	URL     string

	once  sync.Once
	reply ApprovalReply
	done  func(*Notification)
}

func (n *Notification) NeedsReply() bool {
	return n.reply != nil
}

// Reply answers an approval request. Only the first call has an effect.
// It reports whether this call delivered the answer.
func (n *Notification) Reply(approved bool) bool {
	if n.reply == nil {
		return false
	}
	delivered := false
	n.once.Do(func() {
		delivered = true
		if n.done != nil {
			n.done(n)
		}
		n.reply(approved)
	})
	return delivered
}

// GUIConnection delivers notifications to a user session.
type GUIConnection interface {
	Post(n *Notification) error
}

// NotificationQueue buffers notifications while no GUI is connected.
// The queue is bounded; the oldest entry is dropped on overflow, and a
// dropped approval request is answered with a denial.
type NotificationQueue struct {
	mu       sync.Mutex
	conn     GUIConnection
	pending  []*Notification
	inflight map[*Notification]struct{}
	capacity int
	logger   *slog.Logger
}

func NewNotificationQueue(capacity int, logger *slog.Logger) *NotificationQueue {
	if capacity <= 0 {
		capacity = defaultNotificationQueueSize
	}
	if logger == nil {
		logger = slog.Default().With("component", "notifier")
	}
	return &NotificationQueue{
		inflight: make(map[*Notification]struct{}),
		capacity: capacity,
		logger:   logger,
	}
}

// AddEvent queues or posts a notification for ev. A non-nil reply makes
// it an approval request.
func (q *NotificationQueue) AddEvent(ev *events.ExecutionEvent, msg, url string, reply ApprovalReply) *Notification {
	n := &Notification{Event: ev, Message: msg, URL: url, reply: reply}
	if reply != nil {
		n.done = q.settled
	}

	q.mu.Lock()
	conn := q.conn
	var evicted *Notification
	if conn == nil {
		q.pending = append(q.pending, n)
		if len(q.pending) > q.capacity {
			evicted = q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
		}
	} else if n.NeedsReply() {
		q.inflight[n] = struct{}{}
	}
	q.mu.Unlock()

	if evicted != nil {
		q.logger.Warn("notification queue full, dropping oldest", "path", evicted.Event.Path)
		evicted.Reply(false)
	}
	if conn != nil {
		q.post(conn, n)
	}
	return n
}

func (q *NotificationQueue) post(conn GUIConnection, n *Notification) {
	if err := conn.Post(n); err != nil {
		q.logger.Warn("posting notification failed", "path", n.Event.Path, "error", err)
		n.Reply(false)
	}
}

func (q *NotificationQueue) settled(n *Notification) {
	q.mu.Lock()
	delete(q.inflight, n)
	q.mu.Unlock()
}

// SetConnection installs conn and flushes everything queued to it.
func (q *NotificationQueue) SetConnection(conn GUIConnection) {
	q.mu.Lock()
	q.conn = conn
	queued := q.pending
	q.pending = nil
	for _, n := range queued {
		if n.NeedsReply() {
			q.inflight[n] = struct{}{}
		}
	}
	q.mu.Unlock()

	for _, n := range queued {
		q.post(conn, n)
	}
}

// ConnectionLost drops the connection and denies every approval request
// that is queued or waiting on the user.
func (q *NotificationQueue) ConnectionLost() {
	q.mu.Lock()
	q.conn = nil
	var deny []*Notification
	for n := range q.inflight {
		deny = append(deny, n)
	}
	kept := q.pending[:0]
	for _, n := range q.pending {
		if n.NeedsReply() {
			deny = append(deny, n)
		} else {
			kept = append(kept, n)
		}
	}
	q.pending = kept
	q.mu.Unlock()

	for _, n := range deny {
		n.Reply(false)
	}
}

// Len is the number of queued, undelivered notifications.
func (q *NotificationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Inflight is the number of approval requests delivered but unanswered.
func (q *NotificationQueue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}
