package client

import "github.com/eleven-am/voicelink/internal/protocol"

const defaultQueueLimit = 512

// messageQueue buffers outbound messages until the session is
// authenticated. Not safe for concurrent use; the owning Client
// serializes access.
type messageQueue struct {
	items []*protocol.Message
	limit int
}

func newMessageQueue(limit int) *messageQueue {
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	return &messageQueue{limit: limit}
}

// Push appends the message, dropping the oldest entry when the queue is
// full. Reports whether anything was dropped.
func (q *messageQueue) Push(msg *protocol.Message) bool {
	dropped := false
	if len(q.items) >= q.limit {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, msg)
	return dropped
}

// Drain returns every queued message in FIFO order and empties the
// queue, so a flush delivers each message exactly once.
func (q *messageQueue) Drain() []*protocol.Message {
	items := q.items
	q.items = nil
	return items
}

func (q *messageQueue) Len() int {
	return len(q.items)
}
