// ABOUTME: Per-connection outbound FIFO shared by control replies and live broadcasts
// ABOUTME: Control frames wait for a slot; broadcasts never block and drop the oldest broadcast when full

package relay

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

var errQueueClosed = errors.New("outbound queue closed")

type outFrame struct {
	data      []byte
	broadcast bool
}

// outQueue orders every frame a connection will write. Control frames
// (replies to the client's own requests) are never dropped; their producer
// blocks once controlSlots frames are waiting. Broadcast frames are bounded
// by maxBroadcasts and the oldest queued broadcast is discarded on overflow.
type outQueue struct {
	mu            sync.Mutex
	items         *list.List
	broadcasts    int
	maxBroadcasts int
	closed        bool

	slots  chan struct{}
	notify chan struct{}
	done   chan struct{}
}

func newOutQueue(maxBroadcasts, controlSlots int) *outQueue {
	if maxBroadcasts < 1 {
		maxBroadcasts = 1
	}
	if controlSlots < 1 {
		controlSlots = 1
	}
	return &outQueue{
		items:         list.New(),
		maxBroadcasts: maxBroadcasts,
		slots:         make(chan struct{}, controlSlots),
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// pushControl enqueues a control frame, waiting for a free slot.
func (q *outQueue) pushControl(ctx context.Context, data []byte) error {
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return errQueueClosed
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.slots
		return errQueueClosed
	}
	q.items.PushBack(&outFrame{data: data})
	q.mu.Unlock()
	q.signal()
	return nil
}

// pushBroadcast enqueues a broadcast frame without blocking. It reports
// whether an older broadcast was dropped to make room.
func (q *outQueue) pushBroadcast(data []byte) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.broadcasts >= q.maxBroadcasts {
		for el := q.items.Front(); el != nil; el = el.Next() {
			if el.Value.(*outFrame).broadcast {
				q.items.Remove(el)
				q.broadcasts--
				dropped = true
				break
			}
		}
	}
	q.items.PushBack(&outFrame{data: data, broadcast: true})
	q.broadcasts++
	q.mu.Unlock()
	q.signal()
	return dropped
}

func (q *outQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop returns the next frame, blocking until one is queued. After close it
// drains what is left and then reports false.
func (q *outQueue) pop() ([]byte, bool) {
	for {
		q.mu.Lock()
		if el := q.items.Front(); el != nil {
			f := q.items.Remove(el).(*outFrame)
			if f.broadcast {
				q.broadcasts--
			}
			q.mu.Unlock()
			if !f.broadcast {
				<-q.slots
			}
			return f.data, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-q.notify:
		case <-q.done:
		}
	}
}

// len returns the number of queued frames.
func (q *outQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *outQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}
