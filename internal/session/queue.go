package session

import (
	"sync"

	"github.com/MEMOxiiii/odonata-bridge/internal/protocol"
)

// Queue is an unbounded FIFO of injected packets.
type Queue struct {
	mu    sync.Mutex
	items []protocol.Packet

	// flush serialises Flush so two pipes draining the same queue cannot
	// reorder it.
	flush sync.Mutex
}

// Push appends pk.
func (q *Queue) Push(pk protocol.Packet) {
	q.mu.Lock()
	q.items = append(q.items, pk)
	q.mu.Unlock()
}

// Len returns the number of queued packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) pop() (protocol.Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return protocol.Packet{}, false
	}
	pk := q.items[0]
	q.items[0] = protocol.Packet{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return pk, true
}

// Flush writes queued packets in order until the queue is empty or write
// fails. Packets pushed while flushing are written by the same call.
func (q *Queue) Flush(write func(protocol.Packet) error) error {
	q.flush.Lock()
	defer q.flush.Unlock()
	for {
		pk, ok := q.pop()
		if !ok {
			return nil
		}
		if err := write(pk); err != nil {
			return err
		}
	}
}
