package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Queue.
type Memory struct {
	mu       sync.Mutex
	ready    map[string][]Message
	inflight map[string]Message
	signal   chan struct{}
	sent     map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		ready:    map[string][]Message{},
		inflight: map[string]Message{},
		signal:   make(chan struct{}),
		sent:     map[string]int{},
	}
}

func (m *Memory) Send(_ context.Context, queue string, payload []byte) error {
	body := append([]byte(nil), payload...)
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.ready[queue] = append(m.ready[queue], Message{ID: id, Queue: queue, Body: body, receipt: id})
	m.sent[queue]++
	m.notifyLocked()
	return nil
}

func (m *Memory) Receive(ctx context.Context, queue string, limit int, wait time.Duration) ([]Message, error) {
	if limit <= 0 {
		limit = 1
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	for {
		m.mu.Lock()
		if pending := m.ready[queue]; len(pending) > 0 {
			n := min(limit, len(pending))
			out := make([]Message, n)
			copy(out, pending[:n])
			m.ready[queue] = pending[n:]
			for i := range out {
				out[i].Attempt++
				m.inflight[out[i].receipt] = out[i]
			}
			m.mu.Unlock()
			return out, nil
		}
		signal := m.signal
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-signal:
		}
	}
}

func (m *Memory) Ack(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, msg.receipt)
	return nil
}

func (m *Memory) Nack(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.inflight[msg.receipt]
	if !ok {
		return nil
	}
	delete(m.inflight, msg.receipt)
	m.ready[msg.Queue] = append(m.ready[msg.Queue], held)
	m.notifyLocked()
	return nil
}

// Pending returns the bodies waiting on queue, oldest first.
func (m *Memory) Pending(queue string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, 0, len(m.ready[queue]))
	for _, msg := range m.ready[queue] {
		out = append(out, msg.Body)
	}
	return out
}

// Sent counts every Send on queue since creation.
func (m *Memory) Sent(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[queue]
}

// Inflight counts received messages that were neither acked nor nacked.
func (m *Memory) Inflight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

func (m *Memory) notifyLocked() {
	close(m.signal)
	m.signal = make(chan struct{})
}
