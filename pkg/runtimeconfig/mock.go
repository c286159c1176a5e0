package runtimeconfig

import (
	"context"
	"sync"
)

var _ Source = (*MockSource)(nil)

// MockSource is an in-memory Source for tests. Initial values are delivered
// in order once Watch is called. Its channels close only on Close.
type MockSource struct {
	mu       sync.Mutex
	pending  []bool
	watching bool
	closed   bool
	values   chan bool
	errs     chan error
}

func NewMockSource(initial ...bool) *MockSource {
	return &MockSource{
		pending: append([]bool(nil), initial...),
		values:  make(chan bool, 64),
		errs:    make(chan error, 8),
	}
}

func (m *MockSource) Watch(_ context.Context) (<-chan bool, <-chan error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.watching = true
	for _, v := range m.pending {
		m.values <- v
	}
	m.pending = nil
	if m.closed {
		close(m.values)
		close(m.errs)
	}
	return m.values, m.errs
}

// Send queues a new value.
func (m *MockSource) Send(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.values <- enabled
}

// Fail queues a watch error.
func (m *MockSource) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.errs <- err
}

// Close ends the stream as if the source went away.
func (m *MockSource) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.watching {
		close(m.values)
		close(m.errs)
	}
}
