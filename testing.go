package reactor

import (
	"sync"

	"github.com/ehrlich-b/go-reactor/internal/eventfd"
)

// MockMailbox provides an in-process Mailbox implementation for
// testing. Readiness is backed by a nonblocking semaphore eventfd, so
// the mailbox integrates with a real event loop: each Send raises one
// readiness unit and each Receive consumes one, matching the
// one-message-per-readiness-event dispatch contract.
type MockMailbox struct {
	notify *eventfd.EventFd

	mu      sync.Mutex
	pending []*Message
	freed   int
	names   map[MailboxID]string
}

// NewMockMailbox creates a new mock mailbox.
func NewMockMailbox() (*MockMailbox, error) {
	notify, err := eventfd.CreateNonblock()
	if err != nil {
		return nil, internalError("CREATE_MAILBOX", -1, err)
	}
	return &MockMailbox{
		notify: notify,
		names:  make(map[MailboxID]string),
	}, nil
}

// Send enqueues a message and raises readiness. Safe to call from any
// thread.
func (m *MockMailbox) Send(number uint32, payload []byte, sender MailboxID) error {
	msg := NewMessage(number, payload, sender, m)

	m.mu.Lock()
	m.pending = append(m.pending, msg)
	m.mu.Unlock()

	return m.notify.Signal()
}

// SetName registers a name for sender resolution.
func (m *MockMailbox) SetName(id MailboxID, name string) {
	m.mu.Lock()
	m.names[id] = name
	m.mu.Unlock()
}

// Fd implements Mailbox.
func (m *MockMailbox) Fd() int {
	return m.notify.Fd()
}

// Receive implements Mailbox: one message per call, nil when none is
// pending.
func (m *MockMailbox) Receive() *Message {
	if _, err := m.notify.Read(); err != nil {
		// EAGAIN: counter already drained, nothing pending.
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 {
		return nil
	}
	msg := m.pending[0]
	m.pending = m.pending[1:]
	return msg
}

// Free implements Mailbox, tracking releases for verification.
func (m *MockMailbox) Free(msg *Message) {
	m.mu.Lock()
	m.freed++
	m.mu.Unlock()
}

// Name implements Mailbox.
func (m *MockMailbox) Name(id MailboxID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.names[id]
	return name, ok
}

// FreedCount returns how many messages were released back to the
// mailbox.
func (m *MockMailbox) FreedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freed
}

// PendingCount returns how many messages are queued but not yet
// received.
func (m *MockMailbox) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close releases the readiness descriptor.
func (m *MockMailbox) Close() error {
	return m.notify.Close()
}
