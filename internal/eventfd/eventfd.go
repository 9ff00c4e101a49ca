// Package eventfd wraps the Linux eventfd counter in semaphore mode,
// the cross-thread notification primitive behind active objects and
// the in-process test mailbox. Each Signal adds one unit; each Read
// consumes exactly one, so one readiness dispatch maps to one queued
// notification.
package eventfd

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// EventFd owns a single semaphore-mode eventfd descriptor.
type EventFd struct {
	fd int
}

// Create opens a semaphore eventfd with blocking reads. Readers are
// expected to read only after the event loop reported readiness.
func Create() (*EventFd, error) {
	return create(0)
}

// CreateNonblock opens a semaphore eventfd whose reads return EAGAIN
// when the counter is zero. Used where a receive must never block,
// such as a mailbox drained outside a readiness callback.
func CreateNonblock() (*EventFd, error) {
	return create(unix.EFD_NONBLOCK)
}

func create(extraFlags int) (*EventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_SEMAPHORE|extraFlags)
	if err != nil {
		return nil, err
	}
	return &EventFd{fd: fd}, nil
}

// Fd returns the descriptor.
func (e *EventFd) Fd() int {
	return e.fd
}

// Signal adds one unit to the counter, waking any loop monitoring the
// descriptor. Safe to call from any thread.
func (e *EventFd) Signal() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	return err
}

// Read consumes one unit from the counter.
func (e *EventFd) Read() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(e.fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, unix.EIO
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// Close releases the descriptor.
func (e *EventFd) Close() error {
	return unix.Close(e.fd)
}
