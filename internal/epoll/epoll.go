// Package epoll wraps the Linux epoll readiness demultiplexer behind a
// small interface so the event loop never handles raw epoll flags or
// epoll_event layout directly.
package epoll

import (
	"golang.org/x/sys/unix"
)

// Poller owns a single epoll instance.
type Poller struct {
	fd int
}

// Create opens a new epoll instance. EPOLL_CLOEXEC avoids leaking the
// descriptor across fork/exec in a multithreaded process.
func Create() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{fd: fd}, nil
}

// Fd returns the epoll descriptor.
func (p *Poller) Fd() int {
	return p.fd
}

// Add registers fd in the interest list with the given kernel event
// mask. data is returned verbatim in events produced by Wait and is
// how callers recover handler identity.
func (p *Poller) Add(fd int, events uint32, data uint64) error {
	ev := unix.EpollEvent{Events: events}
	putData(&ev, data)
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify updates the event mask for an fd already in the interest list.
func (p *Poller) Modify(fd int, events uint32, data uint64) error {
	ev := unix.EpollEvent{Events: events}
	putData(&ev, data)
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Delete removes fd from the interest list.
func (p *Poller) Delete(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until at least one event is ready and fills events,
// returning the count. Interruption by a signal surfaces as EINTR;
// retry policy belongs to the caller.
func (p *Poller) Wait(events []unix.EpollEvent) (int, error) {
	return unix.EpollWait(p.fd, events, -1)
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	return unix.Close(p.fd)
}

// putData stores a 64-bit user value in the epoll_event data union.
// The x/sys representation splits the union into Fd and Pad, so the
// value is packed across both halves.
func putData(ev *unix.EpollEvent, data uint64) {
	ev.Fd = int32(uint32(data))
	ev.Pad = int32(uint32(data >> 32))
}

// Data recovers the 64-bit user value stored by putData.
func Data(ev unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
}
