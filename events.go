package reactor

import "golang.org/x/sys/unix"

// EventMask selects which readiness conditions a handler wants. The
// zero mask is not a valid request.
type EventMask uint32

const (
	// Readable indicates the descriptor has data to read.
	Readable EventMask = 1 << iota
	// Writable indicates the descriptor accepts writes.
	Writable
)

// Callback is invoked by the loop with the descriptor and the
// readiness that was both requested and delivered.
type Callback func(fd int, events EventMask)

// toEpollEvents converts the public mask to kernel epoll bits. A mask
// with no supported bits converts to 0, which callers reject as
// invalid. Keeping the conversion here means kernel flag values never
// leak through the public surface.
func toEpollEvents(mask EventMask) uint32 {
	var events uint32
	if mask&Readable != 0 {
		events |= unix.EPOLLIN
	}
	if mask&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

// fromEpollEvents converts kernel epoll bits back to the public mask.
func fromEpollEvents(events uint32) EventMask {
	var mask EventMask
	if events&unix.EPOLLIN != 0 {
		mask |= Readable
	}
	if events&unix.EPOLLOUT != 0 {
		mask |= Writable
	}
	return mask
}
