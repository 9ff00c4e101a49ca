// Package timerfd wraps the Linux timerfd API bound to the monotonic
// clock. The timer manager multiplexes all of a thread's logical
// timers over one of these descriptors, re-armed with absolute
// deadlines.
package timerfd

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Timer owns a single timerfd descriptor.
type Timer struct {
	fd int
}

// Create opens a timerfd on CLOCK_MONOTONIC. The descriptor is
// nonblocking: a read racing a cancellation yields EAGAIN instead of
// stalling the event loop.
func Create() (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &Timer{fd: fd}, nil
}

// Fd returns the timer descriptor.
func (t *Timer) Fd() int {
	return t.fd
}

// SetAbsolute arms the timer for an absolute CLOCK_MONOTONIC deadline
// in nanoseconds. A deadline already in the past fires immediately.
func (t *Timer) SetAbsolute(deadline int64) error {
	its := unix.ItimerSpec{Value: unix.NsecToTimespec(deadline)}
	return unix.TimerfdSettime(t.fd, unix.TFD_TIMER_ABSTIME, &its, nil)
}

// Disarm stops the timer without closing it.
func (t *Timer) Disarm() error {
	var its unix.ItimerSpec
	return unix.TimerfdSettime(t.fd, unix.TFD_TIMER_ABSTIME, &its, nil)
}

// Read consumes the expiration counter. EAGAIN means the timer has not
// expired, which happens when the due entry was cancelled between the
// kernel event and this read.
func (t *Timer) Read() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(t.fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, unix.EIO
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// Close releases the descriptor.
func (t *Timer) Close() error {
	return unix.Close(t.fd)
}

// Now returns the current CLOCK_MONOTONIC time in nanoseconds. All
// deadlines in the timer manager are absolute values of this clock, so
// wall-clock changes never move them.
func Now() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}
