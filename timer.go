package reactor

import (
	"time"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-reactor/internal/logging"
	"github.com/ehrlich-b/go-reactor/internal/timerfd"
	"github.com/ehrlich-b/go-reactor/threadlocal"
)

// TimerSubscriber receives timer expirations. Implementations are
// compared by identity for lookup and cancel, so subscribers should be
// pointers.
type TimerSubscriber interface {
	HandleTimerExpired(userID uint32)
}

// timerEntry is one logical timer. Entries are ordered by absolute
// deadline, then by insertion sequence so timers sharing a deadline
// fire in start order.
type timerEntry struct {
	deadline   int64 // absolute CLOCK_MONOTONIC nanoseconds
	seq        uint64
	subscriber TimerSubscriber
	userID     uint32
	periodic   bool
	interval   time.Duration
}

func timerEntryLess(a, b *timerEntry) bool {
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.seq < b.seq
}

// TimerManager multiplexes any number of logical timers over a single
// timerfd registered in the thread's event loop. Obtain it with
// CurrentTimerManager; every method must be called on the owning
// thread. A live timer is identified by its (subscriber, userID) pair.
type TimerManager struct {
	ownerTID int
	loop     *Loop
	timer    *timerfd.Timer
	active   *btree.BTreeG[*timerEntry]
	seq      uint64
	log      *logging.Logger
}

// CurrentTimerManager returns the calling thread's timer manager,
// creating it on first access.
func CurrentTimerManager() *TimerManager {
	return threadlocal.Get[TimerManager]()
}

// ResetTimerManager destroys the calling thread's timer manager.
func ResetTimerManager() {
	threadlocal.Reset[TimerManager]()
}

// InitThreadLocal records the owning thread and binds the thread's
// loop. Invoked by the thread-local store; not for direct use.
func (m *TimerManager) InitThreadLocal() {
	m.ownerTID = unix.Gettid()
	m.loop = CurrentLoop()
	m.active = btree.NewG(2, timerEntryLess)
	m.log = logging.Default()
}

func (m *TimerManager) checkThread(op string) error {
	if unix.Gettid() != m.ownerTID {
		m.log.Error("operation called off the owner thread", "op", op, "owner", m.ownerTID, "caller", unix.Gettid())
		return opError(op, -1, CodeWrongThread)
	}
	return nil
}

// StartTimer schedules a one-shot timer that fires once after timeout.
func (m *TimerManager) StartTimer(timeout time.Duration, subscriber TimerSubscriber, userID uint32) error {
	m.log.Debug("starting timer", "timeout", timeout, "userId", userID)
	e := &timerEntry{subscriber: subscriber, userID: userID}
	return m.launch("START_TIMER", e, timeout)
}

// StartPeriodicTimer schedules a timer that fires every interval until
// cancelled. The next deadline is computed from the invocation time,
// so intervals never shrink under subscriber delay.
func (m *TimerManager) StartPeriodicTimer(interval time.Duration, subscriber TimerSubscriber, userID uint32) error {
	m.log.Debug("starting periodic timer", "interval", interval, "userId", userID)
	e := &timerEntry{subscriber: subscriber, userID: userID, periodic: true, interval: interval}
	return m.launch("START_PERIODIC_TIMER", e, interval)
}

// CancelTimer removes the live timer identified by (subscriber,
// userID). Cancelling between kernel expiry and dispatch is safe; the
// expiry handler absorbs the resulting empty read.
func (m *TimerManager) CancelTimer(subscriber TimerSubscriber, userID uint32) error {
	const op = "CANCEL_TIMER"
	if err := m.checkThread(op); err != nil {
		return err
	}

	victim := m.find(subscriber, userID)
	if victim == nil {
		m.log.Warn("cancel: timer not found", "userId", userID)
		return opError(op, -1, CodeNotFound)
	}

	wasEarliest := false
	if min, ok := m.active.Min(); ok && min == victim {
		wasEarliest = true
	}
	m.active.Delete(victim)
	if wasEarliest {
		if err := m.arm(); err != nil {
			m.log.Error("failed to reprogram timer fd after cancel", "err", err)
		}
	}

	m.loop.metrics.TimersCancelled.Add(1)
	m.log.Debug("timer cancelled", "userId", userID)
	return nil
}

// find scans for the live entry with the given identity.
func (m *TimerManager) find(subscriber TimerSubscriber, userID uint32) *timerEntry {
	var found *timerEntry
	m.active.Ascend(func(e *timerEntry) bool {
		if e.subscriber == subscriber && e.userID == userID {
			found = e
			return false
		}
		return true
	})
	return found
}

func (m *TimerManager) launch(op string, e *timerEntry, timeout time.Duration) error {
	if err := m.checkThread(op); err != nil {
		return err
	}
	if e.subscriber == nil || timeout < 0 {
		return opError(op, -1, CodeInvalidArg)
	}

	if m.find(e.subscriber, e.userID) != nil {
		m.log.Warn("timer already exists", "userId", e.userID)
		return opError(op, -1, CodeAlreadyExists)
	}

	if m.timer == nil {
		if err := m.createTimerFd(op); err != nil {
			return err
		}
	}

	e.deadline = timerfd.Now() + timeout.Nanoseconds()
	m.seq++
	e.seq = m.seq
	m.active.ReplaceOrInsert(e)

	if min, ok := m.active.Min(); ok && min == e {
		if err := m.arm(); err != nil {
			m.active.Delete(e)
			m.log.Error("failed to program timer fd", "err", err)
			return internalError(op, m.timer.Fd(), err)
		}
	}

	m.log.Debug("timer launched", "userId", e.userID, "periodic", e.periodic)
	return nil
}

// createTimerFd opens the single kernel timer and registers it with
// the thread's event loop.
func (m *TimerManager) createTimerFd(op string) error {
	t, err := timerfd.Create()
	if err != nil {
		m.log.Error("failed to create timer fd", "err", err)
		return internalError(op, -1, err)
	}

	cb := func(int, EventMask) { m.onExpired() }
	if err := m.loop.Add(t.Fd(), Readable, cb); err != nil {
		_ = t.Close()
		m.log.Error("failed to register timer fd with event loop", "err", err)
		return internalError(op, t.Fd(), err)
	}

	m.timer = t
	m.log.Debug("timer fd created", "fd", t.Fd())
	return nil
}

// arm programs the kernel timer for the earliest deadline, or disarms
// it when no timers remain.
func (m *TimerManager) arm() error {
	if min, ok := m.active.Min(); ok {
		return m.timer.SetAbsolute(min.deadline)
	}
	return m.timer.Disarm()
}

// onExpired handles timer fd readiness. At most one subscriber is
// invoked per kernel event; remaining due entries fire on subsequent
// loop iterations after re-arming. The multimap and the kernel timer
// are updated before the subscriber runs, so a subscriber that starts
// or cancels timers observes a consistent state.
func (m *TimerManager) onExpired() {
	if _, err := m.timer.Read(); err != nil {
		// EAGAIN means the due timer was cancelled by a peer callback
		// in the same batch; nothing to deliver.
		if err != unix.EAGAIN {
			m.log.Error("timer fd read failed", "err", err)
		}
		return
	}

	min, ok := m.active.Min()
	if !ok {
		m.log.Error("timer fd fired with no active timers")
		return
	}

	subscriber, userID := min.subscriber, min.userID
	m.active.Delete(min)

	if min.periodic {
		m.seq++
		m.active.ReplaceOrInsert(&timerEntry{
			deadline:   timerfd.Now() + min.interval.Nanoseconds(),
			seq:        m.seq,
			subscriber: subscriber,
			userID:     userID,
			periodic:   true,
			interval:   min.interval,
		})
	}

	if err := m.arm(); err != nil {
		m.log.Error("failed to reprogram timer fd", "err", err)
	}

	m.loop.metrics.TimersFired.Add(1)
	m.log.Debug("timer expired", "userId", userID)
	subscriber.HandleTimerExpired(userID)
}

// Close disarms and releases the kernel timer and deregisters it from
// the loop. Invoked by the thread-local store on reset or thread
// release.
func (m *TimerManager) Close() error {
	if m.timer == nil {
		return nil
	}
	_ = m.timer.Disarm()
	_ = m.loop.Remove(m.timer.Fd())
	err := m.timer.Close()
	m.timer = nil
	m.log.Debug("timer manager closed")
	return err
}
