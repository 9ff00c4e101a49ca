package reactor

import (
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-reactor/internal/constants"
	"github.com/ehrlich-b/go-reactor/internal/epoll"
	"github.com/ehrlich-b/go-reactor/internal/logging"
	"github.com/ehrlich-b/go-reactor/threadlocal"
)

// fdHandler holds one registered descriptor. Identity in the kernel's
// event data is the packed (generation, fd) pair, so a stale event
// dequeued in the current batch can never reach a handler re-added for
// the same descriptor.
type fdHandler struct {
	fd       int
	mask     EventMask
	callback Callback
	gen      uint32
}

// Loop is the per-thread readiness dispatcher. Obtain it with
// CurrentLoop; every method must be called on the owning thread and
// returns ErrWrongThread otherwise.
//
// All callbacks run on the owner thread. The only blocking point is
// the demultiplexer wait; a callback that blocks stalls every timer,
// message, and work item multiplexed on this thread.
type Loop struct {
	ownerTID int
	poller   *epoll.Poller
	running  bool
	handlers map[int]*fdHandler
	// graveyard keeps just-removed handlers alive, with mask 0, until
	// the current batch has fully dispatched. Cleared at the top of
	// each wait iteration.
	graveyard map[uint64]*fdHandler
	deferred  []func()
	nextGen   uint32
	metrics   *Metrics
	log       *logging.Logger
}

// CurrentLoop returns the calling thread's event loop, creating it on
// first access and pinning the goroutine to its OS thread.
func CurrentLoop() *Loop {
	return threadlocal.Get[Loop]()
}

// ResetLoop destroys the calling thread's event loop and releases its
// kernel demultiplexer.
func ResetLoop() {
	logging.Info("resetting event loop")
	threadlocal.Reset[Loop]()
}

// InitThreadLocal records the owning thread. Invoked by the
// thread-local store at construction; not for direct use.
func (l *Loop) InitThreadLocal() {
	l.ownerTID = unix.Gettid()
	l.handlers = make(map[int]*fdHandler)
	l.graveyard = make(map[uint64]*fdHandler)
	l.metrics = NewMetrics()
	l.log = logging.Default()
}

// Metrics returns the loop's counters. Safe to read from any thread.
func (l *Loop) Metrics() *Metrics {
	return l.metrics
}

func (l *Loop) checkThread(op string) error {
	if unix.Gettid() != l.ownerTID {
		l.log.Error("operation called off the owner thread", "op", op, "owner", l.ownerTID, "caller", unix.Gettid())
		return opError(op, -1, CodeWrongThread)
	}
	return nil
}

// packData packs a handler's identity into epoll user data.
func packData(gen uint32, fd int) uint64 {
	return uint64(gen)<<32 | uint64(uint32(fd))
}

// Add registers fd with the given event mask and callback. The first
// successful call lazily creates the kernel demultiplexer.
func (l *Loop) Add(fd int, mask EventMask, cb Callback) error {
	const op = "ADD_FD"
	if err := l.checkThread(op); err != nil {
		return err
	}

	if _, ok := l.handlers[fd]; ok {
		l.log.Warn("fd handler already exists", "fd", fd)
		return opError(op, fd, CodeAlreadyExists)
	}

	events := toEpollEvents(mask)
	if events == 0 || fd < 0 || cb == nil {
		l.log.Error("invalid fd handler arguments", "fd", fd, "mask", mask)
		return opError(op, fd, CodeInvalidArg)
	}

	if l.poller == nil {
		p, err := epoll.Create()
		if err != nil {
			l.log.Error("failed to create demultiplexer", "err", err)
			return internalError(op, fd, err)
		}
		l.log.Debug("demultiplexer created", "epfd", p.Fd())
		l.poller = p
	}

	l.nextGen++
	h := &fdHandler{fd: fd, mask: mask, callback: cb, gen: l.nextGen}
	if err := l.poller.Add(fd, events, packData(h.gen, fd)); err != nil {
		l.log.Error("failed to add fd to demultiplexer", "fd", fd, "err", err)
		return internalError(op, fd, err)
	}
	l.handlers[fd] = h

	l.log.Debug("fd handler added", "fd", fd)
	return nil
}

// Update changes the event mask of an already-registered descriptor.
func (l *Loop) Update(fd int, mask EventMask) error {
	const op = "UPDATE_FD"
	if err := l.checkThread(op); err != nil {
		return err
	}

	h, ok := l.handlers[fd]
	if !ok {
		l.log.Warn("fd handler not found", "fd", fd)
		return opError(op, fd, CodeNotFound)
	}

	events := toEpollEvents(mask)
	if events == 0 {
		l.log.Error("invalid event mask", "fd", fd, "mask", mask)
		return opError(op, fd, CodeInvalidArg)
	}

	if err := l.poller.Modify(fd, events, packData(h.gen, fd)); err != nil {
		l.log.Error("failed to modify fd in demultiplexer", "fd", fd, "err", err)
		return internalError(op, fd, err)
	}
	h.mask = mask

	l.log.Debug("fd handler updated", "fd", fd)
	return nil
}

// Remove deregisters fd. The handler moves to the graveyard with a
// cleared mask, so an event for it already dequeued in the current
// batch is dropped instead of dispatched; the entry is finally
// destroyed at the start of the next wait iteration.
func (l *Loop) Remove(fd int) error {
	const op = "REMOVE_FD"
	if err := l.checkThread(op); err != nil {
		return err
	}

	h, ok := l.handlers[fd]
	if !ok {
		l.log.Warn("fd handler not found", "fd", fd)
		return opError(op, fd, CodeNotFound)
	}

	// Best effort: the fd may already be closed by the caller.
	if l.poller != nil {
		_ = l.poller.Delete(fd)
	}

	h.mask = 0
	l.graveyard[packData(h.gen, fd)] = h
	delete(l.handlers, fd)

	l.log.Debug("fd handler removed", "fd", fd)
	return nil
}

// Run dispatches readiness events until Stop is called or the handler
// map empties. Spurious wait interruptions by signals are retried;
// any other wait failure returns ErrInternal.
func (l *Loop) Run() error {
	const op = "RUN"
	if err := l.checkThread(op); err != nil {
		return err
	}

	l.log.Info("event loop starting")
	l.running = true

	events := make([]unix.EpollEvent, constants.MaxEventBatch)

	for l.running && len(l.handlers) > 0 {
		clear(l.graveyard)

		n, err := l.poller.Wait(events)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.log.Error("demultiplexer wait failed", "err", err)
			return internalError(op, -1, err)
		}

		l.metrics.Wakeups.Add(1)
		for i := 0; i < n; i++ {
			l.dispatch(events[i])
		}
	}

	l.log.Info("event loop exiting")
	return nil
}

// Stop asks the loop to exit; the current batch finishes dispatching
// first.
func (l *Loop) Stop() error {
	const op = "STOP"
	if err := l.checkThread(op); err != nil {
		return err
	}

	l.running = false
	l.log.Info("event loop stopping")
	return nil
}

// Schedule appends a zero-argument callback to the deferred list.
// Deferred callbacks run before the next external FD callback and may
// schedule further deferred callbacks; a callback that keeps
// rescheduling forever starves external readiness, and bounding that
// is the caller's responsibility.
func (l *Loop) Schedule(fn func()) error {
	const op = "SCHEDULE"
	if err := l.checkThread(op); err != nil {
		return err
	}
	if fn == nil {
		return opError(op, -1, CodeInvalidArg)
	}

	l.deferred = append(l.deferred, fn)
	l.log.Debug("deferred callback scheduled", "pending", len(l.deferred))
	return nil
}

// dispatch routes one kernel event to its handler, then drains the
// deferred list before the next event in the batch is looked at.
func (l *Loop) dispatch(ev unix.EpollEvent) {
	data := epoll.Data(ev)
	fd := int(int32(uint32(data)))
	gen := uint32(data >> 32)

	h := l.handlers[fd]
	if h == nil || h.gen != gen {
		// The registration this event was queued for is gone; if it
		// was removed within the current batch the graveyard still
		// holds it, with mask 0.
		h = l.graveyard[data]
	}
	if h == nil {
		return
	}

	delivered := fromEpollEvents(ev.Events) & h.mask
	if delivered == 0 {
		l.metrics.EventsDropped.Add(1)
		return
	}

	l.metrics.EventsDispatched.Add(1)
	l.log.Debug("dispatching fd event", "fd", h.fd, "events", delivered)
	h.callback(h.fd, delivered)

	l.drainDeferred()
}

// drainDeferred runs the deferred list to exhaustion in FIFO order,
// including callbacks scheduled while draining.
func (l *Loop) drainDeferred() {
	for len(l.deferred) > 0 {
		fn := l.deferred[0]
		l.deferred = l.deferred[1:]
		l.metrics.DeferredExecuted.Add(1)
		fn()
	}
}

// Close releases the kernel demultiplexer. Invoked by the thread-local
// store on reset or thread release.
func (l *Loop) Close() error {
	if l.poller == nil {
		return nil
	}
	err := l.poller.Close()
	l.poller = nil
	l.log.Debug("demultiplexer closed")
	return err
}
