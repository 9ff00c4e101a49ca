package reactor

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-reactor/internal/constants"
	"github.com/ehrlich-b/go-reactor/internal/eventfd"
	"github.com/ehrlich-b/go-reactor/internal/logging"
	"github.com/ehrlich-b/go-reactor/threadlocal"
)

// SchedulingPolicy selects the worker thread's kernel scheduling
// class.
type SchedulingPolicy int

const (
	// PolicyDefault keeps the inherited scheduling class.
	PolicyDefault SchedulingPolicy = iota
	// PolicyFifo applies SCHED_FIFO. Reserved for paths that need
	// real-time execution.
	PolicyFifo
)

// ActiveObjectConfig configures a worker.
type ActiveObjectConfig struct {
	Name   string           // thread name; generated when empty, truncated to the kernel comm limit
	Init   func()           // runs on the worker before its loop starts
	Policy SchedulingPolicy // scheduling class for the worker thread
}

// ActiveObject owns a worker thread running its own event loop and
// executes submitted work items on it in submission order. Work is
// handed over through a mutex-guarded queue and a semaphore eventfd;
// the mutex guards the queue and the closed flag, never an invocation.
type ActiveObject struct {
	name      string
	notify    *eventfd.EventFd
	mu        sync.Mutex
	queue     []func()
	closed    bool
	workerTID atomic.Int64
	done      chan struct{}
	log       *logging.Logger
}

// NewActiveObject creates the worker thread and returns its handle.
// Close the handle to terminate the worker; queued work submitted
// before Close still runs.
func NewActiveObject(cfg ActiveObjectConfig) (*ActiveObject, error) {
	name := cfg.Name
	if name == "" {
		name = "worker-" + uuid.NewString()[:8]
	}
	if len(name) > constants.MaxThreadNameLen {
		name = name[:constants.MaxThreadNameLen]
	}

	notify, err := eventfd.Create()
	if err != nil {
		logging.Error("failed to create notify fd", "name", name, "err", err)
		return nil, internalError("CREATE_AO", -1, err)
	}

	ao := &ActiveObject{
		name:   name,
		notify: notify,
		done:   make(chan struct{}),
		log:    logging.Default(),
	}

	ready := make(chan error, 1)
	go ao.workerMain(cfg, ready)

	if err := <-ready; err != nil {
		_ = notify.Close()
		return nil, err
	}

	ao.log.Info("active object created", "name", name)
	return ao, nil
}

// Execute appends fn to the work queue and signals the worker. Safe to
// call from any thread; items run on the worker strictly in submission
// order, exactly once.
func (ao *ActiveObject) Execute(fn func()) {
	if fn == nil {
		return
	}

	ao.mu.Lock()
	closed := ao.closed
	ao.mu.Unlock()
	if closed {
		ao.log.Warn("execute on closed active object dropped", "name", ao.name)
		return
	}

	ao.submit(fn)
}

// Close terminates the worker. Called from any thread other than the
// worker, it schedules a final stop item and joins. Called from inside
// the worker, it stops the loop directly and does not self-join.
func (ao *ActiveObject) Close() error {
	ao.mu.Lock()
	if ao.closed {
		ao.mu.Unlock()
		return nil
	}
	ao.closed = true
	ao.mu.Unlock()

	if int64(unix.Gettid()) == ao.workerTID.Load() {
		ao.log.Info("active object closing from its own worker", "name", ao.name)
		ao.stopWorkerLoop()
		return ao.notify.Close()
	}

	ao.log.Info("active object closing", "name", ao.name)
	ao.submit(ao.stopWorkerLoop)
	<-ao.done
	return ao.notify.Close()
}

// workerMain is the worker thread body: pin, name, register the notify
// descriptor, optionally go real-time, run the init hook, then run the
// loop until stopped.
func (ao *ActiveObject) workerMain(cfg ActiveObjectConfig, ready chan<- error) {
	runtime.LockOSThread()
	defer close(ao.done)
	defer runtime.UnlockOSThread()
	defer threadlocal.ReleaseThread()

	ao.workerTID.Store(int64(unix.Gettid()))
	setThreadName(ao.name)

	loop := CurrentLoop()
	if err := loop.Add(ao.notify.Fd(), Readable, func(int, EventMask) { ao.onNotify() }); err != nil {
		ao.log.Error("failed to register notify fd", "name", ao.name, "err", err)
		ready <- err
		return
	}

	if cfg.Policy == PolicyFifo {
		if err := setFifoPolicy(); err != nil {
			// Needs CAP_SYS_NICE; the worker stays usable either way.
			ao.log.Warn("failed to apply SCHED_FIFO", "name", ao.name, "err", err)
		}
	}

	ready <- nil

	if cfg.Init != nil {
		cfg.Init()
	}

	if err := loop.Run(); err != nil {
		ao.log.Error("worker loop failed", "name", ao.name, "err", err)
	}
}

// onNotify handles one notify-fd readiness event: consume one
// semaphore unit, run one work item. Multiple queued items drain
// naturally because every submission wrote one unit.
func (ao *ActiveObject) onNotify() {
	if _, err := ao.notify.Read(); err != nil {
		ao.log.Error("notify fd read failed", "name", ao.name, "err", err)
		return
	}

	fn := ao.dequeue()
	if fn != nil {
		CurrentLoop().metrics.WorkItemsExecuted.Add(1)
		fn()
	}
}

// submit enqueues without the closed check; used for the final stop
// item.
func (ao *ActiveObject) submit(fn func()) {
	ao.enqueue(fn)
	if err := ao.notify.Signal(); err != nil {
		ao.log.Error("failed to signal worker", "name", ao.name, "err", err)
	}
}

func (ao *ActiveObject) enqueue(fn func()) {
	ao.mu.Lock()
	ao.queue = append(ao.queue, fn)
	ao.mu.Unlock()
}

func (ao *ActiveObject) dequeue() func() {
	ao.mu.Lock()
	defer ao.mu.Unlock()

	if len(ao.queue) == 0 {
		return nil
	}
	fn := ao.queue[0]
	ao.queue = ao.queue[1:]
	return fn
}

// stopWorkerLoop runs on the worker thread: deregister the notify
// descriptor and stop the loop.
func (ao *ActiveObject) stopWorkerLoop() {
	loop := CurrentLoop()
	_ = loop.Remove(ao.notify.Fd())
	_ = loop.Stop()
}

// setThreadName names the calling thread via prctl for ps/top and
// trace output.
func setThreadName(name string) {
	buf := make([]byte, len(name)+1)
	copy(buf, name)
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0)
}

type schedParam struct {
	priority int32
}

// setFifoPolicy switches the calling thread to SCHED_FIFO at the
// lowest real-time priority.
func setFifoPolicy() error {
	param := schedParam{priority: 1}
	_, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER, 0, uintptr(unix.SCHED_FIFO), uintptr(unsafe.Pointer(&param)))
	if errno != 0 {
		return errno
	}
	return nil
}
