// Package threadlocal provides per-OS-thread singleton storage.
//
// Each participating thread owns exactly one instance of every stored
// type, constructed on first access and destroyed by Reset or
// ReleaseThread. The first access from a thread pins the calling
// goroutine to its OS thread with runtime.LockOSThread; the services
// built on this package (event loop, timer manager, pub/sub) are only
// meaningful on a pinned thread, since they hold kernel state that the
// scheduler must not migrate.
//
// Go has no thread-exit destructor hook, so a thread that used this
// package must call ReleaseThread before it exits. The active-object
// worker does this on its way out; threads owned by the caller are
// expected to do the same.
package threadlocal

import (
	"io"
	"reflect"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// Initializer is implemented by types that need to observe their
// construction on the owning thread, typically to record the owner
// thread id before any other method runs.
type Initializer interface {
	InitThreadLocal()
}

type slot struct {
	key   reflect.Type
	value any
}

// threadStore holds one thread's instances in creation order.
type threadStore struct {
	slots []slot
}

var (
	mu     sync.Mutex
	stores = make(map[int]*threadStore)
)

// Get returns the calling thread's instance of T, constructing it on
// first access. The instance must never be handed to another thread
// for mutation; services built on it enforce that at runtime.
func Get[T any]() *T {
	runtime.LockOSThread()
	tid := unix.Gettid()

	mu.Lock()
	ts := stores[tid]
	if ts == nil {
		ts = &threadStore{}
		stores[tid] = ts
	} else {
		// Already pinned by this thread's first access; drop the
		// nested lock so ReleaseThread's single unlock balances out.
		runtime.UnlockOSThread()
	}

	key := reflect.TypeFor[T]()
	for _, s := range ts.slots {
		if s.key == key {
			mu.Unlock()
			return s.value.(*T)
		}
	}

	v := new(T)
	mu.Unlock()

	// Initialization runs outside the store lock; only the owning
	// thread can reach the instance at this point, and it may itself
	// call Get for the services it depends on.
	if init, ok := any(v).(Initializer); ok {
		init.InitThreadLocal()
	}

	// Registered after initialization so anything the instance pulled
	// in during init sits earlier in creation order and outlives it
	// during the reverse-order teardown.
	mu.Lock()
	ts.slots = append(ts.slots, slot{key: key, value: v})
	mu.Unlock()
	return v
}

// Reset destroys the calling thread's instance of T, if any. Values
// implementing io.Closer are closed so kernel resources are released.
func Reset[T any]() {
	tid := unix.Gettid()

	mu.Lock()
	var victim any
	if ts := stores[tid]; ts != nil {
		key := reflect.TypeFor[T]()
		for i, s := range ts.slots {
			if s.key == key {
				victim = s.value
				ts.slots = append(ts.slots[:i], ts.slots[i+1:]...)
				break
			}
		}
	}
	mu.Unlock()

	if c, ok := victim.(io.Closer); ok {
		_ = c.Close()
	}
}

// ReleaseThread destroys every instance owned by the calling thread in
// reverse creation order, then unpins the goroutine. Reverse order
// means dependents such as the timer manager tear down before the
// event loop they registered with.
func ReleaseThread() {
	tid := unix.Gettid()

	mu.Lock()
	ts := stores[tid]
	delete(stores, tid)
	mu.Unlock()

	if ts == nil {
		return
	}
	for i := len(ts.slots) - 1; i >= 0; i-- {
		if c, ok := ts.slots[i].value.(io.Closer); ok {
			_ = c.Close()
		}
	}
	runtime.UnlockOSThread()
}
