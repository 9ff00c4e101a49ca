package reactor

import (
	"sync"
	"time"

	"github.com/ehrlich-b/go-reactor/internal/constants"
	"github.com/ehrlich-b/go-reactor/internal/logging"
	"github.com/ehrlich-b/go-reactor/internal/timerfd"
)

// StartupModule is the contract a startup module implements. Prepare
// must eventually call Ready on its responder exactly once; Start is
// invoked only after every registered module reported success within
// the deadline.
type StartupModule interface {
	Name() string
	Prepare(responder *Responder)
	Start()
}

// ModuleAllocator constructs a registered module.
type ModuleAllocator func() StartupModule

// Responder is the one-shot signalling object a module uses to report
// the outcome of its preparation phase. Only the first Ready call
// counts; later calls are ignored.
type Responder struct {
	moduleName string
	deadline   int64 // absolute CLOCK_MONOTONIC nanoseconds
	once       sync.Once
	result     chan bool
}

func newResponder(moduleName string, deadline int64) *Responder {
	return &Responder{
		moduleName: moduleName,
		deadline:   deadline,
		result:     make(chan bool, 1),
	}
}

// ModuleName returns the name of the module this responder belongs to.
func (r *Responder) ModuleName() string {
	return r.moduleName
}

// Ready reports the preparation outcome. Safe to call from any thread;
// fulfilment happens at most once.
func (r *Responder) Ready(success bool) {
	r.once.Do(func() {
		r.result <- success
	})
}

// wait blocks until Ready was called or the absolute deadline elapsed.
// ok is false on timeout.
func (r *Responder) wait() (success, ok bool) {
	remaining := time.Duration(r.deadline - timerfd.Now())
	if remaining <= 0 {
		select {
		case s := <-r.result:
			return s, true
		default:
			return false, false
		}
	}

	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case s := <-r.result:
		return s, true
	case <-t.C:
		return false, false
	}
}

// StartupRegistry collects module allocators and drives the two-phase
// startup: every module's Prepare runs concurrently under one
// absolute deadline, then Start runs sequentially in registration
// order once all modules reported success.
type StartupRegistry struct {
	mu         sync.Mutex
	allocators []ModuleAllocator
	modules    []StartupModule
}

var defaultStartupRegistry StartupRegistry

// RegisterModuleAllocator publishes a module allocator to the
// process-wide registry. Callers typically do this from an init
// function, one per module.
func RegisterModuleAllocator(alloc ModuleAllocator) {
	defaultStartupRegistry.RegisterModuleAllocator(alloc)
}

// StartAllModules runs the two-phase startup on the process-wide
// registry.
func StartAllModules(timeout time.Duration) bool {
	return defaultStartupRegistry.StartAllModules(timeout)
}

// ResetStartupRegistry clears the process-wide registry. Intended for
// tests.
func ResetStartupRegistry() {
	defaultStartupRegistry.mu.Lock()
	defer defaultStartupRegistry.mu.Unlock()
	defaultStartupRegistry.allocators = nil
	defaultStartupRegistry.modules = nil
}

// RegisterModuleAllocator appends an allocator in registration order.
func (g *StartupRegistry) RegisterModuleAllocator(alloc ModuleAllocator) {
	if alloc == nil {
		return
	}
	g.mu.Lock()
	g.allocators = append(g.allocators, alloc)
	g.mu.Unlock()
}

// StartAllModules instantiates every registered module, launches all
// preparations concurrently with a shared absolute deadline, then
// waits for each responder in registration order. The start phase
// runs only when every module reported success in time; an empty
// registry reports failure. A module that never calls Ready is
// classified as timed out; there is no mechanism to force it.
func (g *StartupRegistry) StartAllModules(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = constants.DefaultStartupTimeout
	}

	g.mu.Lock()
	allocators := append([]ModuleAllocator(nil), g.allocators...)
	g.mu.Unlock()

	log := logging.Default()
	deadline := timerfd.Now() + timeout.Nanoseconds()

	var modules []StartupModule
	var responders []*Responder
	for _, alloc := range allocators {
		module := alloc()
		if module == nil {
			log.Warn("module allocator returned nil, skipping")
			continue
		}
		modules = append(modules, module)

		responder := newResponder(module.Name(), deadline)
		responders = append(responders, responder)

		log.Info("preparing module", "module", module.Name())
		go module.Prepare(responder)
	}

	g.mu.Lock()
	g.modules = modules
	g.mu.Unlock()

	allReady := len(modules) > 0
	for _, responder := range responders {
		success, ok := responder.wait()
		switch {
		case !ok:
			log.Error("module preparation timed out", "module", responder.ModuleName(), "timeout", timeout)
			allReady = false
		case !success:
			log.Error("module preparation failed", "module", responder.ModuleName())
			allReady = false
		default:
			log.Info("module prepared", "module", responder.ModuleName())
		}
	}

	if !allReady {
		return false
	}

	for _, module := range modules {
		log.Info("starting module", "module", module.Name())
		module.Start()
	}
	return true
}
