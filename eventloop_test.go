package reactor

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-reactor/threadlocal"
)

// runOnThread runs fn on a fresh locked OS thread and waits for it to
// finish. Per-thread services created inside fn are released on the
// way out.
func runOnThread(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer threadlocal.ReleaseThread()
		fn()
	}()
	<-done
}

// makePipe returns a nonblocking pipe; the read end is the fd under
// test.
func makePipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
	})
	return p[0], p[1]
}

func writeByte(t *testing.T, fd int) {
	t.Helper()
	_, err := unix.Write(fd, []byte{1})
	require.NoError(t, err)
}

func TestAddRemoveReturnCodes(t *testing.T) {
	runOnThread(t, func() {
		loop := CurrentLoop()
		r, _ := makePipe(t)
		cb := func(int, EventMask) {}

		require.NoError(t, loop.Add(r, Readable, cb))
		require.ErrorIs(t, loop.Add(r, Readable, cb), ErrAlreadyExists)

		require.NoError(t, loop.Remove(r))
		require.ErrorIs(t, loop.Remove(r), ErrNotFound)
	})
}

func TestAddInvalidArguments(t *testing.T) {
	runOnThread(t, func() {
		loop := CurrentLoop()
		r, _ := makePipe(t)

		require.ErrorIs(t, loop.Add(r, 0, func(int, EventMask) {}), ErrInvalidArg)
		require.ErrorIs(t, loop.Add(r, Readable, nil), ErrInvalidArg)
		require.ErrorIs(t, loop.Add(-1, Readable, func(int, EventMask) {}), ErrInvalidArg)
		require.ErrorIs(t, loop.Schedule(nil), ErrInvalidArg)
	})
}

func TestUpdateReturnCodes(t *testing.T) {
	runOnThread(t, func() {
		loop := CurrentLoop()
		r, _ := makePipe(t)

		require.ErrorIs(t, loop.Update(r, Readable), ErrNotFound)
		require.NoError(t, loop.Add(r, Readable, func(int, EventMask) {}))
		require.NoError(t, loop.Update(r, Readable|Writable))
		require.ErrorIs(t, loop.Update(r, 0), ErrInvalidArg)
		require.NoError(t, loop.Remove(r))
	})
}

func TestWrongThreadRejected(t *testing.T) {
	loopCh := make(chan *Loop)
	release := make(chan struct{})
	ownerDone := make(chan struct{})
	go func() {
		defer close(ownerDone)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer threadlocal.ReleaseThread()
		loopCh <- CurrentLoop()
		<-release
	}()
	loop := <-loopCh

	runOnThread(t, func() {
		cb := func(int, EventMask) {}
		require.ErrorIs(t, loop.Add(0, Readable, cb), ErrWrongThread)
		require.ErrorIs(t, loop.Update(0, Readable), ErrWrongThread)
		require.ErrorIs(t, loop.Remove(0), ErrWrongThread)
		require.ErrorIs(t, loop.Run(), ErrWrongThread)
		require.ErrorIs(t, loop.Stop(), ErrWrongThread)
		require.ErrorIs(t, loop.Schedule(func() {}), ErrWrongThread)
	})

	// Rejections leave no side effects behind.
	require.Empty(t, loop.handlers)
	require.Empty(t, loop.deferred)

	close(release)
	<-ownerDone
}

func TestDeferredRunBeforeNextCallback(t *testing.T) {
	runOnThread(t, func() {
		loop := CurrentLoop()
		r, w := makePipe(t)
		writeByte(t, w)

		var sequence []string
		cb := func(fd int, _ EventMask) {
			sequence = append(sequence, "callback")
			require.NoError(t, loop.Schedule(func() { sequence = append(sequence, "f1") }))
			require.NoError(t, loop.Schedule(func() { sequence = append(sequence, "f2") }))
			require.NoError(t, loop.Remove(fd))
			require.NoError(t, loop.Stop())
		}
		require.NoError(t, loop.Add(r, Readable, cb))

		require.NoError(t, loop.Run())
		require.Equal(t, []string{"callback", "f1", "f2"}, sequence)
	})
}

func TestDeferredMayScheduleMoreDeferred(t *testing.T) {
	runOnThread(t, func() {
		loop := CurrentLoop()
		r, w := makePipe(t)
		writeByte(t, w)

		var order []int
		cb := func(fd int, _ EventMask) {
			require.NoError(t, loop.Schedule(func() {
				order = append(order, 1)
				require.NoError(t, loop.Schedule(func() { order = append(order, 2) }))
			}))
			require.NoError(t, loop.Remove(fd))
			require.NoError(t, loop.Stop())
		}
		require.NoError(t, loop.Add(r, Readable, cb))

		require.NoError(t, loop.Run())
		require.Equal(t, []int{1, 2}, order)
	})
}

func TestRemoveDuringBatchSuppressesPeer(t *testing.T) {
	runOnThread(t, func() {
		loop := CurrentLoop()
		rA, wA := makePipe(t)
		rB, wB := makePipe(t)
		writeByte(t, wA)
		writeByte(t, wB)

		// Whichever callback dispatches first removes the other; the
		// peer's event is already dequeued in the same batch and must
		// be dropped via the graveyard.
		calls := 0
		mk := func(self, other int) Callback {
			return func(int, EventMask) {
				calls++
				require.NoError(t, loop.Remove(other))
				require.NoError(t, loop.Remove(self))
				require.NoError(t, loop.Stop())
			}
		}
		require.NoError(t, loop.Add(rA, Readable, mk(rA, rB)))
		require.NoError(t, loop.Add(rB, Readable, mk(rB, rA)))

		require.NoError(t, loop.Run())
		require.Equal(t, 1, calls)
	})
}

func TestRemovedFdNeverFiresAfterReadd(t *testing.T) {
	runOnThread(t, func() {
		loop := CurrentLoop()
		rA, wA := makePipe(t)
		rB, wB := makePipe(t)
		writeByte(t, wA)
		writeByte(t, wB)

		removed := false
		newCalls := 0
		oldCB := func(int, EventMask) {
			require.False(t, removed, "callback ran after Remove returned")
		}
		require.NoError(t, loop.Add(rB, Readable, oldCB))

		require.NoError(t, loop.Add(rA, Readable, func(int, EventMask) {
			if removed {
				return
			}
			require.NoError(t, loop.Remove(rB))
			removed = true
			// Re-adding the same descriptor must not inherit the
			// stale event still queued in this batch.
			require.NoError(t, loop.Add(rB, Readable, func(int, EventMask) {
				newCalls++
				require.NoError(t, loop.Remove(rA))
				require.NoError(t, loop.Remove(rB))
				require.NoError(t, loop.Stop())
			}))
		}))

		require.NoError(t, loop.Run())
		require.Equal(t, 1, newCalls)
	})
}

func TestRunReturnsWhenHandlersEmpty(t *testing.T) {
	runOnThread(t, func() {
		loop := CurrentLoop()
		r, w := makePipe(t)
		writeByte(t, w)

		require.NoError(t, loop.Add(r, Readable, func(fd int, _ EventMask) {
			require.NoError(t, loop.Remove(fd))
		}))

		// No Stop call: the loop exits because the handler map
		// drained.
		require.NoError(t, loop.Run())
	})
}

func TestRunWithNoHandlersReturnsImmediately(t *testing.T) {
	runOnThread(t, func() {
		require.NoError(t, CurrentLoop().Run())
	})
}

func TestLoopMetrics(t *testing.T) {
	runOnThread(t, func() {
		loop := CurrentLoop()
		r, w := makePipe(t)
		writeByte(t, w)

		require.NoError(t, loop.Add(r, Readable, func(fd int, _ EventMask) {
			require.NoError(t, loop.Schedule(func() {}))
			require.NoError(t, loop.Remove(fd))
			require.NoError(t, loop.Stop())
		}))
		require.NoError(t, loop.Run())

		snap := loop.Metrics().Snapshot()
		require.Equal(t, uint64(1), snap.EventsDispatched)
		require.Equal(t, uint64(1), snap.DeferredExecuted)
		require.GreaterOrEqual(t, snap.Wakeups, uint64(1))
	})
}

func TestResetLoopAllowsFreshInstance(t *testing.T) {
	runOnThread(t, func() {
		first := CurrentLoop()
		r, _ := makePipe(t)
		require.NoError(t, first.Add(r, Readable, func(int, EventMask) {}))

		ResetLoop()
		second := CurrentLoop()
		require.NotSame(t, first, second)
		require.Empty(t, second.handlers)
	})
}
