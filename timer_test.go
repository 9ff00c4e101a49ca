package reactor

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-reactor/internal/timerfd"
	"github.com/ehrlich-b/go-reactor/threadlocal"
)

// countingSub records expirations and optionally stops the loop after
// a target count.
type countingSub struct {
	loop   *Loop
	ids    []uint32
	times  []int64
	stopAt int
}

func (s *countingSub) HandleTimerExpired(userID uint32) {
	s.ids = append(s.ids, userID)
	s.times = append(s.times, timerfd.Now())
	if s.stopAt > 0 && len(s.ids) >= s.stopAt {
		_ = s.loop.Stop()
	}
}

// stopSub stops the loop on first expiry.
type stopSub struct {
	loop *Loop
}

func (s *stopSub) HandleTimerExpired(uint32) {
	_ = s.loop.Stop()
}

// cancellingSub cancels another timer from inside its expiry callback,
// then stops the loop.
type cancellingSub struct {
	mgr      *TimerManager
	loop     *Loop
	target   TimerSubscriber
	targetID uint32
	fired    int
}

func (s *cancellingSub) HandleTimerExpired(uint32) {
	s.fired++
	_ = s.mgr.CancelTimer(s.target, s.targetID)
	_ = s.loop.Stop()
}

func TestTimerReturnCodes(t *testing.T) {
	runOnThread(t, func() {
		mgr := CurrentTimerManager()
		sub := &countingSub{}

		require.NoError(t, mgr.StartTimer(time.Second, sub, 1))
		require.ErrorIs(t, mgr.StartTimer(time.Second, sub, 1), ErrAlreadyExists)
		require.ErrorIs(t, mgr.StartPeriodicTimer(time.Second, sub, 1), ErrAlreadyExists)

		require.NoError(t, mgr.CancelTimer(sub, 1))
		require.ErrorIs(t, mgr.CancelTimer(sub, 1), ErrNotFound)

		require.ErrorIs(t, mgr.StartTimer(time.Second, nil, 2), ErrInvalidArg)
	})
}

func TestTimerSameSubscriberDistinctUserIDs(t *testing.T) {
	runOnThread(t, func() {
		mgr := CurrentTimerManager()
		sub := &countingSub{}

		require.NoError(t, mgr.StartTimer(time.Second, sub, 1))
		require.NoError(t, mgr.StartTimer(time.Second, sub, 2))
		require.NoError(t, mgr.CancelTimer(sub, 1))
		require.NoError(t, mgr.CancelTimer(sub, 2))
	})
}

func TestTimerWrongThreadRejected(t *testing.T) {
	mgrCh := make(chan *TimerManager)
	release := make(chan struct{})
	ownerDone := make(chan struct{})
	go func() {
		defer close(ownerDone)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer threadlocal.ReleaseThread()
		mgrCh <- CurrentTimerManager()
		<-release
	}()
	mgr := <-mgrCh

	runOnThread(t, func() {
		sub := &countingSub{}
		require.ErrorIs(t, mgr.StartTimer(time.Second, sub, 1), ErrWrongThread)
		require.ErrorIs(t, mgr.StartPeriodicTimer(time.Second, sub, 1), ErrWrongThread)
		require.ErrorIs(t, mgr.CancelTimer(sub, 1), ErrWrongThread)
	})

	require.Equal(t, 0, mgr.active.Len())

	close(release)
	<-ownerDone
}

func TestOneShotFiresOnceInStartOrder(t *testing.T) {
	runOnThread(t, func() {
		loop := CurrentLoop()
		mgr := CurrentTimerManager()
		sub := &countingSub{loop: loop, stopAt: 2}

		require.NoError(t, mgr.StartTimer(50*time.Millisecond, sub, 1))
		require.NoError(t, mgr.StartTimer(50*time.Millisecond, sub, 2))

		require.NoError(t, loop.Run())
		require.Equal(t, []uint32{1, 2}, sub.ids)
	})
}

func TestPeriodicTimerFiresRepeatedly(t *testing.T) {
	runOnThread(t, func() {
		loop := CurrentLoop()
		mgr := CurrentTimerManager()
		sub := &countingSub{loop: loop}
		stopper := &stopSub{loop: loop}

		start := timerfd.Now()
		require.NoError(t, mgr.StartPeriodicTimer(50*time.Millisecond, sub, 9))
		require.NoError(t, mgr.StartTimer(180*time.Millisecond, stopper, 99))

		require.NoError(t, loop.Run())

		require.Equal(t, []uint32{9, 9, 9}, sub.ids)
		// The k-th expiry never arrives before start + k*interval.
		for k, ts := range sub.times {
			require.GreaterOrEqual(t, ts, start+int64(k+1)*(50*time.Millisecond).Nanoseconds())
		}
	})
}

func TestCancelDuringBatchSuppressesPeer(t *testing.T) {
	runOnThread(t, func() {
		loop := CurrentLoop()
		mgr := CurrentTimerManager()

		victim := &countingSub{loop: loop}
		first := &cancellingSub{mgr: mgr, loop: loop, target: victim, targetID: 2}

		require.NoError(t, mgr.StartTimer(40*time.Millisecond, first, 1))
		require.NoError(t, mgr.StartTimer(40*time.Millisecond, victim, 2))

		require.NoError(t, loop.Run())
		require.Equal(t, 1, first.fired)
		require.Empty(t, victim.ids)
	})
}

func TestCancelEarliestReprogramsForNext(t *testing.T) {
	runOnThread(t, func() {
		loop := CurrentLoop()
		mgr := CurrentTimerManager()
		sub := &countingSub{loop: loop, stopAt: 1}

		require.NoError(t, mgr.StartTimer(40*time.Millisecond, sub, 1))
		require.NoError(t, mgr.StartTimer(80*time.Millisecond, sub, 2))
		require.NoError(t, mgr.CancelTimer(sub, 1))

		start := timerfd.Now()
		require.NoError(t, loop.Run())

		require.Equal(t, []uint32{2}, sub.ids)
		require.GreaterOrEqual(t, timerfd.Now()-start, (75 * time.Millisecond).Nanoseconds())
	})
}

func TestSubscriberMayStartTimersFromCallback(t *testing.T) {
	runOnThread(t, func() {
		loop := CurrentLoop()
		mgr := CurrentTimerManager()

		follow := &countingSub{loop: loop, stopAt: 1}
		var kick kickSub
		kick.mgr = mgr
		kick.next = follow

		require.NoError(t, mgr.StartTimer(20*time.Millisecond, &kick, 1))
		require.NoError(t, loop.Run())

		require.Equal(t, []uint32{7}, follow.ids)
	})
}

// kickSub starts a follow-up timer from inside its expiry callback.
type kickSub struct {
	mgr  *TimerManager
	next TimerSubscriber
}

func (s *kickSub) HandleTimerExpired(uint32) {
	_ = s.mgr.StartTimer(20*time.Millisecond, s.next, 7)
}

func TestCancelledTimerNeverFiresAfterRestart(t *testing.T) {
	runOnThread(t, func() {
		loop := CurrentLoop()
		mgr := CurrentTimerManager()
		sub := &countingSub{loop: loop, stopAt: 1}

		require.NoError(t, mgr.StartTimer(30*time.Millisecond, sub, 5))
		require.NoError(t, mgr.CancelTimer(sub, 5))
		require.NoError(t, mgr.StartTimer(60*time.Millisecond, sub, 5))

		start := timerfd.Now()
		require.NoError(t, loop.Run())

		// Only the restarted entry fires, at its own deadline.
		require.Equal(t, []uint32{5}, sub.ids)
		require.GreaterOrEqual(t, timerfd.Now()-start, (55 * time.Millisecond).Nanoseconds())
	})
}

func TestTimerMetrics(t *testing.T) {
	runOnThread(t, func() {
		loop := CurrentLoop()
		mgr := CurrentTimerManager()
		sub := &countingSub{loop: loop, stopAt: 1}

		require.NoError(t, mgr.StartTimer(10*time.Millisecond, sub, 1))
		require.NoError(t, mgr.StartTimer(time.Hour, sub, 2))
		require.NoError(t, mgr.CancelTimer(sub, 2))
		require.NoError(t, loop.Run())

		snap := loop.Metrics().Snapshot()
		require.Equal(t, uint64(1), snap.TimersFired)
		require.Equal(t, uint64(1), snap.TimersCancelled)
	})
}
