package loopmon

import (
	"container/heap"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrLoopRunning is returned by Run when the loop is already running.
var ErrLoopRunning = errors.New("event loop is already running")

// Interceptor wraps the execution of a single unit of scheduled work. An
// interceptor must invoke run exactly once and must not suppress a panic
// raised by it; any bookkeeping that has to survive a panic belongs in a
// defer.
type Interceptor func(run func())

// PeriodicTimer is the handle of a repeating timer. The interval is mutable;
// a new interval takes effect when the next fire is scheduled, never on the
// fire that is already pending.
type PeriodicTimer interface {
	Interval() time.Duration
	SetInterval(d time.Duration)
	Cancel()
}

// Scheduler is the capability contract a monitored event loop has to offer.
type Scheduler interface {
	// Run starts the loop, invokes main once the loop is ready, and blocks
	// until Stop is called. Work scheduled from main (and transitively from
	// any scheduled work) keeps the loop busy.
	Run(main func()) error
	// Schedule enqueues a unit of work for execution on the loop.
	Schedule(fn func())
	// SchedulePeriodic registers fn to run on the loop roughly every d.
	SchedulePeriodic(d time.Duration, fn func()) PeriodicTimer
	// Stop halts the loop. Work still queued is dropped.
	Stop()
}

// ScopeHook registers a wrapper around every unit of work the loop executes,
// including work transitively scheduled from inside already-wrapped work.
// Passing nil removes the wrapper.
type ScopeHook interface {
	SetInterceptor(Interceptor)
}

// MonitoredLoop is what a Monitor needs from its event loop.
type MonitoredLoop interface {
	Scheduler
	ScopeHook
}

// Loop is a single-threaded, cooperatively-scheduled event loop. All work
// runs on the goroutine that called Run; a unit of work occupies the loop
// until it returns, so blocking inside one delays everything behind it.
//
// Loop serves a single run: once stopped it cannot be restarted.
type Loop struct {
	logger *zap.Logger

	mu        sync.Mutex
	jobs      []func()
	timers    timerHeap
	intercept Interceptor

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewLoop creates an idle event loop. The logger may be nil.
func NewLoop(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Run implements Scheduler. It executes queued jobs in FIFO order and fires
// due periodic timers in between, blocking until Stop. A panic from any unit
// of work propagates to the caller of Run.
func (l *Loop) Run(main func()) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.running.Store(false)

	l.logger.Info("event loop started")
	if main != nil {
		l.Schedule(main)
	}

	for {
		select {
		case <-l.stopCh:
			l.logger.Info("event loop stopped")
			return nil
		default:
		}

		if job, ok := l.popJob(); ok {
			l.exec(job)
			continue
		}

		if l.fireDue() {
			continue
		}

		wait, ok := l.nextDeadline()
		if !ok {
			select {
			case <-l.wake:
			case <-l.stopCh:
				l.logger.Info("event loop stopped")
				return nil
			}
			continue
		}

		t := time.NewTimer(wait)
		select {
		case <-l.wake:
			t.Stop()
		case <-t.C:
		case <-l.stopCh:
			t.Stop()
			l.logger.Info("event loop stopped")
			return nil
		}
	}
}

// Schedule implements Scheduler. It is safe to call from any goroutine.
func (l *Loop) Schedule(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.jobs = append(l.jobs, fn)
	l.mu.Unlock()
	l.wakeUp()
}

// SchedulePeriodic implements Scheduler. Non-positive intervals are clamped
// to one millisecond.
func (l *Loop) SchedulePeriodic(d time.Duration, fn func()) PeriodicTimer {
	if d <= 0 {
		d = time.Millisecond
	}
	p := &Periodic{fn: fn}
	p.ivl.Store(int64(d))

	l.mu.Lock()
	p.runAt = time.Now().Add(d)
	heap.Push(&l.timers, p)
	l.mu.Unlock()

	l.wakeUp()
	return p
}

// Stop implements Scheduler. Safe to call from any goroutine, any number of
// times. Work that is in flight when Stop lands may not complete.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// SetInterceptor implements ScopeHook.
func (l *Loop) SetInterceptor(fn Interceptor) {
	l.mu.Lock()
	l.intercept = fn
	l.mu.Unlock()
}

func (l *Loop) wakeUp() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) popJob() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.jobs) == 0 {
		return nil, false
	}
	job := l.jobs[0]
	l.jobs = l.jobs[1:]
	return job, true
}

// exec runs one unit of work through the interceptor, if one is installed.
func (l *Loop) exec(fn func()) {
	l.mu.Lock()
	wrap := l.intercept
	l.mu.Unlock()

	if wrap != nil {
		wrap(fn)
		return
	}
	fn()
}

// fireDue pops and executes every periodic timer whose deadline has passed,
// rescheduling each after its callback returns using the interval current at
// that moment. Reports whether anything fired.
func (l *Loop) fireDue() bool {
	fired := false
	for {
		now := time.Now()

		l.mu.Lock()
		p := l.timers.peek()
		if p == nil || p.runAt.After(now) {
			l.mu.Unlock()
			return fired
		}
		heap.Pop(&l.timers)
		l.mu.Unlock()

		if p.canceled.Load() {
			continue
		}

		fired = true
		l.exec(p.fn)

		l.mu.Lock()
		if !p.canceled.Load() {
			p.runAt = time.Now().Add(p.Interval())
			heap.Push(&l.timers, p)
		}
		l.mu.Unlock()
	}
}

// nextDeadline reports how long until the earliest timer is due. ok is false
// when no timers are registered.
func (l *Loop) nextDeadline() (wait time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.timers.peek()
	if p == nil {
		return 0, false
	}
	wait = time.Until(p.runAt)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// Periodic is the repeating-timer handle returned by Loop.SchedulePeriodic.
type Periodic struct {
	fn       func()
	ivl      atomic.Int64 // nanoseconds
	canceled atomic.Bool

	// guarded by loop.mu
	runAt time.Time
	index int
}

// Interval returns the currently configured interval.
func (p *Periodic) Interval() time.Duration {
	return time.Duration(p.ivl.Load())
}

// SetInterval changes the interval used when the next fire is scheduled. The
// fire that is already pending keeps its deadline. Non-positive values are
// ignored.
func (p *Periodic) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.ivl.Store(int64(d))
}

// Cancel stops the timer. A fire already executing is not interrupted.
func (p *Periodic) Cancel() {
	p.canceled.Store(true)
}

// timerHeap is a min-heap of periodic timers ordered by deadline, earliest
// at the root. Canceled timers are skipped lazily when popped.
type timerHeap []*Periodic

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].runAt.Before(h[j].runAt) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timerHeap) Push(x any)        { *h = append(*h, x.(*Periodic)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}

func (h timerHeap) peek() *Periodic {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
