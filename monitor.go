package loopmon

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/montanaflynn/stats"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrNotInitialized is returned by AttachRaw and AttachHistogram when no
// monitored run is active.
var ErrNotInitialized = errors.New("monitor not initialized: no monitored run is active")

var errNilCallback = errors.New("listener callback must not be nil")

// SpanFunc receives the spans drained in one reporting period, in recording
// order, together with the period bounds.
type SpanFunc func(spans []time.Duration, from, to time.Time)

// Monitor measures the wall-clock duration of every unit of work its event
// loop executes and periodically drains the measurements to a single
// listener. A Monitor is bound to the lifetime of one monitored run: spans
// are recorded only between Run starting and returning, and listeners can
// only be attached while that run is active.
//
// Attach calls and listener callbacks execute on the loop, so no locking is
// needed around the pending buffer; the drain swap is atomic simply because
// nothing else can observe it mid-swap.
type Monitor struct {
	loop   MonitoredLoop
	logger *zap.Logger

	active atomic.Bool

	// owned by the loop goroutine while a run is active
	pending []time.Duration
	timer   PeriodicTimer
	from    time.Time
	report  SpanFunc
}

// NewMonitor creates a monitor over loop. The logger may be nil.
func NewMonitor(loop MonitoredLoop, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{loop: loop, logger: logger}
}

// Run installs span recording over the loop, starts it, and invokes main
// once the loop is ready. It blocks until the loop stops. The monitoring
// scope is torn down on every exit path, including a panic propagating out
// of scheduled work; the panic itself is not suppressed.
func (m *Monitor) Run(main func()) error {
	m.loop.SetInterceptor(m.record)
	m.active.Store(true)
	defer func() {
		m.active.Store(false)
		m.loop.SetInterceptor(nil)
		if m.timer != nil {
			m.timer.Cancel()
			m.timer = nil
		}
		m.pending = nil
		m.report = nil
	}()

	return m.loop.Run(main)
}

// Run starts loop under a fresh Monitor and hands the handle to main once
// the loop is ready.
func Run(loop MonitoredLoop, logger *zap.Logger, main func(*Monitor)) error {
	m := NewMonitor(loop, logger)
	return m.Run(func() { main(m) })
}

// AttachRaw registers fn as the single listener of this monitor. The first
// attach starts the reporting timer; a later attach replaces the callback
// and reconfigures the interval in place, without moving the fire already
// scheduled for the current period or resetting its lower bound.
//
// AttachRaw must be called from within the monitored run, i.e. from work
// running on the loop; before a run is active it fails with
// ErrNotInitialized.
func (m *Monitor) AttachRaw(cfg RawConfig, fn SpanFunc) error {
	if fn == nil {
		return errNilCallback
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	if !m.active.Load() {
		return ErrNotInitialized
	}

	m.report = fn
	if m.timer == nil {
		m.from = time.Now()
		m.timer = m.loop.SchedulePeriodic(cfg.Interval, m.fire)
		m.logger.Debug("span listener attached", zap.Duration("interval", cfg.Interval))
	} else {
		m.timer.SetInterval(cfg.Interval)
		m.logger.Debug("span listener replaced", zap.Duration("interval", cfg.Interval))
	}
	return nil
}

// record is the interceptor installed over the monitored loop. The elapsed
// time is appended in a defer so the span is recorded even when the unit of
// work panics; the panic keeps propagating. Work that synchronously runs
// further work double-counts the outer elapsed time; that is an accepted
// measurement artifact.
func (m *Monitor) record(run func()) {
	start := time.Now()
	defer func() {
		m.pending = append(m.pending, time.Since(start))
	}()
	run()
}

// fire drains the pending buffer and reports one period. Consecutive
// periods partition wall-clock time: this period's upper bound becomes the
// next period's lower bound. The fire runs on the loop as ordinary work, so
// its own duration, listener callback included, is recorded as a span of
// the following period.
func (m *Monitor) fire() {
	drained := m.pending
	m.pending = nil
	to := time.Now()
	from := m.from

	if ce := m.logger.Check(zapcore.DebugLevel, "draining spans"); ce != nil {
		ce.Write(append(drainFields(drained),
			zap.Time("from", from), zap.Time("to", to))...)
	}

	m.report(drained, from, to)
	m.from = to
}

// drainFields summarizes one drained period for debug logging.
func drainFields(spans []time.Duration) []zap.Field {
	fields := []zap.Field{zap.Int("spans", len(spans))}
	if len(spans) == 0 {
		return fields
	}

	secs := make([]float64, len(spans))
	for i, s := range spans {
		secs[i] = s.Seconds()
	}
	if mean, err := stats.Mean(secs); err == nil {
		fields = append(fields, zap.Float64("mean_s", mean))
	}
	if max, err := stats.Max(secs); err == nil {
		fields = append(fields, zap.Float64("max_s", max))
	}
	return fields
}
