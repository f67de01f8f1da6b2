// Package loopmon instruments a single-threaded, cooperatively-scheduled
// event loop to reveal how much wall-clock time is spent executing
// synchronous work, as opposed to idle waiting.
//
// Design goals:
//   - Every unit of scheduled work is measured, including work scheduled
//     from inside already-measured work
//   - Measurements drain on a periodic timer into a single listener
//   - Histogram bucketing with stacked and cumulative modes
//   - No locking on the measurement path: recording and draining both run
//     on the loop itself
//
// Basic usage:
//
//	loop := loopmon.NewLoop(logger)
//
//	err := loopmon.Run(loop, logger, func(m *loopmon.Monitor) {
//	  err := m.AttachHistogram(loopmon.HistogramConfig{
//	    Interval: 10 * time.Second,
//	    Buckets:  loopmon.DefaultBuckets,
//	  }, func(h *loopmon.Histogram, from, to time.Time) {
//	    // inspect bucket totals for the period [from, to)
//	  })
//	  if err != nil {
//	    loop.Stop()
//	  }
//
//	  loop.Schedule(func() { /* application work */ })
//	})
package loopmon
