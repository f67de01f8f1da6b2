package loopmon

import (
	"math"
	"slices"
	"sort"
	"time"
)

// BucketOverflow is the terminal bucket boundary. time.Duration cannot
// represent positive infinity, so the largest representable duration stands
// in for it; no real span can exceed it.
const BucketOverflow = time.Duration(math.MaxInt64)

// DefaultBuckets covers spans from 1ms to 10s with exponential growth. Used
// by AttachHistogram when HistogramConfig.Buckets is nil.
var DefaultBuckets = []time.Duration{
	1 * time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// Histogram is an ordered mapping from bucket boundary to accumulated span
// time. Buckets are ordered by ascending boundary, the last boundary is
// always BucketOverflow, and the key set is fixed for the lifetime of one
// histogram attachment.
type Histogram struct {
	bounds []time.Duration
	totals []time.Duration
}

func newHistogram(bounds []time.Duration) *Histogram {
	return &Histogram{
		bounds: bounds,
		totals: make([]time.Duration, len(bounds)),
	}
}

// NumBuckets returns the number of buckets, overflow included.
func (h *Histogram) NumBuckets() int {
	return len(h.bounds)
}

// Bucket returns the boundary and accumulated total of bucket i, in
// ascending boundary order.
func (h *Histogram) Bucket(i int) (bound, total time.Duration) {
	return h.bounds[i], h.totals[i]
}

// Total returns the accumulated total of the bucket with the given
// boundary, or zero when no such bucket exists.
func (h *Histogram) Total(bound time.Duration) time.Duration {
	i, ok := slices.BinarySearch(h.bounds, bound)
	if !ok {
		return 0
	}
	return h.totals[i]
}

// Clone returns an independent copy. With cumulative reporting the same
// live Histogram is handed to the callback on every fire, so callers that
// keep per-period history should clone before the callback returns.
func (h *Histogram) Clone() *Histogram {
	return &Histogram{
		bounds: slices.Clone(h.bounds),
		totals: slices.Clone(h.totals),
	}
}

// reset zeroes every bucket, keeping the key set.
func (h *Histogram) reset() {
	for i := range h.totals {
		h.totals[i] = 0
	}
}

// observe adds span to the bucket(s) it falls under. Comparison is a strict
// greater-than: a span exactly equal to a boundary belongs to the next
// larger bucket. In stacked mode the span is added to every bucket whose
// boundary exceeds it.
func (h *Histogram) observe(span time.Duration, stacked bool) {
	i := sort.Search(len(h.bounds), func(i int) bool { return h.bounds[i] > span })
	if i == len(h.bounds) {
		// span == BucketOverflow; nothing is strictly greater, so it
		// lands in the overflow bucket.
		i = len(h.bounds) - 1
	}

	if stacked {
		for ; i < len(h.bounds); i++ {
			h.totals[i] += span
		}
		return
	}
	h.totals[i] += span
}

// resolveBounds normalizes configured boundaries into the fixed key set of
// an attachment: sorted ascending, terminated by BucketOverflow.
func resolveBounds(buckets []time.Duration) []time.Duration {
	if len(buckets) == 0 {
		buckets = DefaultBuckets
	}
	bounds := slices.Clone(buckets)
	slices.Sort(bounds)
	if bounds[len(bounds)-1] != BucketOverflow {
		bounds = append(bounds, BucketOverflow)
	}
	return bounds
}

// HistogramFunc receives the bucketized spans of one reporting period
// together with the period bounds.
type HistogramFunc func(h *Histogram, from, to time.Time)

// AttachHistogram registers fn as the single listener of this monitor,
// reporting bucketized span time instead of raw spans. It is built on
// AttachRaw and shares its semantics: at most one listener is live, a later
// attach replaces callback and interval, and attaching outside a monitored
// run fails with ErrNotInitialized.
//
// In cumulative mode the Histogram handed to fn is the same live instance
// on every call; see Histogram.Clone.
func (m *Monitor) AttachHistogram(cfg HistogramConfig, fn HistogramFunc) error {
	if fn == nil {
		return errNilCallback
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	hist := newHistogram(resolveBounds(cfg.Buckets))
	stacked, cumulative := cfg.Stacked, cfg.Cumulative

	return m.AttachRaw(RawConfig{Interval: cfg.Interval}, func(spans []time.Duration, from, to time.Time) {
		if !cumulative {
			hist.reset()
		}
		for _, s := range spans {
			hist.observe(s, stacked)
		}
		fn(hist, from, to)
	})
}
