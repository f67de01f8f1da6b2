package loopmon

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// RawConfig configures a raw span listener.
type RawConfig struct {
	// Interval is the reporting period. Required, must be positive. The
	// actual period can exceed it when spans run long, since reporting
	// shares the loop with the work being measured.
	Interval time.Duration
}

func (c *RawConfig) validate() error {
	if c.Interval <= 0 {
		return errors.New("interval must be a positive duration")
	}
	return nil
}

// HistogramConfig configures a histogram listener.
type HistogramConfig struct {
	// Interval is the reporting period. Required, must be positive.
	Interval time.Duration

	// Buckets are the upper-limit boundaries used to classify spans by
	// duration. Order does not matter; they are sorted ascending and
	// BucketOverflow is appended when absent, so every span is
	// classifiable. Nil selects DefaultBuckets.
	Buckets []time.Duration

	// Stacked makes every bucket include the contributions of all smaller
	// buckets. The default assigns each span to exactly one bucket.
	Stacked bool

	// Cumulative keeps bucket totals growing for the lifetime of the
	// attachment. The default resets them at the start of each period.
	Cumulative bool
}

func (c *HistogramConfig) validate() error {
	if c.Interval <= 0 {
		return errors.New("interval must be a positive duration")
	}

	for _, b := range c.Buckets {
		if b <= 0 {
			return fmt.Errorf("bucket boundary %v must be positive", b)
		}
	}

	sorted := slices.Clone(c.Buckets)
	slices.Sort(sorted)
	if len(slices.Compact(sorted)) != len(c.Buckets) {
		return errors.New("bucket boundaries must be distinct")
	}

	return nil
}
