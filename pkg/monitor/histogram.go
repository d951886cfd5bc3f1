package monitor

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are the upper bounds of the latency histogram. Anything
// slower falls into a final overflow bucket.
var LatencyBuckets = []time.Duration{
	10 * time.Microsecond,
	50 * time.Microsecond,
	100 * time.Microsecond,
	500 * time.Microsecond,
	1 * time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
}

// Histogram counts latencies into LatencyBuckets. It is lock-free.
type Histogram struct {
	counts [10]atomic.Uint64
	total  atomic.Uint64
	sum    atomic.Int64
}

// Observe records one latency.
func (h *Histogram) Observe(d time.Duration) {
	i := len(LatencyBuckets)
	for j, bound := range LatencyBuckets {
		if d <= bound {
			i = j
			break
		}
	}
	h.counts[i].Add(1)
	h.total.Add(1)
	h.sum.Add(int64(d))
}

// Bucket is one histogram bucket. UpperBound is 0 for the overflow bucket.
type Bucket struct {
	UpperBound time.Duration
	Count      uint64
}

// HistogramSnapshot is an immutable copy of a Histogram.
type HistogramSnapshot struct {
	Buckets []Bucket
	Count   uint64
	Sum     time.Duration
}

// Snapshot copies the current counts. Buckets are read one by one, so a
// snapshot taken under load may be off by in-flight observations.
func (h *Histogram) Snapshot() HistogramSnapshot {
	s := HistogramSnapshot{
		Buckets: make([]Bucket, len(h.counts)),
		Count:   h.total.Load(),
		Sum:     time.Duration(h.sum.Load()),
	}
	for i := range h.counts {
		if i < len(LatencyBuckets) {
			s.Buckets[i].UpperBound = LatencyBuckets[i]
		}
		s.Buckets[i].Count = h.counts[i].Load()
	}
	return s
}

// Mean returns the average latency, or 0 without observations.
func (s HistogramSnapshot) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / time.Duration(s.Count)
}

// Quantile returns the upper bound of the bucket holding the q-th quantile.
// Quantiles landing in the overflow bucket report the largest finite bound.
func (s HistogramSnapshot) Quantile(q float64) time.Duration {
	var n uint64
	for _, b := range s.Buckets {
		n += b.Count
	}
	if n == 0 {
		return 0
	}
	rank := uint64(q * float64(n))
	if rank >= n {
		rank = n - 1
	}
	var seen uint64
	for _, b := range s.Buckets {
		seen += b.Count
		if seen > rank {
			if b.UpperBound == 0 {
				break
			}
			return b.UpperBound
		}
	}
	return LatencyBuckets[len(LatencyBuckets)-1]
}
