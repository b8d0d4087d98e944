package export

import (
	"sort"
	"time"
)

// Latency summarizes how long shards took.
type Latency struct {
	Min  time.Duration
	P50  time.Duration
	Mean time.Duration
	P95  time.Duration
	Max  time.Duration
}

// ShardLatency computes the shard duration statistics of the run.
func (r *Report) ShardLatency() Latency {
	durations := make([]time.Duration, 0, len(r.Shards))
	for _, s := range r.Shards {
		durations = append(durations, s.Elapsed)
	}
	return computeLatency(durations)
}

func computeLatency(durations []time.Duration) Latency {
	if len(durations) == 0 {
		return Latency{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return Latency{
		Min:  sorted[0],
		P50:  sorted[len(sorted)*50/100],
		Mean: sum / time.Duration(len(sorted)),
		P95:  sorted[len(sorted)*95/100],
		Max:  sorted[len(sorted)-1],
	}
}
