package reduction

import (
	"sync/atomic"
	"time"

	"cs426.yale.edu/optcast/utils"
)

const latencyCompression = 1000

type Stats struct {
	nrank   int
	jobs    atomic.Uint64
	bytes   atomic.Uint64
	ranks   atomic.Int64
	latency *utils.ConcurrentTDigest
}

func newStats(nrank int) *Stats {
	return &Stats{
		nrank:   nrank,
		latency: utils.NewConcurrentTDigest(latencyCompression),
	}
}

func (st *Stats) observe(elapsed time.Duration, size int) {
	st.jobs.Add(1)
	st.bytes.Add(uint64(size))
	st.latency.Add(float64(elapsed.Microseconds()), 1)
}

type Snapshot struct {
	NRank int
	// ranks currently connected
	Ranks int
	Jobs  uint64
	Bytes uint64
	// reduce latency quantiles in microseconds
	LatencyP50 float64
	LatencyP99 float64
}

func (st *Stats) Snapshot() Snapshot {
	return Snapshot{
		NRank:      st.nrank,
		Ranks:      int(st.ranks.Load()),
		Jobs:       st.jobs.Load(),
		Bytes:      st.bytes.Load(),
		LatencyP50: st.latency.Quantile(0.5),
		LatencyP99: st.latency.Quantile(0.99),
	}
}
