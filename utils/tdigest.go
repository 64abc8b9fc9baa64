package utils

import (
	"sync"

	"github.com/influxdata/tdigest"
)

// concurrent t-digest for computing latency quantiles
type ConcurrentTDigest struct {
	digest *tdigest.TDigest
	count  uint64
	mu     sync.RWMutex
}

func NewConcurrentTDigest(compression float64) *ConcurrentTDigest {
	return &ConcurrentTDigest{
		digest: tdigest.NewWithCompression(compression),
	}
}

func (ctd *ConcurrentTDigest) Add(value float64, weight float64) {
	ctd.mu.Lock()
	defer ctd.mu.Unlock()
	ctd.digest.Add(value, weight)
	ctd.count++
}

func (ctd *ConcurrentTDigest) Quantile(quantile float64) float64 {
	ctd.mu.RLock()
	defer ctd.mu.RUnlock()
	if ctd.count == 0 {
		return 0
	}
	return ctd.digest.Quantile(quantile)
}

func (ctd *ConcurrentTDigest) Count() uint64 {
	ctd.mu.RLock()
	defer ctd.mu.RUnlock()
	return ctd.count
}
