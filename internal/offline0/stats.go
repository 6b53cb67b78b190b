package offline0

import (
	"math"
	"sync/atomic"
)

// statsCollector tracks response sizes served, split by source.
type statsCollector struct {
	bySource [3]atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func sourceIndex(src Source) int {
	switch src {
	case SourceCache:
		return 0
	case SourceNetwork:
		return 1
	default:
		return 2
	}
}

func (s *statsCollector) Observe(src Source, respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.bySource[sourceIndex(src)].Add(1)
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Cache, Network, Offline uint64

	TotalResponses uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Cache:   s.bySource[0].Load(),
		Network: s.bySource[1].Load(),
		Offline: s.bySource[2].Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	out.TotalResponses = count
	out.MinRespBytes = s.minRespBytes.Load()
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = s.totalRespBytes.Load() / count
	if out.MinRespBytes == math.MaxUint64 {
		out.MinRespBytes = 0
	}
	return out
}
