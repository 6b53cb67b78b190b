package offline0

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, statsSnapshot{}, s.Snapshot())

	s.Observe(SourceCache, 100)
	s.Observe(SourceNetwork, 300)
	s.Observe(SourceOffline, 20)
	s.Observe(SourceCache, -5)

	ss := s.Snapshot()
	assert.Equal(t, uint64(2), ss.Cache)
	assert.Equal(t, uint64(1), ss.Network)
	assert.Equal(t, uint64(1), ss.Offline)
	assert.Equal(t, uint64(4), ss.TotalResponses)
	assert.Equal(t, uint64(0), ss.MinRespBytes)
	assert.Equal(t, uint64(300), ss.MaxRespBytes)
	assert.Equal(t, uint64(105), ss.AvgRespBytes)
}
