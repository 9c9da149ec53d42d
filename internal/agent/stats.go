package agent

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// durationStats 记录任务耗时分布（微秒精度，上限 1 小时）
type durationStats struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

func newDurationStats() *durationStats {
	return &durationStats{
		hist: hdrhistogram.New(1, int64(time.Hour/time.Microsecond), 3),
	}
}

func (s *durationStats) record(d time.Duration) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	if limit := s.hist.HighestTrackableValue(); us > limit {
		us = limit
	}

	s.mu.Lock()
	_ = s.hist.RecordValue(us)
	s.mu.Unlock()
}

// snapshot 返回平均耗时与 P95 耗时
func (s *durationStats) snapshot() (mean, p95 time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hist.TotalCount() == 0 {
		return 0, 0
	}
	mean = time.Duration(s.hist.Mean() * float64(time.Microsecond))
	p95 = time.Duration(s.hist.ValueAtQuantile(95)) * time.Microsecond
	return mean, p95
}
