package metrics

import (
	"runtime"
	"sync"
	"time"
)

// TimeSeriesPoint represents a single data point in a time series
type TimeSeriesPoint struct {
	Timestamp time.Time              `json:"timestamp"`
	Values    map[string]interface{} `json:"values"`
}

// TimeSeriesBuffer is a fixed-size ring of points
type TimeSeriesBuffer struct {
	mu       sync.RWMutex
	points   []TimeSeriesPoint
	size     int
	writePos int
	count    int
}

// NewTimeSeriesBuffer creates a new time-series buffer
func NewTimeSeriesBuffer(size int) *TimeSeriesBuffer {
	if size <= 0 {
		size = 1
	}
	return &TimeSeriesBuffer{
		points: make([]TimeSeriesPoint, size),
		size:   size,
	}
}

// Add adds a point to the buffer, overwriting the oldest when full
func (b *TimeSeriesBuffer) Add(point TimeSeriesPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.points[b.writePos] = point
	b.writePos = (b.writePos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Since returns points newer than cutoff, oldest first
func (b *TimeSeriesBuffer) Since(cutoff time.Time) []TimeSeriesPoint {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []TimeSeriesPoint
	for i := 0; i < b.count; i++ {
		idx := (b.writePos - b.count + i + b.size) % b.size
		if point := b.points[idx]; point.Timestamp.After(cutoff) {
			result = append(result, point)
		}
	}
	return result
}

// Len returns the number of stored points
func (b *TimeSeriesBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Sampler records per-interval benchmark throughput: queries and inserts per second and
// the mean took of the aggregations completed in the interval.
type Sampler struct {
	m        *Metrics
	buf      *TimeSeriesBuffer
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Counter values at the previous sample
	last sampleCounters
}

type sampleCounters struct {
	at        time.Time
	queries   int64
	tookSum   int64
	tookCount int64
	inserts   int64
	recorded  int64
}

// NewSampler creates a sampler over m keeping size points
func NewSampler(m *Metrics, size int, interval time.Duration) *Sampler {
	return &Sampler{
		m:        m,
		buf:      NewTimeSeriesBuffer(size),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins sampling in the background
func (s *Sampler) Start() {
	s.last = s.read(time.Now())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case now := <-ticker.C:
				s.Sample(now)
			}
		}
	}()
}

// Stop stops the sampler and waits for it to exit
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sampler) read(now time.Time) sampleCounters {
	return sampleCounters{
		at:        now,
		queries:   s.m.queriesTotal.Load(),
		tookSum:   s.m.queryTookSum.Load(),
		tookCount: s.m.queryTookCount.Load(),
		inserts:   s.m.insertsTotal.Load(),
		recorded:  s.m.measurementsRecorded.Load(),
	}
}

// Sample records one point from the counter deltas since the previous sample
func (s *Sampler) Sample(now time.Time) {
	cur := s.read(now)
	prev := s.last
	s.last = cur

	elapsed := cur.at.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return
	}

	s.buf.Add(TimeSeriesPoint{
		Timestamp: now,
		Values: map[string]interface{}{
			"queries_per_sec":  float64(cur.queries-prev.queries) / elapsed,
			"inserts_per_sec":  float64(cur.inserts-prev.inserts) / elapsed,
			"recorded_per_sec": float64(cur.recorded-prev.recorded) / elapsed,
			"took_avg_ms":      average(cur.tookSum-prev.tookSum, cur.tookCount-prev.tookCount),
			"goroutines":       runtime.NumGoroutine(),
		},
	})
}

// Recent returns the points of the last d
func (s *Sampler) Recent(d time.Duration) []TimeSeriesPoint {
	return s.buf.Since(time.Now().Add(-d))
}
