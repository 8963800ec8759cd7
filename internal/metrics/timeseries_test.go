package metrics

import (
	"testing"
	"time"
)

func TestTimeSeriesBuffer_RingBuffer(t *testing.T) {
	buf := NewTimeSeriesBuffer(3)
	base := time.Now()

	for i := 0; i < 5; i++ {
		buf.Add(TimeSeriesPoint{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Values:    map[string]interface{}{"value": i},
		})
	}

	if buf.Len() != 3 {
		t.Fatalf("Len() = %d, want 3 (buffer size)", buf.Len())
	}

	points := buf.Since(base.Add(-time.Second))
	if len(points) != 3 {
		t.Fatalf("Since() returned %d points, want 3", len(points))
	}
	// Oldest surviving point first
	for i, want := range []int{2, 3, 4} {
		if got := points[i].Values["value"]; got != want {
			t.Errorf("points[%d] value = %v, want %d", i, got, want)
		}
	}
}

func TestTimeSeriesBuffer_SinceFilters(t *testing.T) {
	buf := NewTimeSeriesBuffer(10)
	now := time.Now()

	buf.Add(TimeSeriesPoint{Timestamp: now.Add(-10 * time.Minute), Values: map[string]interface{}{"v": "old"}})
	buf.Add(TimeSeriesPoint{Timestamp: now.Add(-30 * time.Second), Values: map[string]interface{}{"v": "new"}})

	points := buf.Since(now.Add(-time.Minute))
	if len(points) != 1 {
		t.Fatalf("Since() returned %d points, want 1", len(points))
	}
	if points[0].Values["v"] != "new" {
		t.Errorf("Since() kept %v, want new", points[0].Values["v"])
	}
}

func TestTimeSeriesBuffer_ZeroSize(t *testing.T) {
	buf := NewTimeSeriesBuffer(0)
	buf.Add(TimeSeriesPoint{Timestamp: time.Now()})
	if buf.Len() != 1 {
		t.Errorf("Len() = %d, want 1", buf.Len())
	}
}

func TestSampler_Rates(t *testing.T) {
	m := &Metrics{startTime: time.Now()}
	s := NewSampler(m, 10, time.Second)

	start := time.Now()
	s.last = s.read(start)

	for i := 0; i < 4; i++ {
		m.IncQueries()
		m.RecordQueryTook(20)
	}
	m.IncInserts()
	m.IncInserts()

	s.Sample(start.Add(2 * time.Second))

	points := s.Recent(time.Hour)
	if len(points) != 1 {
		t.Fatalf("Recent() returned %d points, want 1", len(points))
	}
	v := points[0].Values
	if v["queries_per_sec"] != 2.0 {
		t.Errorf("queries_per_sec = %v, want 2", v["queries_per_sec"])
	}
	if v["inserts_per_sec"] != 1.0 {
		t.Errorf("inserts_per_sec = %v, want 1", v["inserts_per_sec"])
	}
	if v["took_avg_ms"] != 20.0 {
		t.Errorf("took_avg_ms = %v, want 20", v["took_avg_ms"])
	}
}

func TestSampler_StartStop(t *testing.T) {
	m := &Metrics{startTime: time.Now()}
	s := NewSampler(m, 10, 5*time.Millisecond)
	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop() // idempotent

	if s.buf.Len() == 0 {
		t.Error("sampler recorded no points")
	}
}
