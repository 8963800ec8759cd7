package metrics

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds the process-wide benchmark counters for Prometheus export
type Metrics struct {
	startTime time.Time

	// Aggregation query metrics
	queriesTotal     atomic.Int64
	queryErrorsTotal atomic.Int64
	queryTookSum     atomic.Int64 // milliseconds, as reported by the store
	queryTookCount   atomic.Int64

	// Took histogram buckets (milliseconds)
	// Buckets: 1ms, 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, +Inf
	queryTookBuckets [10]atomic.Int64

	// Measurement metrics
	measurementsRecorded  atomic.Int64
	measurementsDiscarded atomic.Int64 // Query finished with no active experiment
	recordsFlushed        atomic.Int64
	flushErrorsTotal      atomic.Int64

	// Background insert metrics
	insertsTotal      atomic.Int64
	insertErrorsTotal atomic.Int64

	// Corpus metrics
	corpusDocsTotal    atomic.Int64
	corpusBulkRequests atomic.Int64
	corpusBulkFailures atomic.Int64
	corpusFailedDocs   atomic.Int64

	// Experiment progress
	experimentsCompleted atomic.Int64
	experimentsPlanned   atomic.Int64
	activeWorkers        atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			startTime: time.Now(),
		}
	})
	return instance
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Debug().Msg("Metrics collector initialized")
	return m
}

// Query Metrics
func (m *Metrics) IncQueries()     { m.queriesTotal.Add(1) }
func (m *Metrics) IncQueryErrors() { m.queryErrorsTotal.Add(1) }

// RecordQueryTook records the store-reported took of one aggregation in milliseconds
func (m *Metrics) RecordQueryTook(tookMillis int64) {
	m.queryTookSum.Add(tookMillis)
	m.queryTookCount.Add(1)
	m.queryTookBuckets[tookBucket(tookMillis)].Add(1)
}

func tookBucket(millis int64) int {
	// Buckets: 1ms, 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, +Inf
	switch {
	case millis <= 1:
		return 0
	case millis <= 5:
		return 1
	case millis <= 10:
		return 2
	case millis <= 25:
		return 3
	case millis <= 50:
		return 4
	case millis <= 100:
		return 5
	case millis <= 250:
		return 6
	case millis <= 500:
		return 7
	case millis <= 1000:
		return 8
	default:
		return 9
	}
}

// Measurement Metrics
func (m *Metrics) IncMeasurementsRecorded()      { m.measurementsRecorded.Add(1) }
func (m *Metrics) IncMeasurementsDiscarded()     { m.measurementsDiscarded.Add(1) }
func (m *Metrics) IncRecordsFlushed(count int64) { m.recordsFlushed.Add(count) }
func (m *Metrics) IncFlushErrors()               { m.flushErrorsTotal.Add(1) }

// Insert Metrics
func (m *Metrics) IncInserts()      { m.insertsTotal.Add(1) }
func (m *Metrics) IncInsertErrors() { m.insertErrorsTotal.Add(1) }

// Corpus Metrics
func (m *Metrics) IncCorpusDocs(count int64)       { m.corpusDocsTotal.Add(count) }
func (m *Metrics) IncCorpusBulkRequests()          { m.corpusBulkRequests.Add(1) }
func (m *Metrics) IncCorpusBulkFailures()          { m.corpusBulkFailures.Add(1) }
func (m *Metrics) IncCorpusFailedDocs(count int64) { m.corpusFailedDocs.Add(count) }

// Experiment Metrics
func (m *Metrics) IncExperimentsCompleted()      { m.experimentsCompleted.Add(1) }
func (m *Metrics) SetExperimentsPlanned(n int64) { m.experimentsPlanned.Store(n) }
func (m *Metrics) IncActiveWorkers()             { m.activeWorkers.Add(1) }
func (m *Metrics) DecActiveWorkers()             { m.activeWorkers.Add(-1) }

// Queries returns the number of aggregation queries issued
func (m *Metrics) Queries() int64 { return m.queriesTotal.Load() }

// Snapshot returns all metrics as a map (for JSON endpoint)
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		// Process info
		"uptime_seconds": time.Since(m.startTime).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"go_version":     runtime.Version(),
		"num_cpu":        runtime.NumCPU(),

		// Memory (Go runtime)
		"memory_alloc_bytes":      memStats.Alloc,
		"memory_heap_alloc_bytes": memStats.HeapAlloc,
		"memory_sys_bytes":        memStats.Sys,
		"gc_cycles":               memStats.NumGC,

		// Queries
		"queries_total":      m.queriesTotal.Load(),
		"query_errors_total": m.queryErrorsTotal.Load(),
		"query_took_sum_ms":  m.queryTookSum.Load(),
		"query_took_count":   m.queryTookCount.Load(),
		"query_took_avg_ms":  average(m.queryTookSum.Load(), m.queryTookCount.Load()),

		// Measurements
		"measurements_recorded":  m.measurementsRecorded.Load(),
		"measurements_discarded": m.measurementsDiscarded.Load(),
		"records_flushed_total":  m.recordsFlushed.Load(),
		"flush_errors_total":     m.flushErrorsTotal.Load(),

		// Inserts
		"inserts_total":       m.insertsTotal.Load(),
		"insert_errors_total": m.insertErrorsTotal.Load(),

		// Corpus
		"corpus_docs_total":          m.corpusDocsTotal.Load(),
		"corpus_bulk_requests_total": m.corpusBulkRequests.Load(),
		"corpus_bulk_failures_total": m.corpusBulkFailures.Load(),
		"corpus_failed_docs_total":   m.corpusFailedDocs.Load(),

		// Experiments
		"experiments_completed": m.experimentsCompleted.Load(),
		"experiments_planned":   m.experimentsPlanned.Load(),
		"active_workers":        m.activeWorkers.Load(),
	}
}

func average(sum, count int64) float64 {
	if count == 0 {
		return 0
	}
	return float64(sum) / float64(count)
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var b []byte
	b = appendHeader(b, "cardbench_uptime_seconds", "Time since cardbench started", "gauge")
	b = appendMetric(b, "cardbench_uptime_seconds", time.Since(m.startTime).Seconds())

	b = appendHeader(b, "cardbench_goroutines", "Number of goroutines", "gauge")
	b = appendMetric(b, "cardbench_goroutines", float64(runtime.NumGoroutine()))

	b = appendHeader(b, "cardbench_memory_heap_alloc_bytes", "Heap memory allocated", "gauge")
	b = appendMetric(b, "cardbench_memory_heap_alloc_bytes", float64(memStats.HeapAlloc))

	// Query metrics
	b = appendHeader(b, "cardbench_queries_total", "Aggregation queries issued", "counter")
	b = appendMetric(b, "cardbench_queries_total", float64(m.queriesTotal.Load()))

	b = appendHeader(b, "cardbench_query_errors_total", "Failed aggregation queries", "counter")
	b = appendMetric(b, "cardbench_query_errors_total", float64(m.queryErrorsTotal.Load()))

	// Took histogram
	b = appendHeader(b, "cardbench_query_took_seconds", "Store-reported aggregation took", "histogram")
	bucketLabels := []string{"0.001", "0.005", "0.01", "0.025", "0.05", "0.1", "0.25", "0.5", "1", "+Inf"}
	var cumulative int64
	for i, label := range bucketLabels {
		cumulative += m.queryTookBuckets[i].Load()
		b = appendMetricWithLabel(b, "cardbench_query_took_seconds_bucket", "le", label, float64(cumulative))
	}
	b = appendMetric(b, "cardbench_query_took_seconds_sum", float64(m.queryTookSum.Load())/1000.0)
	b = appendMetric(b, "cardbench_query_took_seconds_count", float64(m.queryTookCount.Load()))

	// Measurement metrics
	b = appendHeader(b, "cardbench_measurements_recorded_total", "Measurements buffered for an active experiment", "counter")
	b = appendMetric(b, "cardbench_measurements_recorded_total", float64(m.measurementsRecorded.Load()))

	b = appendHeader(b, "cardbench_measurements_discarded_total", "Measurements dropped between experiments", "counter")
	b = appendMetric(b, "cardbench_measurements_discarded_total", float64(m.measurementsDiscarded.Load()))

	b = appendHeader(b, "cardbench_records_flushed_total", "Measurements written to result indices", "counter")
	b = appendMetric(b, "cardbench_records_flushed_total", float64(m.recordsFlushed.Load()))

	b = appendHeader(b, "cardbench_flush_errors_total", "Failed result flushes", "counter")
	b = appendMetric(b, "cardbench_flush_errors_total", float64(m.flushErrorsTotal.Load()))

	// Insert metrics
	b = appendHeader(b, "cardbench_inserts_total", "Background inserts during experiments", "counter")
	b = appendMetric(b, "cardbench_inserts_total", float64(m.insertsTotal.Load()))

	b = appendHeader(b, "cardbench_insert_errors_total", "Failed background inserts", "counter")
	b = appendMetric(b, "cardbench_insert_errors_total", float64(m.insertErrorsTotal.Load()))

	// Corpus metrics
	b = appendHeader(b, "cardbench_corpus_docs_total", "Documents bulk loaded into the subject index", "counter")
	b = appendMetric(b, "cardbench_corpus_docs_total", float64(m.corpusDocsTotal.Load()))

	b = appendHeader(b, "cardbench_corpus_bulk_requests_total", "Bulk requests sent while loading", "counter")
	b = appendMetric(b, "cardbench_corpus_bulk_requests_total", float64(m.corpusBulkRequests.Load()))

	b = appendHeader(b, "cardbench_corpus_bulk_failures_total", "Bulk requests with failures while loading", "counter")
	b = appendMetric(b, "cardbench_corpus_bulk_failures_total", float64(m.corpusBulkFailures.Load()))

	// Experiment progress
	b = appendHeader(b, "cardbench_experiments_completed_total", "Experiments run to completion", "counter")
	b = appendMetric(b, "cardbench_experiments_completed_total", float64(m.experimentsCompleted.Load()))

	b = appendHeader(b, "cardbench_experiments_planned", "Experiments in the current plan", "gauge")
	b = appendMetric(b, "cardbench_experiments_planned", float64(m.experimentsPlanned.Load()))

	b = appendHeader(b, "cardbench_active_workers", "Measurement workers running", "gauge")
	b = appendMetric(b, "cardbench_active_workers", float64(m.activeWorkers.Load()))

	return string(b)
}

// Helper functions for Prometheus format
func appendHeader(b []byte, name, help, kind string) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, "\n# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, kind...)
	b = append(b, '\n')
	return b
}

func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=', '"')
	b = append(b, labelValue...)
	b = append(b, '"', '}', ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendFloat(b []byte, v float64) []byte {
	if v == float64(int64(v)) {
		return appendInt(b, int64(v))
	}
	// Up to 6 decimal places
	intPart := int64(v)
	fracPart := int64((v - float64(intPart)) * 1000000)
	if fracPart < 0 {
		fracPart = -fracPart
	}
	b = appendInt(b, intPart)
	b = append(b, '.')
	for pad := int64(100000); pad > 1 && fracPart < pad; pad /= 10 {
		b = append(b, '0')
	}
	b = appendInt(b, fracPart)
	return b
}

func appendInt(b []byte, v int64) []byte {
	if v < 0 {
		b = append(b, '-')
		v = -v
	}
	if v == 0 {
		return append(b, '0')
	}
	var digits [20]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return append(b, digits[i:]...)
}
