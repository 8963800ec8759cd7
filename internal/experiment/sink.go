package experiment

import (
	"context"
	"time"

	"github.com/basekick-labs/cardbench/internal/store"
)

// Record is one aggregation measurement, tagged with the experiment that was active
// when the query completed
type Record struct {
	Destination  string
	ExperimentID string
	Took         int64 // milliseconds, as reported by the store
	Timestamp    time.Time
}

// resultDoc is the document written to a result index
type resultDoc struct {
	Timestamp    time.Time `json:"timestamp"`
	Took         int64     `json:"took"`
	ExperimentID string    `json:"experiment_id"`
}

// ResultIndexBody is the settings and mapping of every result index
func ResultIndexBody() store.IndexBody {
	return store.IndexBody{
		Settings: map[string]any{
			"index": map[string]any{
				"refresh_interval":   "1s",
				"number_of_shards":   1,
				"number_of_replicas": 0,
			},
		},
		Mappings: map[string]any{
			"properties": map[string]any{
				"timestamp":     map[string]any{"type": "date"},
				"took":          map[string]any{"type": "long"},
				"experiment_id": map[string]any{"type": "keyword", "ignore_above": 256},
			},
		},
	}
}

// Sink persists measurements. It returns the number of records it could not write.
type Sink interface {
	Write(ctx context.Context, records []Record) (failed int, err error)
}

// DefaultSinkBatch bounds the size of one bulk request
const DefaultSinkBatch = 5000

// StoreSink writes measurements to their result indices through Store.Bulk
type StoreSink struct {
	store     store.Store
	batchSize int
}

// NewStoreSink creates a sink. batchSize <= 0 uses DefaultSinkBatch.
func NewStoreSink(s store.Store, batchSize int) *StoreSink {
	if batchSize <= 0 {
		batchSize = DefaultSinkBatch
	}
	return &StoreSink{store: s, batchSize: batchSize}
}

func (s *StoreSink) Write(ctx context.Context, records []Record) (int, error) {
	failed := 0
	for start := 0; start < len(records); start += s.batchSize {
		chunk := records[start:min(start+s.batchSize, len(records))]

		items := make([]store.BulkItem, len(chunk))
		for i, rec := range chunk {
			items[i] = store.BulkItem{
				Index: rec.Destination,
				Doc: resultDoc{
					Timestamp:    rec.Timestamp,
					Took:         rec.Took,
					ExperimentID: rec.ExperimentID,
				},
			}
		}

		res, err := s.store.Bulk(ctx, items)
		if err != nil {
			// Everything from this chunk on is lost
			return failed + len(records) - start, err
		}
		failed += res.Failed
	}
	return failed, nil
}
