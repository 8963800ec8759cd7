// Package corpus bulk loads the high-cardinality subject index.
package corpus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/basekick-labs/cardbench/internal/metrics"
	"github.com/basekick-labs/cardbench/internal/store"
	"github.com/rs/zerolog"
)

// ValueSource yields field values uniformly distributed in [1, n]
type ValueSource interface {
	Value(n int) int
}

// RandomSource is the default ValueSource backed by math/rand/v2. It is safe for
// concurrent use.
type RandomSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomSource creates a seeded source. Equal seeds give equal sequences.
func NewRandomSource(seed uint64) *RandomSource {
	return &RandomSource{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *RandomSource) Value(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return 1 + s.rng.IntN(n)
}

// Options describes one populate run
type Options struct {
	Index       string
	Field       string
	TargetCount int
	BatchSize   int
	ValueRange  int

	Shards               int
	Replicas             int
	LoadRefreshInterval  string // Refresh interval while loading
	ReadyRefreshInterval string // Refresh interval once the corpus is in place
	VerifyCount          bool
}

// Result summarises a completed populate
type Result struct {
	Docs         int
	BulkRequests int
	Elapsed      time.Duration
}

// LoadError is a failed populate. Failed is the number of documents the store
// rejected, when known.
type LoadError struct {
	Op     string
	Failed int
	Err    error
}

func (e *LoadError) Error() string {
	if e.Failed > 0 {
		return fmt.Sprintf("corpus %s: %d documents failed: %v", e.Op, e.Failed, e.Err)
	}
	return fmt.Sprintf("corpus %s: %v", e.Op, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Document is the subject index document shape
type Document struct {
	Timestamp time.Time
	Field     string
	Value     string
}

// MarshalJSON renders the value under the configured field name
func (d Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"timestamp": d.Timestamp,
		d.Field:     d.Value,
	})
}

// Loader populates the subject index
type Loader struct {
	store  store.Store
	values ValueSource
	now    func() time.Time
	logger zerolog.Logger
}

// NewLoader creates a loader. A nil values source uses a time-seeded RandomSource.
func NewLoader(s store.Store, values ValueSource, logger zerolog.Logger) *Loader {
	if values == nil {
		values = NewRandomSource(uint64(time.Now().UnixNano()))
	}
	return &Loader{
		store:  s,
		values: values,
		now:    time.Now,
		logger: logger.With().Str("component", "corpus-loader").Logger(),
	}
}

// SubjectMapping is the subject index mapping used at load time
func SubjectMapping(field string) map[string]any {
	return map[string]any{
		"properties": map[string]any{
			"timestamp": map[string]any{"type": "date"},
			field: map[string]any{
				"type":                  "keyword",
				"ignore_above":          256,
				"eager_global_ordinals": false,
			},
		},
	}
}

func (o Options) validate() error {
	switch {
	case o.Index == "" || o.Field == "":
		return fmt.Errorf("index and field are required")
	case o.TargetCount < 0:
		return fmt.Errorf("target count must be >= 0, got %d", o.TargetCount)
	case o.BatchSize <= 0:
		return fmt.Errorf("batch size must be > 0, got %d", o.BatchSize)
	case o.ValueRange <= 0:
		return fmt.Errorf("value range must be > 0, got %d", o.ValueRange)
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 1
	}
	if o.LoadRefreshInterval == "" {
		o.LoadRefreshInterval = "10s"
	}
	if o.ReadyRefreshInterval == "" {
		o.ReadyRefreshInterval = "1s"
	}
	return o
}

// Populate recreates the subject index and fills it with TargetCount documents
func (l *Loader) Populate(ctx context.Context, opts Options) (Result, error) {
	if err := opts.validate(); err != nil {
		return Result{}, &LoadError{Op: "validate", Err: err}
	}
	opts = opts.withDefaults()
	m := metrics.Get()
	start := l.now()

	l.logger.Info().Str("index", opts.Index).Msg("Deleting subject index")
	if err := l.store.DeleteIndex(ctx, opts.Index); err != nil {
		return Result{}, &LoadError{Op: "delete index", Err: err}
	}

	body := store.IndexBody{
		Settings: map[string]any{
			"index": map[string]any{
				"refresh_interval":   opts.LoadRefreshInterval,
				"number_of_shards":   opts.Shards,
				"number_of_replicas": opts.Replicas,
			},
		},
		Mappings: SubjectMapping(opts.Field),
	}
	if err := l.store.CreateIndex(ctx, opts.Index, body); err != nil {
		return Result{}, &LoadError{Op: "create index", Err: err}
	}

	l.logger.Info().
		Str("index", opts.Index).
		Int("docs", opts.TargetCount).
		Int("batch_size", opts.BatchSize).
		Int("value_range", opts.ValueRange).
		Msg("Starting bulk insertion of documents")

	res := Result{}
	batch := make([]store.BulkItem, 0, min(opts.BatchSize, opts.TargetCount))
	lastProgress := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		res.BulkRequests++
		m.IncCorpusBulkRequests()

		br, err := l.store.Bulk(ctx, batch)
		if err != nil {
			m.IncCorpusBulkFailures()
			return &LoadError{Op: "bulk", Err: err}
		}
		m.IncCorpusDocs(int64(br.Indexed))
		res.Docs += br.Indexed
		if br.Failed > 0 {
			m.IncCorpusBulkFailures()
			m.IncCorpusFailedDocs(int64(br.Failed))
			reason := br.FirstError
			if reason == "" {
				reason = "items missing from bulk response"
			}
			return &LoadError{Op: "bulk", Failed: br.Failed, Err: errors.New(reason)}
		}
		batch = batch[:0]
		return nil
	}

	for n := 0; n < opts.TargetCount; n++ {
		if err := ctx.Err(); err != nil {
			return res, &LoadError{Op: "bulk", Err: err}
		}

		batch = append(batch, store.BulkItem{
			Index: opts.Index,
			Doc: Document{
				Timestamp: l.now(),
				Field:     opts.Field,
				Value:     strconv.Itoa(l.values.Value(opts.ValueRange)),
			},
		})
		if len(batch) >= opts.BatchSize {
			if err := flush(); err != nil {
				return res, err
			}
			// Progress roughly every tenth of the corpus
			if step := opts.TargetCount / 10; step > 0 && res.Docs-lastProgress >= step {
				lastProgress = res.Docs
				l.logger.Info().Int("docs", res.Docs).Int("target", opts.TargetCount).Msg("Bulk insertion progress")
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}

	// Ready the index for experiments: fast refresh, lazy ordinals
	ready := map[string]any{"index": map[string]any{"refresh_interval": opts.ReadyRefreshInterval}}
	if err := l.store.PutIndexSettings(ctx, opts.Index, ready); err != nil {
		return res, &LoadError{Op: "put settings", Err: err}
	}
	lazy := map[string]any{"type": "keyword", "eager_global_ordinals": false}
	if err := l.store.PutFieldMapping(ctx, opts.Index, opts.Field, lazy); err != nil {
		return res, &LoadError{Op: "put mapping", Err: err}
	}
	if err := l.store.Refresh(ctx, opts.Index); err != nil {
		return res, &LoadError{Op: "refresh", Err: err}
	}

	if opts.VerifyCount {
		count, err := l.store.Count(ctx, opts.Index)
		if err != nil {
			return res, &LoadError{Op: "count", Err: err}
		}
		if count != int64(opts.TargetCount) {
			return res, &LoadError{
				Op:  "verify",
				Err: fmt.Errorf("index holds %d documents, expected %d", count, opts.TargetCount),
			}
		}
	}

	res.Elapsed = l.now().Sub(start)
	l.logger.Info().
		Str("index", opts.Index).
		Int("docs", res.Docs).
		Int("bulk_requests", res.BulkRequests).
		Dur("elapsed", res.Elapsed).
		Msg("Subject index populated")

	return res, nil
}
