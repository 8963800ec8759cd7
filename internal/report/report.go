// Package report summarises the measured latencies of a run and writes them to disk.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/basekick-labs/cardbench/internal/experiment"
	"github.com/basekick-labs/cardbench/internal/plan"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// ExperimentSummary holds the took distribution of one experiment, in milliseconds
type ExperimentSummary struct {
	ExperimentID        string  `json:"experiment_id"`
	Description         string  `json:"description"`
	ResultIndex         string  `json:"result_index"`
	RefreshInterval     string  `json:"refresh_interval"`
	EagerGlobalOrdinals bool    `json:"eager_global_ordinals"`
	RequestCache        bool    `json:"request_cache"`
	Count               int     `json:"count"`
	Min                 int64   `json:"min_ms"`
	Max                 int64   `json:"max_ms"`
	Mean                float64 `json:"mean_ms"`
	P50                 int64   `json:"p50_ms"`
	P95                 int64   `json:"p95_ms"`
	P99                 int64   `json:"p99_ms"`
}

// Report is the persisted outcome of one run
type Report struct {
	RunID       string              `json:"run_id"`
	RunUUID     uuid.UUID           `json:"run_uuid"`
	Mode        string              `json:"mode"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  time.Time           `json:"finished_at"`
	Errors      []string            `json:"errors,omitempty"`
	Experiments []ExperimentSummary `json:"experiments"`
}

// New creates a report for the run with a fresh run UUID
func New(runID, mode string, out experiment.Outcome) *Report {
	return &Report{
		RunID:       runID,
		RunUUID:     uuid.New(),
		Mode:        mode,
		StartedAt:   out.StartedAt,
		FinishedAt:  out.FinishedAt,
		Experiments: Summarize(out.Plan, out.AllRecords()),
	}
}

// Summarize groups records by experiment id and computes the took distribution.
// Summaries follow plan order; experiments without records have Count 0.
func Summarize(p plan.Plan, records []experiment.Record) []ExperimentSummary {
	byID := make(map[string][]int64, len(p))
	for _, r := range records {
		byID[r.ExperimentID] = append(byID[r.ExperimentID], r.Took)
	}

	out := make([]ExperimentSummary, 0, len(p))
	for _, d := range p {
		s := ExperimentSummary{
			ExperimentID:        d.ExperimentID,
			Description:         d.Description,
			ResultIndex:         d.ResultDestination,
			RefreshInterval:     d.RefreshInterval,
			EagerGlobalOrdinals: d.EagerGlobalOrdinals,
			RequestCache:        d.RequestCacheEnabled,
		}

		took := byID[d.ExperimentID]
		if len(took) > 0 {
			slices.Sort(took)
			var sum int64
			for _, v := range took {
				sum += v
			}
			s.Count = len(took)
			s.Min = took[0]
			s.Max = took[len(took)-1]
			s.Mean = float64(sum) / float64(len(took))
			s.P50 = percentile(took, 0.50)
			s.P95 = percentile(took, 0.95)
			s.P99 = percentile(took, 0.99)
		}
		out = append(out, s)
	}
	return out
}

// percentile reads p from sorted values
func percentile(sorted []int64, p float64) int64 {
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// FileName is the report file name for a run
func FileName(runID string, compress bool) string {
	if compress {
		return "cardbench-" + runID + ".json.zst"
	}
	return "cardbench-" + runID + ".json"
}

// WriteFile writes the report as indented JSON into dir, zstd-compressed when compress
// is set, and returns the file path.
func WriteFile(dir string, r *Report, compress bool) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}

	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return "", fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		data = enc.EncodeAll(data, nil)
		enc.Close()
	}

	path := filepath.Join(dir, FileName(r.RunID, compress))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

// ReadFile loads a report written by WriteFile, compressed or not
func ReadFile(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rd io.Reader = f
	if filepath.Ext(path) == ".zst" {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()
		rd = dec
	}

	var r Report
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &r, nil
}

// Log prints one line per experiment
func Log(logger zerolog.Logger, summaries []ExperimentSummary) {
	for _, s := range summaries {
		logger.Info().
			Str("experiment_id", s.ExperimentID).
			Int("count", s.Count).
			Int64("min_ms", s.Min).
			Int64("p50_ms", s.P50).
			Int64("p95_ms", s.P95).
			Int64("p99_ms", s.P99).
			Int64("max_ms", s.Max).
			Float64("mean_ms", s.Mean).
			Msg("Experiment summary")
	}
}
