package experiment

import "fmt"

// ConfigurationError is a rejected result index, settings or mapping change.
// It aborts the remaining plan.
type ConfigurationError struct {
	ExperimentID string // Empty when raised while preparing result indices
	Op           string
	Err          error
}

func (e *ConfigurationError) Error() string {
	if e.ExperimentID == "" {
		return fmt.Sprintf("configuration failed: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("configuration failed for %q: %s: %v", e.ExperimentID, e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TransientQueryError is a failed aggregation. The iteration is skipped.
type TransientQueryError struct {
	Worker int
	Err    error
}

func (e *TransientQueryError) Error() string {
	return fmt.Sprintf("worker %d: aggregation failed: %v", e.Worker, e.Err)
}

func (e *TransientQueryError) Unwrap() error { return e.Err }

// SinkWriteError is a failed flush of a worker's measurements
type SinkWriteError struct {
	Worker  int
	Records int // Records in the flush
	Failed  int // Records the sink could not write
	Err     error
}

func (e *SinkWriteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("worker %d: %d of %d measurements not written", e.Worker, e.Failed, e.Records)
	}
	return fmt.Sprintf("worker %d: writing %d measurements failed: %v", e.Worker, e.Records, e.Err)
}

func (e *SinkWriteError) Unwrap() error { return e.Err }
