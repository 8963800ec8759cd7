package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/basekick-labs/cardbench/internal/corpus"
	"github.com/basekick-labs/cardbench/internal/experiment"
	"github.com/basekick-labs/cardbench/internal/plan"
)

// Mode selects which phases a run executes
type Mode string

const (
	ModeAll             Mode = "all"
	ModePopulateOnly    Mode = "populate-only"
	ModeExperimentsOnly Mode = "experiments-only"
)

// ParseMode validates a --mode value
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAll, ModePopulateOnly, ModeExperimentsOnly:
		return m, nil
	default:
		return "", fmt.Errorf("invalid mode %q: expected all, populate-only or experiments-only", s)
	}
}

func (m Mode) Populates() bool   { return m == ModeAll || m == ModePopulateOnly }
func (m Mode) Experiments() bool { return m == ModeAll || m == ModeExperimentsOnly }

// ExitCode maps a run error to the process exit status. An interruption with nothing
// else wrong exits 130.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var loadErr *corpus.LoadError
	var planErr *plan.ConfigurationError
	var cfgErr *experiment.ConfigurationError
	var sinkErr *experiment.SinkWriteError
	switch {
	case errors.As(err, &loadErr), errors.As(err, &planErr), errors.As(err, &cfgErr), errors.As(err, &sinkErr):
		return 1
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}
