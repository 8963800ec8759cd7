// Package plan builds the ordered list of experiments a run executes.
package plan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Axes are the configuration dimensions the run sweeps
type Axes struct {
	RefreshIntervals    []string
	EagerGlobalOrdinals []bool
	RequestCache        []bool
}

// DefaultAxes returns the standard matrix: 2 refresh intervals x eager on/off x cache on/off
func DefaultAxes() Axes {
	return Axes{
		RefreshIntervals:    []string{"1s", "60s"},
		EagerGlobalOrdinals: []bool{false, true},
		RequestCache:        []bool{true, false},
	}
}

// Combination is one point of the axes cross product
type Combination struct {
	RefreshInterval     string
	EagerGlobalOrdinals bool
	RequestCache        bool
}

// Combinations enumerates the cross product: refresh interval outermost, then the eager
// flag, then the cache flag.
func (a Axes) Combinations() []Combination {
	out := make([]Combination, 0, len(a.RefreshIntervals)*len(a.EagerGlobalOrdinals)*len(a.RequestCache))
	for _, r := range a.RefreshIntervals {
		for _, e := range a.EagerGlobalOrdinals {
			for _, c := range a.RequestCache {
				out = append(out, Combination{RefreshInterval: r, EagerGlobalOrdinals: e, RequestCache: c})
			}
		}
	}
	return out
}

// Descriptor is one immutable experiment
type Descriptor struct {
	Description         string
	RefreshInterval     string
	EagerGlobalOrdinals bool
	RequestCacheEnabled bool
	Duration            time.Duration
	ResultDestination   string // Result index receiving this experiment's measurements
	ExperimentID        string // Tag written with every measurement
}

// Plan is the ordered experiment list, fixed before execution
type Plan []Descriptor

// ConfigurationError reports an axes set that cannot produce a valid plan
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "invalid experiment plan: " + e.Reason
}

// Result index names: lowercase letters, digits and '-', not starting with '-'
var indexName = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

const maxIndexNameBytes = 255

// RunID formats the run start time as used in result index names
func RunID(t time.Time) string {
	return t.Format("2006-01-02-15-04-05")
}

// Build derives the plan for one run. It is pure: the same inputs yield the same plan.
func Build(axes Axes, runID string, duration time.Duration) (Plan, error) {
	if duration <= 0 {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("duration must be positive, got %s", duration)}
	}
	if len(axes.RefreshIntervals) == 0 || len(axes.EagerGlobalOrdinals) == 0 || len(axes.RequestCache) == 0 {
		return nil, &ConfigurationError{Reason: "every axis needs at least one value"}
	}

	combos := axes.Combinations()
	p := make(Plan, 0, len(combos))
	seenID := make(map[string]struct{}, len(combos))
	seenDest := make(map[string]struct{}, len(combos))

	for _, c := range combos {
		if strings.TrimSpace(c.RefreshInterval) == "" {
			return nil, &ConfigurationError{Reason: "refresh interval must not be blank"}
		}

		d := Descriptor{
			Description:         fmt.Sprintf("Cache: %t Refresh: %s Eager: %t", c.RequestCache, c.RefreshInterval, c.EagerGlobalOrdinals),
			RefreshInterval:     c.RefreshInterval,
			EagerGlobalOrdinals: c.EagerGlobalOrdinals,
			RequestCacheEnabled: c.RequestCache,
			Duration:            duration,
			ResultDestination:   destination(runID, c),
			ExperimentID:        fmt.Sprintf("Refresh=%s Eager=%t Cache=%t", c.RefreshInterval, c.EagerGlobalOrdinals, c.RequestCache),
		}

		if _, dup := seenID[d.ExperimentID]; dup {
			return nil, &ConfigurationError{Reason: "duplicate combination " + d.ExperimentID}
		}
		if _, dup := seenDest[d.ResultDestination]; dup {
			return nil, &ConfigurationError{Reason: "result index collides: " + d.ResultDestination}
		}
		if len(d.ResultDestination) > maxIndexNameBytes || !indexName.MatchString(d.ResultDestination) {
			return nil, &ConfigurationError{Reason: "invalid result index name " + strconv.Quote(d.ResultDestination)}
		}

		seenID[d.ExperimentID] = struct{}{}
		seenDest[d.ResultDestination] = struct{}{}
		p = append(p, d)
	}

	return p, nil
}

func destination(runID string, c Combination) string {
	return strings.ToLower(fmt.Sprintf("experiment-%s-cache-%t-refresh-%s-eager-%t",
		runID, c.RequestCache, c.RefreshInterval, c.EagerGlobalOrdinals))
}

// ExperimentIDs lists the plan's ids in order
func (p Plan) ExperimentIDs() []string {
	ids := make([]string, len(p))
	for i, d := range p {
		ids[i] = d.ExperimentID
	}
	return ids
}

// TotalDuration is the summed run length, excluding pauses
func (p Plan) TotalDuration() time.Duration {
	var total time.Duration
	for _, d := range p {
		total += d.Duration
	}
	return total
}
