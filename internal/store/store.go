package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Store is the document store the harness drives. It covers the index, document,
// search and cluster-settings calls the corpus loader, the controller and the
// measurement workers need. Implementations must be safe for concurrent use.
type Store interface {
	// Ping checks that the store is reachable
	Ping(ctx context.Context) error

	// DeleteIndex deletes an index. A missing index is not an error.
	DeleteIndex(ctx context.Context, name string) error

	// CreateIndex creates an index with the given settings and mappings
	CreateIndex(ctx context.Context, name string, body IndexBody) error

	// PutIndexSettings updates dynamic index settings
	PutIndexSettings(ctx context.Context, name string, settings map[string]any) error

	// PutFieldMapping updates the mapping of a single field
	PutFieldMapping(ctx context.Context, name, field string, mapping map[string]any) error

	// PutClusterSettings applies cluster-wide settings
	PutClusterSettings(ctx context.Context, settings map[string]any) error

	// Bulk indexes every item in one request. Per-item failures are reported in
	// the result, not as an error.
	Bulk(ctx context.Context, items []BulkItem) (BulkResult, error)

	// IndexDocument indexes a single document with a store-generated id
	IndexDocument(ctx context.Context, name string, doc any) error

	// Search runs a search request body against an index
	Search(ctx context.Context, name string, query any) (SearchResult, error)

	// Refresh makes all buffered documents of an index searchable
	Refresh(ctx context.Context, name string) error

	// Count returns the number of searchable documents in an index
	Count(ctx context.Context, name string) (int64, error)
}

// IndexBody is the create-index request body
type IndexBody struct {
	Settings map[string]any `json:"settings,omitempty"`
	Mappings map[string]any `json:"mappings,omitempty"`
}

// BulkItem is one document destined for Index
type BulkItem struct {
	Index string
	Doc   any
}

// BulkResult summarises a bulk response
type BulkResult struct {
	Took       int64
	Indexed    int
	Failed     int
	FirstError string // Reason of the first failed item, for logging
}

// SearchResult holds the parts of a search response the harness uses
type SearchResult struct {
	Took         int64 // Server-side execution time in milliseconds
	TimedOut     bool
	ShardsFailed int
	Aggregations json.RawMessage
}

// Error is a failed store call. Status is the HTTP status, or 0 when the request
// never got a response.
type Error struct {
	Op     string
	Status int
	Type   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Type != "" {
		return fmt.Sprintf("%s: status %d: %s: %s", e.Op, e.Status, e.Type, e.Reason)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a 404 from the store
func IsNotFound(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}

// IsAlreadyExists reports whether a create failed because the index is already there
func IsAlreadyExists(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Type == "resource_already_exists_exception"
}

// IsRejected reports whether the store refused the request itself (bad setting value,
// unknown index, conflicting mapping). Retrying a rejected request cannot succeed.
func IsRejected(err error) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return se.Status >= 400 && se.Status < 500
}
