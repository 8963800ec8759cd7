package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Store operation names, used in the Memory call log and for failure injection
const (
	OpPing               = "ping"
	OpDeleteIndex        = "delete_index"
	OpCreateIndex        = "create_index"
	OpPutIndexSettings   = "put_index_settings"
	OpPutFieldMapping    = "put_field_mapping"
	OpPutClusterSettings = "put_cluster_settings"
	OpBulk               = "bulk"
	OpIndexDocument      = "index_document"
	OpSearch             = "search"
	OpRefresh            = "refresh"
	OpCount              = "count"
)

// Call is one entry of the Memory call log
type Call struct {
	Op    string
	Index string
	Items int            // Bulk only
	Body  map[string]any // Settings or mapping payload, when the call carries one
}

type memIndex struct {
	settings map[string]any
	mappings map[string]any
	docs     []map[string]any
}

// Memory is an in-memory Store for tests. Documents are kept as decoded JSON objects so
// assertions see what the real store would have received.
type Memory struct {
	mu       sync.Mutex
	indices  map[string]*memIndex
	cluster  map[string]any
	calls    []Call
	failures map[string][]error
	took     []int64
	tookPos  int
	itemFail func(i int, item BulkItem) bool
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		indices:  make(map[string]*memIndex),
		cluster:  make(map[string]any),
		failures: make(map[string][]error),
	}
}

// FailNext queues err as the result of the next call of op. Errors queue up in order.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// SetTook scripts the took values returned by Search, cycling through them
func (m *Memory) SetTook(values ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.took = values
	m.tookPos = 0
}

// FailBulkItems makes Bulk reject every item for which fn returns true
func (m *Memory) FailBulkItems(fn func(i int, item BulkItem) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemFail = fn
}

// Calls returns a copy of the call log
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsFor returns the logged calls of one operation
func (m *Memory) CallsFor(op string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Docs returns the documents held by an index
func (m *Memory) Docs(name string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indices[name]
	if !ok {
		return nil
	}
	out := make([]map[string]any, len(idx.docs))
	copy(out, idx.docs)
	return out
}

// HasIndex reports whether an index exists
func (m *Memory) HasIndex(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.indices[name]
	return ok
}

// Indices returns the number of indices
func (m *Memory) Indices() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.indices)
}

// Settings returns the merged settings of an index
func (m *Memory) Settings(name string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.indices[name]; ok {
		return idx.settings
	}
	return nil
}

// Mappings returns the merged mappings of an index
func (m *Memory) Mappings(name string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.indices[name]; ok {
		return idx.mappings
	}
	return nil
}

// ClusterSettings returns the merged cluster settings
func (m *Memory) ClusterSettings() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cluster
}

// begin logs a call and pops an injected failure. Callers hold m.mu.
func (m *Memory) begin(c Call) error {
	m.calls = append(m.calls, c)
	if q := m.failures[c.Op]; len(q) > 0 {
		m.failures[c.Op] = q[1:]
		return q[0]
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Call{Op: OpPing}); err != nil {
		return err
	}
	return ctx.Err()
}

func (m *Memory) DeleteIndex(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Call{Op: OpDeleteIndex, Index: name}); err != nil {
		return err
	}
	delete(m.indices, name)
	return nil
}

func (m *Memory) CreateIndex(ctx context.Context, name string, body IndexBody) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Call{Op: OpCreateIndex, Index: name, Body: map[string]any{
		"settings": body.Settings,
		"mappings": body.Mappings,
	}}); err != nil {
		return err
	}
	if _, ok := m.indices[name]; ok {
		return &Error{
			Op:     "create index " + name,
			Status: http.StatusBadRequest,
			Type:   "resource_already_exists_exception",
			Reason: fmt.Sprintf("index [%s] already exists", name),
		}
	}
	m.indices[name] = &memIndex{
		settings: merge(nil, body.Settings),
		mappings: merge(nil, body.Mappings),
	}
	return nil
}

func (m *Memory) PutIndexSettings(ctx context.Context, name string, settings map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Call{Op: OpPutIndexSettings, Index: name, Body: settings}); err != nil {
		return err
	}
	idx, err := m.index("put settings", name)
	if err != nil {
		return err
	}
	idx.settings = merge(idx.settings, settings)
	return nil
}

func (m *Memory) PutFieldMapping(ctx context.Context, name, field string, mapping map[string]any) error {
	body := map[string]any{"properties": map[string]any{field: mapping}}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Call{Op: OpPutFieldMapping, Index: name, Body: body}); err != nil {
		return err
	}
	idx, err := m.index("put mapping", name)
	if err != nil {
		return err
	}
	idx.mappings = merge(idx.mappings, body)
	return nil
}

func (m *Memory) PutClusterSettings(ctx context.Context, settings map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Call{Op: OpPutClusterSettings, Body: settings}); err != nil {
		return err
	}
	m.cluster = merge(m.cluster, settings)
	return nil
}

func (m *Memory) Bulk(ctx context.Context, items []BulkItem) (BulkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Call{Op: OpBulk, Items: len(items)}); err != nil {
		return BulkResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return BulkResult{}, &Error{Op: "bulk", Err: err}
	}

	var res BulkResult
	for i, item := range items {
		if m.itemFail != nil && m.itemFail(i, item) {
			res.Failed++
			if res.FirstError == "" {
				res.FirstError = "mapper_parsing_exception: injected failure"
			}
			continue
		}
		doc, err := toObject(item.Doc)
		if err != nil {
			return BulkResult{}, &Error{Op: "bulk", Err: err}
		}
		idx := m.autoCreate(item.Index)
		idx.docs = append(idx.docs, doc)
		res.Indexed++
	}
	return res, nil
}

func (m *Memory) IndexDocument(ctx context.Context, name string, doc any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Call{Op: OpIndexDocument, Index: name}); err != nil {
		return err
	}
	obj, err := toObject(doc)
	if err != nil {
		return &Error{Op: "index " + name, Err: err}
	}
	idx := m.autoCreate(name)
	idx.docs = append(idx.docs, obj)
	return nil
}

// Search returns the next scripted took value. Aggregation results are not computed.
func (m *Memory) Search(ctx context.Context, name string, query any) (SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Call{Op: OpSearch, Index: name}); err != nil {
		return SearchResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return SearchResult{}, &Error{Op: "search " + name, Err: err}
	}
	if _, err := m.index("search", name); err != nil {
		return SearchResult{}, err
	}

	var took int64 = 1
	if len(m.took) > 0 {
		took = m.took[m.tookPos%len(m.took)]
		m.tookPos++
	}
	return SearchResult{
		Took:         took,
		Aggregations: json.RawMessage(`{"topn":{"buckets":[]}}`),
	}, nil
}

func (m *Memory) Refresh(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Call{Op: OpRefresh, Index: name}); err != nil {
		return err
	}
	_, err := m.index("refresh", name)
	return err
}

func (m *Memory) Count(ctx context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Call{Op: OpCount, Index: name}); err != nil {
		return 0, err
	}
	idx, err := m.index("count", name)
	if err != nil {
		return 0, err
	}
	return int64(len(idx.docs)), nil
}

func (m *Memory) index(op, name string) (*memIndex, error) {
	idx, ok := m.indices[name]
	if !ok {
		return nil, &Error{
			Op:     op + " " + name,
			Status: http.StatusNotFound,
			Type:   "index_not_found_exception",
			Reason: "no such index [" + name + "]",
		}
	}
	return idx, nil
}

// autoCreate mirrors the store creating an index on first write
func (m *Memory) autoCreate(name string) *memIndex {
	idx, ok := m.indices[name]
	if !ok {
		idx = &memIndex{settings: map[string]any{}, mappings: map[string]any{}}
		m.indices[name] = idx
	}
	return idx
}

func toObject(doc any) (map[string]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// merge deep-merges src into dst and returns dst
func merge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			dv, _ := dst[k].(map[string]any)
			dst[k] = merge(dv, sv)
			continue
		}
		dst[k] = v
	}
	return dst
}
