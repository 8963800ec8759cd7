package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/rs/zerolog"
)

// ElasticConfig configures the Elasticsearch binding
type ElasticConfig struct {
	Addresses      []string
	Username       string
	Password       string
	RequestTimeout time.Duration

	// Transport overrides the HTTP transport (tests point it at httptest servers)
	Transport http.RoundTripper
}

// Elastic implements Store on top of the official Elasticsearch client
type Elastic struct {
	client *elasticsearch.Client
	logger zerolog.Logger
}

// NewElastic creates an Elasticsearch-backed store. Client-level retries are disabled;
// retry policy lives in the Resilient wrapper so it can tell idempotent calls apart.
func NewElastic(cfg ElasticConfig, logger zerolog.Logger) (*Elastic, error) {
	transport := cfg.Transport
	if transport == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: timeout,
		}
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    cfg.Addresses,
		Username:     cfg.Username,
		Password:     cfg.Password,
		Transport:    transport,
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	return &Elastic{
		client: client,
		logger: logger.With().Str("component", "elasticsearch").Logger(),
	}, nil
}

func (e *Elastic) Ping(ctx context.Context) error {
	var info struct {
		ClusterName string `json:"cluster_name"`
		Version     struct {
			Number string `json:"number"`
		} `json:"version"`
	}
	res, err := e.client.Info(e.client.Info.WithContext(ctx))
	if err := decode("ping", res, err, &info); err != nil {
		return err
	}

	e.logger.Info().
		Str("cluster", info.ClusterName).
		Str("version", info.Version.Number).
		Msg("Connected to Elasticsearch")
	return nil
}

func (e *Elastic) DeleteIndex(ctx context.Context, name string) error {
	res, err := e.client.Indices.Delete(
		[]string{name},
		e.client.Indices.Delete.WithContext(ctx),
	)
	err = decode("delete index "+name, res, err, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (e *Elastic) CreateIndex(ctx context.Context, name string, body IndexBody) error {
	res, err := e.client.Indices.Create(
		name,
		e.client.Indices.Create.WithBody(esutil.NewJSONReader(body)),
		e.client.Indices.Create.WithContext(ctx),
	)
	return decode("create index "+name, res, err, nil)
}

func (e *Elastic) PutIndexSettings(ctx context.Context, name string, settings map[string]any) error {
	res, err := e.client.Indices.PutSettings(
		esutil.NewJSONReader(settings),
		e.client.Indices.PutSettings.WithIndex(name),
		e.client.Indices.PutSettings.WithContext(ctx),
	)
	return decode("put settings "+name, res, err, nil)
}

func (e *Elastic) PutFieldMapping(ctx context.Context, name, field string, mapping map[string]any) error {
	body := map[string]any{
		"properties": map[string]any{field: mapping},
	}
	res, err := e.client.Indices.PutMapping(
		[]string{name},
		esutil.NewJSONReader(body),
		e.client.Indices.PutMapping.WithContext(ctx),
	)
	return decode("put mapping "+name, res, err, nil)
}

func (e *Elastic) PutClusterSettings(ctx context.Context, settings map[string]any) error {
	res, err := e.client.Cluster.PutSettings(
		esutil.NewJSONReader(settings),
		e.client.Cluster.PutSettings.WithContext(ctx),
	)
	return decode("put cluster settings", res, err, nil)
}

type bulkItemResult struct {
	Status int         `json:"status"`
	Error  *errorCause `json:"error,omitempty"`
}

type bulkResponse struct {
	Took   int64                       `json:"took"`
	Errors bool                        `json:"errors"`
	Items  []map[string]bulkItemResult `json:"items"`
}

func (e *Elastic) Bulk(ctx context.Context, items []BulkItem) (BulkResult, error) {
	if len(items) == 0 {
		return BulkResult{}, nil
	}

	body, err := encodeBulk(items)
	if err != nil {
		return BulkResult{}, &Error{Op: "bulk", Err: err}
	}

	var resp bulkResponse
	res, err := e.client.Bulk(bytes.NewReader(body), e.client.Bulk.WithContext(ctx))
	if err := decode("bulk", res, err, &resp); err != nil {
		return BulkResult{}, err
	}

	result := BulkResult{Took: resp.Took}
	for _, item := range resp.Items {
		for _, r := range item {
			if r.Error != nil || r.Status > 299 {
				result.Failed++
				if result.FirstError == "" && r.Error != nil {
					result.FirstError = r.Error.Type + ": " + r.Error.Reason
				}
				continue
			}
			result.Indexed++
		}
	}
	// Items missing from the response were not indexed either
	if missing := len(items) - result.Indexed - result.Failed; missing > 0 {
		result.Failed += missing
	}
	return result, nil
}

// encodeBulk renders items as the NDJSON bulk body: an action line, then the source
func encodeBulk(items []BulkItem) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		meta := map[string]any{"index": map[string]any{"_index": item.Index}}
		if err := enc.Encode(meta); err != nil {
			return nil, err
		}
		if err := enc.Encode(item.Doc); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (e *Elastic) IndexDocument(ctx context.Context, name string, doc any) error {
	res, err := e.client.Index(
		name,
		esutil.NewJSONReader(doc),
		e.client.Index.WithContext(ctx),
	)
	return decode("index "+name, res, err, nil)
}

func (e *Elastic) Search(ctx context.Context, name string, query any) (SearchResult, error) {
	var resp struct {
		Took     int64 `json:"took"`
		TimedOut bool  `json:"timed_out"`
		Shards   struct {
			Failed int `json:"failed"`
		} `json:"_shards"`
		Aggregations json.RawMessage `json:"aggregations"`
	}
	res, err := e.client.Search(
		e.client.Search.WithContext(ctx),
		e.client.Search.WithIndex(name),
		e.client.Search.WithBody(esutil.NewJSONReader(query)),
	)
	if err := decode("search "+name, res, err, &resp); err != nil {
		return SearchResult{}, err
	}
	return SearchResult{
		Took:         resp.Took,
		TimedOut:     resp.TimedOut,
		ShardsFailed: resp.Shards.Failed,
		Aggregations: resp.Aggregations,
	}, nil
}

func (e *Elastic) Refresh(ctx context.Context, name string) error {
	res, err := e.client.Indices.Refresh(
		e.client.Indices.Refresh.WithIndex(name),
		e.client.Indices.Refresh.WithContext(ctx),
	)
	return decode("refresh "+name, res, err, nil)
}

func (e *Elastic) Count(ctx context.Context, name string) (int64, error) {
	var resp struct {
		Count int64 `json:"count"`
	}
	res, err := e.client.Count(
		e.client.Count.WithIndex(name),
		e.client.Count.WithContext(ctx),
	)
	if err := decode("count "+name, res, err, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

type errorCause struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// decode turns a client call into an error or a decoded body. It always drains and
// closes the response body so connections are reused.
func decode(op string, res *esapi.Response, err error, out any) error {
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(op, res)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &Error{Op: op, Status: res.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func responseError(op string, res *esapi.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))

	se := &Error{Op: op, Status: res.StatusCode}

	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && len(envelope.Error) > 0 {
		var cause errorCause
		if json.Unmarshal(envelope.Error, &cause) == nil && cause.Type != "" {
			se.Type = cause.Type
			se.Reason = cause.Reason
		} else {
			var msg string
			if json.Unmarshal(envelope.Error, &msg) == nil {
				se.Reason = msg
			}
		}
	}
	if se.Reason == "" {
		se.Reason = http.StatusText(res.StatusCode)
	}
	se.Err = fmt.Errorf("%s", se.Reason)
	return se
}
