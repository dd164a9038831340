// Package elasticsearch ships log records to an Elasticsearch cluster with
// the bulk API. Batching, retries, and dead-marking come from httpbatch;
// the official client supplies connection pooling and authentication.
package elasticsearch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/tidwall/gjson"

	"github.com/user/skald"
	"github.com/user/skald/pkg/sink/httpbatch"
)

// Config describes the cluster connection and indexing scheme.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	APIKey    string
	// IndexPattern names the target index. The tokens {YYYY}, {MM}, {DD},
	// and {YYYY.MM.DD} are substituted from each record's timestamp, so one
	// batch may span multiple indices.
	IndexPattern string
	// IncludeID sets the document _id from the record ID, making replayed
	// deliveries idempotent.
	IncludeID bool

	Batch httpbatch.Config
}

// Sink delivers records as bulk index operations.
type Sink struct {
	*httpbatch.Sink
	client *elasticsearch.Client
}

// esTransport routes the batcher's requests through the official client so
// its node pool and auth headers apply.
type esTransport struct {
	client *elasticsearch.Client
}

func (t esTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.client.Perform(req)
}

// New connects the client and starts the batch loop.
func New(cfg Config, formatter skald.Formatter, opts ...httpbatch.Option) (*Sink, error) {
	if cfg.IndexPattern == "" {
		cfg.IndexPattern = "logs-{YYYY.MM.DD}"
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	cfg.Batch.Name = "elasticsearch"
	builder := &bulkBuilder{pattern: cfg.IndexPattern, includeID: cfg.IncludeID}
	opts = append(opts, httpbatch.WithClient(&http.Client{
		Transport: esTransport{client: client},
		Timeout:   cfg.Batch.Timeout,
	}))
	return &Sink{
		Sink:   httpbatch.New(cfg.Batch, builder, formatter, opts...),
		client: client,
	}, nil
}

// Ping checks cluster reachability outside the delivery path.
func (s *Sink) Ping(ctx context.Context) error {
	res, err := s.client.Info(s.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("ping error: %s", res.String())
	}
	return nil
}

// bulkBuilder frames entries as bulk API action/source line pairs.
type bulkBuilder struct {
	pattern   string
	includeID bool
}

func (b *bulkBuilder) BuildRequest(ctx context.Context, batch []httpbatch.Entry) (*http.Request, error) {
	var buf bytes.Buffer
	for _, e := range batch {
		buf.WriteString(`{"index":{"_index":"`)
		buf.WriteString(renderIndex(b.pattern, e.Time))
		buf.WriteString(`"`)
		if b.includeID && e.ID != "" {
			buf.WriteString(`,"_id":"`)
			buf.WriteString(e.ID)
			buf.WriteString(`"`)
		}
		buf.WriteString("}}\n")
		buf.Write(e.Body)
		buf.WriteByte('\n')
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/_bulk", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	return req, nil
}

func (b *bulkBuilder) ClassifyResponse(resp *http.Response, batch []httpbatch.Entry) httpbatch.Outcome {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return httpbatch.Outcome{
			Status: httpbatch.Retriable,
			Err:    fmt.Errorf("bulk request rejected: %s", resp.Status),
		}
	case resp.StatusCode >= 400:
		return httpbatch.Outcome{
			Status: httpbatch.Fatal,
			Err:    fmt.Errorf("bulk request refused: %s", resp.Status),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return httpbatch.Outcome{Status: httpbatch.Retriable, Err: fmt.Errorf("failed to read bulk response: %w", err)}
	}
	if !gjson.GetBytes(body, "errors").Bool() {
		return httpbatch.Outcome{Status: httpbatch.OK}
	}

	// Partial failure. Requeue only the items the cluster might accept
	// later; mapping and parse errors can never succeed and are dropped.
	var retry []int
	var firstErr error
	gjson.GetBytes(body, "items").ForEach(func(i, item gjson.Result) bool {
		idx := int(i.Int())
		if idx >= len(batch) {
			return false
		}
		op := item.Get("index")
		status := int(op.Get("status").Int())
		if status == http.StatusTooManyRequests || status >= 500 {
			retry = append(retry, idx)
			if firstErr == nil {
				firstErr = fmt.Errorf("bulk item %d: %s %s", idx,
					op.Get("error.type").String(), op.Get("error.reason").String())
			}
		}
		return true
	})
	return httpbatch.Outcome{Status: httpbatch.OK, Retry: retry, Err: firstErr}
}

// renderIndex substitutes date tokens from an epoch-millisecond timestamp.
func renderIndex(pattern string, ms int64) string {
	t := time.UnixMilli(ms).UTC()
	r := strings.NewReplacer(
		"{YYYY.MM.DD}", t.Format("2006.01.02"),
		"{YYYY}", t.Format("2006"),
		"{MM}", t.Format("01"),
		"{DD}", t.Format("02"),
	)
	return r.Replace(pattern)
}
