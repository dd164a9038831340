// Package stackdriver ships log records to Google Cloud Logging through the
// entries:write REST endpoint, authenticating with a service-account JWT
// exchanged for an OAuth2 access token.
package stackdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/oauth2"

	"github.com/user/skald"
	"github.com/user/skald/pkg/sink/httpbatch"
)

const defaultEndpoint = "https://logging.googleapis.com/v2/entries:write"

// Config describes the target project and service-account credentials.
type Config struct {
	ProjectID string
	// LogName is the short log id; it is URL-escaped into the full
	// projects/<id>/logs/<name> resource name.
	LogName       string
	ClientEmail   string
	PrivateKeyPEM string
	// TokenURL and Endpoint override the Google endpoints, mainly for tests.
	TokenURL string
	Endpoint string

	Batch httpbatch.Config
}

// Sink delivers records as Cloud Logging entries.
type Sink struct {
	*httpbatch.Sink
}

// New parses the service-account key and starts the batch loop.
func New(cfg Config, formatter skald.Formatter, opts ...httpbatch.Option) (*Sink, error) {
	if cfg.ProjectID == "" {
		cfg.ProjectID = os.Getenv("GCP_PROJECT_ID")
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("stackdriver: no project id configured and GCP_PROJECT_ID is unset")
	}
	if cfg.LogName == "" {
		cfg.LogName = os.Getenv("STACKDRIVER_LOG_NAME")
	}
	if cfg.LogName == "" {
		cfg.LogName = "skald"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}

	ts, err := newTokenSource(cfg.ClientEmail, cfg.PrivateKeyPEM, cfg.TokenURL)
	if err != nil {
		return nil, err
	}

	cfg.Batch.Name = "stackdriver"
	builder := &entriesBuilder{
		endpoint: cfg.Endpoint,
		logName:  fmt.Sprintf("projects/%s/logs/%s", cfg.ProjectID, url.PathEscape(cfg.LogName)),
		tokens:   ts,
	}
	return &Sink{Sink: httpbatch.New(cfg.Batch, builder, formatter, opts...)}, nil
}

// Severity returns the Cloud Logging severity for a level.
func Severity(l skald.Level) string {
	switch {
	case l >= skald.LevelFatal:
		return "CRITICAL"
	case l >= skald.LevelError:
		return "ERROR"
	case l >= skald.LevelWarn:
		return "WARNING"
	case l >= skald.LevelInfo:
		return "INFO"
	case l >= skald.LevelDebug:
		return "DEBUG"
	default:
		return "DEFAULT"
	}
}

type logEntry struct {
	Timestamp   string          `json:"timestamp"`
	Severity    string          `json:"severity"`
	JSONPayload json.RawMessage `json:"jsonPayload,omitempty"`
	TextPayload string          `json:"textPayload,omitempty"`
}

type writeRequest struct {
	LogName        string                 `json:"logName"`
	Resource       map[string]interface{} `json:"resource"`
	Entries        []logEntry             `json:"entries"`
	PartialSuccess bool                   `json:"partialSuccess"`
}

// entriesBuilder frames entries:write calls. Invalid JSON bodies fall back
// to textPayload so a single bad record cannot poison a batch.
type entriesBuilder struct {
	endpoint string
	logName  string
	tokens   oauth2.TokenSource
}

func (b *entriesBuilder) BuildRequest(ctx context.Context, batch []httpbatch.Entry) (*http.Request, error) {
	entries := make([]logEntry, len(batch))
	for i, e := range batch {
		entries[i] = logEntry{
			Timestamp: time.UnixMilli(e.Time).UTC().Format(time.RFC3339Nano),
			Severity:  Severity(e.Level),
		}
		if json.Valid(e.Body) {
			entries[i].JSONPayload = json.RawMessage(e.Body)
		} else {
			entries[i].TextPayload = string(e.Body)
		}
	}

	payload, err := json.Marshal(writeRequest{
		LogName:        b.logName,
		Resource:       map[string]interface{}{"type": "global"},
		Entries:        entries,
		PartialSuccess: true,
	})
	if err != nil {
		return nil, err
	}

	tok, err := b.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain access token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tok.SetAuthHeader(req)
	return req, nil
}

func (b *entriesBuilder) ClassifyResponse(resp *http.Response, batch []httpbatch.Entry) httpbatch.Outcome {
	switch {
	case resp.StatusCode == http.StatusOK:
		return httpbatch.Outcome{Status: httpbatch.OK}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// The cached token may have been revoked; refresh and retry.
		if ts, ok := b.tokens.(*tokenSource); ok {
			ts.invalidate()
		}
		return httpbatch.Outcome{Status: httpbatch.Retriable, Err: fmt.Errorf("write unauthorized: %s", resp.Status)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return httpbatch.Outcome{Status: httpbatch.Retriable, Err: fmt.Errorf("write rejected: %s", resp.Status)}
	default:
		body, _ := io.ReadAll(resp.Body)
		return httpbatch.Outcome{Status: httpbatch.Fatal, Err: fmt.Errorf("write refused: %s: %s", resp.Status, body)}
	}
}
