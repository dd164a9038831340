// Package azuremonitor ships log records to Azure Application Insights
// through the track endpoint. Records are wrapped in telemetry envelopes,
// with the telemetry type inferred from each record's shape, and posted as
// gzip-compressed JSON lines.
package azuremonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/user/skald"
	"github.com/user/skald/pkg/compression"
	"github.com/user/skald/pkg/sink/httpbatch"
)

const defaultIngestionEndpoint = "https://dc.services.visualstudio.com/"

// Config describes the Application Insights resource.
type Config struct {
	// ConnectionString is the standard "InstrumentationKey=...;
	// IngestionEndpoint=..." form. Empty falls back to the
	// AZURE_CONNECTION_STRING environment variable.
	ConnectionString string

	Batch httpbatch.Config
}

// Sink delivers records as Application Insights telemetry.
type Sink struct {
	*httpbatch.Sink
}

// New parses the connection string and starts the batch loop.
func New(cfg Config, formatter skald.Formatter, opts ...httpbatch.Option) (*Sink, error) {
	if cfg.ConnectionString == "" {
		cfg.ConnectionString = os.Getenv("AZURE_CONNECTION_STRING")
	}
	ikey, endpoint, err := ParseConnectionString(cfg.ConnectionString)
	if err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	cfg.Batch.Name = "azuremonitor"
	builder := &trackBuilder{
		endpoint: strings.TrimSuffix(endpoint, "/") + "/v2/track",
		ikey:     ikey,
		role:     host,
	}
	return &Sink{Sink: httpbatch.New(cfg.Batch, builder, formatter, opts...)}, nil
}

// ParseConnectionString extracts the instrumentation key and ingestion
// endpoint, applying the public default endpoint when absent.
func ParseConnectionString(cs string) (ikey, endpoint string, err error) {
	endpoint = defaultIngestionEndpoint
	for _, part := range strings.Split(cs, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(k) {
		case "instrumentationkey":
			ikey = v
		case "ingestionendpoint":
			endpoint = v
		}
	}
	if ikey == "" {
		return "", "", fmt.Errorf("azuremonitor: connection string has no InstrumentationKey")
	}
	return ikey, endpoint, nil
}

type envelope struct {
	Ver        int               `json:"ver"`
	Name       string            `json:"name"`
	Time       string            `json:"time"`
	SampleRate float64           `json:"sampleRate"`
	IKey       string            `json:"iKey"`
	Tags       map[string]string `json:"tags,omitempty"`
	Data       envelopeData      `json:"data"`
}

type envelopeData struct {
	BaseType string                 `json:"baseType"`
	BaseData map[string]interface{} `json:"baseData"`
}

type trackBuilder struct {
	endpoint string
	ikey     string
	role     string
}

func (b *trackBuilder) BuildRequest(ctx context.Context, batch []httpbatch.Entry) (*http.Request, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range batch {
		if err := enc.Encode(b.envelope(e)); err != nil {
			return nil, err
		}
	}

	gz, _ := compression.NewCompressor(compression.Gzip)
	payload, err := gz.Compress(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to compress telemetry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-json-stream")
	req.Header.Set("Content-Encoding", "gzip")
	return req, nil
}

func (b *trackBuilder) envelope(e httpbatch.Entry) envelope {
	baseType, baseData := inferTelemetry(e)
	sanitized := strings.ReplaceAll(b.ikey, "-", "")
	env := envelope{
		Ver:        1,
		Name:       fmt.Sprintf("Microsoft.ApplicationInsights.%s.%s", sanitized, strings.TrimSuffix(baseType, "Data")),
		Time:       time.UnixMilli(e.Time).UTC().Format("2006-01-02T15:04:05.000Z"),
		SampleRate: 100,
		IKey:       b.ikey,
		Data:       envelopeData{BaseType: baseType, BaseData: baseData},
	}
	if b.role != "" {
		env.Tags = map[string]string{"ai.cloud.roleInstance": b.role}
	}
	return env
}

// severityLevel maps to the Application Insights scale: 0 Verbose through
// 4 Critical.
func severityLevel(l skald.Level) int {
	switch {
	case l >= skald.LevelFatal:
		return 4
	case l >= skald.LevelError:
		return 3
	case l >= skald.LevelWarn:
		return 2
	case l >= skald.LevelInfo:
		return 1
	default:
		return 0
	}
}

// reservedKeys are record fields carried by the envelope itself rather
// than the custom-property bag.
var reservedKeys = map[string]bool{
	"level": true, "levelLabel": true, "time": true, "msg": true,
	"err": true, "hostname": true, "pid": true, "name": true,
	"traceId": true, "spanId": true, "requestId": true, "userId": true,
}

// inferTelemetry picks the telemetry type from the record's shape:
// an error becomes an Exception, an http-call shape becomes a Request or
// RemoteDependency, a bare measurement becomes a Metric, and everything
// else a trace Message.
func inferTelemetry(e httpbatch.Entry) (string, map[string]interface{}) {
	doc := gjson.ParseBytes(e.Body)
	msg := doc.Get("msg").String()
	props := collectProperties(doc)

	if errShape := doc.Get("err"); errShape.Exists() {
		exception := map[string]interface{}{
			"typeName":     errShape.Get("type").String(),
			"message":      errShape.Get("message").String(),
			"hasFullStack": errShape.Get("stack").Exists(),
		}
		if stack := errShape.Get("stack").String(); stack != "" {
			exception["stack"] = stack
		}
		if msg != "" {
			props["message"] = msg
		}
		return "ExceptionData", map[string]interface{}{
			"ver":           2,
			"exceptions":    []interface{}{exception},
			"severityLevel": severityLevel(e.Level),
			"properties":    props,
		}
	}

	if doc.Get("url").Exists() && doc.Get("duration").Exists() {
		status := doc.Get("statusCode").Int()
		if status == 0 {
			status = 200
		}
		return "RequestData", map[string]interface{}{
			"ver":          2,
			"id":           e.ID,
			"name":         msg,
			"url":          doc.Get("url").String(),
			"duration":     formatDuration(doc.Get("duration").Float()),
			"responseCode": fmt.Sprintf("%d", status),
			"success":      status < 400,
			"properties":   props,
		}
	}

	if doc.Get("target").Exists() && doc.Get("duration").Exists() {
		return "RemoteDependencyData", map[string]interface{}{
			"ver":        2,
			"id":         e.ID,
			"name":       msg,
			"target":     doc.Get("target").String(),
			"type":       doc.Get("dependencyType").String(),
			"duration":   formatDuration(doc.Get("duration").Float()),
			"success":    !doc.Get("failed").Bool(),
			"properties": props,
		}
	}

	if metric := doc.Get("metric"); metric.Exists() && doc.Get("value").Type == gjson.Number {
		return "MetricData", map[string]interface{}{
			"ver": 2,
			"metrics": []interface{}{map[string]interface{}{
				"name":  metric.String(),
				"value": doc.Get("value").Float(),
				"count": 1,
			}},
			"properties": props,
		}
	}

	return "MessageData", map[string]interface{}{
		"ver":           2,
		"message":       msg,
		"severityLevel": severityLevel(e.Level),
		"properties":    props,
	}
}

func collectProperties(doc gjson.Result) map[string]interface{} {
	props := make(map[string]interface{})
	doc.ForEach(func(key, value gjson.Result) bool {
		if !reservedKeys[key.String()] {
			props[key.String()] = value.String()
		}
		return true
	})
	return props
}

// formatDuration renders milliseconds in the DD.HH:MM:SS.mmm form the
// ingestion schema expects.
func formatDuration(ms float64) string {
	d := time.Duration(ms * float64(time.Millisecond))
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	h := int(d / time.Hour)
	d -= time.Duration(h) * time.Hour
	m := int(d / time.Minute)
	d -= time.Duration(m) * time.Minute
	s := int(d / time.Second)
	d -= time.Duration(s) * time.Second
	msPart := int(d / time.Millisecond)
	return fmt.Sprintf("%d.%02d:%02d:%02d.%03d", days, h, m, s, msPart)
}

func (b *trackBuilder) ClassifyResponse(resp *http.Response, batch []httpbatch.Entry) httpbatch.Outcome {
	switch {
	case resp.StatusCode == http.StatusOK:
		return httpbatch.Outcome{Status: httpbatch.OK}
	case resp.StatusCode == http.StatusPartialContent:
		// Some envelopes were rejected. Requeue only the transient ones.
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return httpbatch.Outcome{Status: httpbatch.Retriable, Err: err}
		}
		var retry []int
		gjson.GetBytes(body, "errors").ForEach(func(_, item gjson.Result) bool {
			status := int(item.Get("statusCode").Int())
			idx := int(item.Get("index").Int())
			if (status == http.StatusTooManyRequests || status >= 500) && idx < len(batch) {
				retry = append(retry, idx)
			}
			return true
		})
		return httpbatch.Outcome{Status: httpbatch.OK, Retry: retry,
			Err: fmt.Errorf("track partially rejected: %s", body)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return httpbatch.Outcome{Status: httpbatch.Retriable, Err: fmt.Errorf("track rejected: %s", resp.Status)}
	default:
		body, _ := io.ReadAll(resp.Body)
		return httpbatch.Outcome{Status: httpbatch.Fatal, Err: fmt.Errorf("track refused: %s: %s", resp.Status, body)}
	}
}
