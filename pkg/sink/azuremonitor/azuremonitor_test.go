package azuremonitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/user/skald"
	"github.com/user/skald/pkg/compression"
	"github.com/user/skald/pkg/sink/httpbatch"
)

func TestParseConnectionString(t *testing.T) {
	ikey, ep, err := ParseConnectionString(
		"InstrumentationKey=ab-12;IngestionEndpoint=https://westeurope.in.applicationinsights.azure.com/")
	if err != nil {
		t.Fatal(err)
	}
	if ikey != "ab-12" || ep != "https://westeurope.in.applicationinsights.azure.com/" {
		t.Errorf("unexpected parse: %s %s", ikey, ep)
	}

	ikey, ep, err = ParseConnectionString("InstrumentationKey=key-only")
	if err != nil || ikey != "key-only" || ep != defaultIngestionEndpoint {
		t.Errorf("expected default endpoint, got %s %s %v", ikey, ep, err)
	}

	if _, _, err := ParseConnectionString("IngestionEndpoint=https://x/"); err == nil {
		t.Error("missing instrumentation key must be rejected")
	}
}

func entryWith(level skald.Level, body string) httpbatch.Entry {
	return httpbatch.Entry{
		Time:  time.Date(2026, 8, 26, 9, 0, 0, 500_000_000, time.UTC).UnixMilli(),
		Level: level,
		Body:  []byte(body),
		ID:    "r1",
	}
}

func decodeEnvelopes(t *testing.T, req *http.Request) []envelope {
	t.Helper()
	if req.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("payload must be gzipped, got %q", req.Header.Get("Content-Encoding"))
	}
	raw, _ := io.ReadAll(req.Body)
	gz, _ := compression.NewCompressor(compression.Gzip)
	plain, err := gz.Decompress(raw)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}

	var envs []envelope
	sc := bufio.NewScanner(bytes.NewReader(plain))
	for sc.Scan() {
		var env envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			t.Fatalf("bad envelope line %q: %v", sc.Text(), err)
		}
		envs = append(envs, env)
	}
	return envs
}

func TestBuildRequestEnvelopes(t *testing.T) {
	b := &trackBuilder{endpoint: "https://dc.example.com/v2/track", ikey: "ab-12", role: "host-1"}
	req, err := b.BuildRequest(context.Background(), []httpbatch.Entry{
		entryWith(skald.LevelInfo, `{"msg":"hello","user":"u1"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	envs := decodeEnvelopes(t, req)
	if len(envs) != 1 {
		t.Fatalf("expected one envelope, got %d", len(envs))
	}

	env := envs[0]
	if env.Ver != 1 || env.IKey != "ab-12" || env.SampleRate != 100 {
		t.Errorf("unexpected envelope header: %+v", env)
	}
	if env.Name != "Microsoft.ApplicationInsights.ab12.Message" {
		t.Errorf("unexpected envelope name: %s", env.Name)
	}
	if env.Time != "2026-08-26T09:00:00.500Z" {
		t.Errorf("unexpected time: %s", env.Time)
	}
	if env.Tags["ai.cloud.roleInstance"] != "host-1" {
		t.Errorf("missing role tag: %v", env.Tags)
	}
	if env.Data.BaseType != "MessageData" {
		t.Errorf("unexpected base type: %s", env.Data.BaseType)
	}
	if env.Data.BaseData["message"] != "hello" {
		t.Errorf("unexpected base data: %v", env.Data.BaseData)
	}
	props := env.Data.BaseData["properties"].(map[string]interface{})
	if props["user"] != "u1" {
		t.Errorf("custom fields must land in properties: %v", props)
	}
}

func TestTelemetryInference(t *testing.T) {
	cases := []struct {
		name  string
		level skald.Level
		body  string
		want  string
	}{
		{"plain message", skald.LevelInfo, `{"msg":"hi"}`, "MessageData"},
		{"exception", skald.LevelError, `{"msg":"boom","err":{"type":"Error","message":"bad","stack":"at x"}}`, "ExceptionData"},
		{"request", skald.LevelInfo, `{"msg":"GET /","url":"/api","duration":12.5,"statusCode":200}`, "RequestData"},
		{"dependency", skald.LevelInfo, `{"msg":"query","target":"db01","duration":3.2}`, "RemoteDependencyData"},
		{"metric", skald.LevelInfo, `{"metric":"queue_depth","value":42}`, "MetricData"},
		{"value without name stays a message", skald.LevelInfo, `{"msg":"x","value":1}`, "MessageData"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			baseType, baseData := inferTelemetry(entryWith(tc.level, tc.body))
			if baseType != tc.want {
				t.Fatalf("inferred %s, want %s", baseType, tc.want)
			}
			if baseData["ver"] != 2 {
				t.Errorf("base data must carry ver 2: %v", baseData)
			}
		})
	}
}

func TestExceptionEnvelope(t *testing.T) {
	_, baseData := inferTelemetry(entryWith(skald.LevelFatal,
		`{"msg":"down","err":{"type":"ConnError","message":"refused","stack":"at dial"}}`))
	if baseData["severityLevel"] != 4 {
		t.Errorf("fatal must map to severity 4, got %v", baseData["severityLevel"])
	}
	ex := baseData["exceptions"].([]interface{})[0].(map[string]interface{})
	if ex["typeName"] != "ConnError" || ex["message"] != "refused" || ex["hasFullStack"] != true {
		t.Errorf("unexpected exception detail: %v", ex)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := map[float64]string{
		0:        "0.00:00:00.000",
		123:      "0.00:00:00.123",
		61_500:   "0.00:01:01.500",
		3_600_00: "0.00:06:00.000",
	}
	for ms, want := range cases {
		if got := formatDuration(ms); got != want {
			t.Errorf("formatDuration(%v) = %s, want %s", ms, got, want)
		}
	}
	if got := formatDuration(26*3600*1000 + 1500); got != "1.02:00:01.500" {
		t.Errorf("day rollover wrong: %s", got)
	}
}

func TestClassifyPartialContent(t *testing.T) {
	b := &trackBuilder{}
	body := `{"itemsReceived":3,"itemsAccepted":1,"errors":[
		{"index":1,"statusCode":429,"message":"throttled"},
		{"index":2,"statusCode":400,"message":"invalid"}
	]}`
	resp := &http.Response{
		StatusCode: http.StatusPartialContent,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
	out := b.ClassifyResponse(resp, make([]httpbatch.Entry, 3))
	if out.Status != httpbatch.OK {
		t.Fatalf("partial acceptance still counts as accepted: %+v", out)
	}
	if len(out.Retry) != 1 || out.Retry[0] != 1 {
		t.Errorf("only throttled envelopes may be requeued, got %v", out.Retry)
	}
}

func TestClassifyStatuses(t *testing.T) {
	b := &trackBuilder{}
	mk := func(code int) *http.Response {
		return &http.Response{StatusCode: code, Status: http.StatusText(code), Body: io.NopCloser(strings.NewReader(""))}
	}
	if out := b.ClassifyResponse(mk(500), nil); out.Status != httpbatch.Retriable {
		t.Errorf("500 must be retriable: %+v", out)
	}
	if out := b.ClassifyResponse(mk(429), nil); out.Status != httpbatch.Retriable {
		t.Errorf("429 must be retriable: %+v", out)
	}
	if out := b.ClassifyResponse(mk(400), nil); out.Status != httpbatch.Fatal {
		t.Errorf("400 must be fatal: %+v", out)
	}
}
