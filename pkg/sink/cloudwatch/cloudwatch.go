// Package cloudwatch ships log records to CloudWatch Logs. Requests are
// signed with SigV4 and sent straight to the service API so the sink shares
// the common batch loop; the AWS SDK supplies credentials and the signer.
package cloudwatch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/user/skald"
	"github.com/user/skald/pkg/sink/httpbatch"
)

const apiTarget = "Logs_20140328."

// Config describes the destination log group and credentials. Unset fields
// fall back to the standard AWS environment variables.
type Config struct {
	Region    string
	LogGroup  string
	LogStream string
	// Static credentials. When empty the default AWS credential chain is
	// used (environment, shared config, instance role).
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// Endpoint overrides the service URL, mainly for tests.
	Endpoint string

	Batch httpbatch.Config
}

// Sink delivers records through PutLogEvents.
type Sink struct {
	*httpbatch.Sink
}

// New resolves credentials, generates a stream name if none is configured,
// and starts the batch loop. The log group and stream are created lazily on
// the first delivery.
func New(ctx context.Context, cfg Config, formatter skald.Formatter, opts ...httpbatch.Option) (*Sink, error) {
	if cfg.Region == "" {
		cfg.Region = os.Getenv("AWS_REGION")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("cloudwatch: no region configured and AWS_REGION is unset")
	}
	if cfg.LogGroup == "" {
		cfg.LogGroup = os.Getenv("CLOUDWATCH_LOG_GROUP")
	}
	if cfg.LogGroup == "" {
		return nil, fmt.Errorf("cloudwatch: no log group configured")
	}
	if cfg.LogStream == "" {
		cfg.LogStream = defaultStreamName()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = fmt.Sprintf("https://logs.%s.amazonaws.com/", cfg.Region)
	}

	creds, err := resolveCredentials(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("cloudwatch: failed to resolve credentials: %w", err)
	}

	cfg.Batch.Name = "cloudwatch"
	builder := &putBuilder{
		endpoint: cfg.Endpoint,
		region:   cfg.Region,
		group:    cfg.LogGroup,
		stream:   cfg.LogStream,
		creds:    creds,
		signer:   v4.NewSigner(),
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
	return &Sink{Sink: httpbatch.New(cfg.Batch, builder, formatter, opts...)}, nil
}

func resolveCredentials(ctx context.Context, cfg Config) (aws.CredentialsProvider, error) {
	if cfg.AccessKeyID != "" {
		return credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, err
	}
	return awsCfg.Credentials, nil
}

// defaultStreamName builds "{hostname}-{yyyy-mm-dd}-{hex}" so concurrent
// processes on one host never collide on sequence tokens.
func defaultStreamName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	id := uuid.New()
	return fmt.Sprintf("%s-%s-%s", host, time.Now().UTC().Format("2006-01-02"), hex.EncodeToString(id[:4]))
}

// putBuilder signs and frames PutLogEvents calls, threading the sequence
// token across requests.
type putBuilder struct {
	endpoint string
	region   string
	group    string
	stream   string
	creds    aws.CredentialsProvider
	signer   *v4.Signer
	client   *http.Client // control-plane calls only
	now      func() time.Time

	mu          sync.Mutex
	seqToken    string
	initialized bool
}

type logEvent struct {
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

type putLogEventsInput struct {
	LogGroupName  string     `json:"logGroupName"`
	LogStreamName string     `json:"logStreamName"`
	LogEvents     []logEvent `json:"logEvents"`
	SequenceToken string     `json:"sequenceToken,omitempty"`
}

func (b *putBuilder) BuildRequest(ctx context.Context, batch []httpbatch.Entry) (*http.Request, error) {
	if err := b.ensureStream(ctx); err != nil {
		return nil, err
	}

	// PutLogEvents requires events in ascending timestamp order even when
	// producers raced on enqueue.
	events := make([]logEvent, len(batch))
	for i, e := range batch {
		events[i] = logEvent{Timestamp: e.Time, Message: string(e.Body)}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })

	b.mu.Lock()
	token := b.seqToken
	b.mu.Unlock()

	payload, err := json.Marshal(putLogEventsInput{
		LogGroupName:  b.group,
		LogStreamName: b.stream,
		LogEvents:     events,
		SequenceToken: token,
	})
	if err != nil {
		return nil, err
	}
	return b.signedRequest(ctx, "PutLogEvents", payload)
}

// ensureStream creates the log group and stream once per process. An
// already-exists response counts as success.
func (b *putBuilder) ensureStream(ctx context.Context) error {
	b.mu.Lock()
	done := b.initialized
	b.mu.Unlock()
	if done {
		return nil
	}

	group, _ := json.Marshal(map[string]string{"logGroupName": b.group})
	if err := b.controlCall(ctx, "CreateLogGroup", group); err != nil {
		return err
	}
	stream, _ := json.Marshal(map[string]string{
		"logGroupName":  b.group,
		"logStreamName": b.stream,
	})
	if err := b.controlCall(ctx, "CreateLogStream", stream); err != nil {
		return err
	}

	b.mu.Lock()
	b.initialized = true
	b.mu.Unlock()
	return nil
}

func (b *putBuilder) controlCall(ctx context.Context, action string, payload []byte) error {
	req, err := b.signedRequest(ctx, action, payload)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s failed: %w", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(gjson.GetBytes(body, "__type").String(), "ResourceAlreadyExistsException") {
		return nil
	}
	return fmt.Errorf("%s rejected: %s: %s", action, resp.Status, body)
}

func (b *putBuilder) signedRequest(ctx context.Context, action string, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.1")
	req.Header.Set("X-Amz-Target", apiTarget+action)

	creds, err := b.creds.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve credentials: %w", err)
	}
	sum := sha256.Sum256(payload)
	if err := b.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), "logs", b.region, b.now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}
	return req, nil
}

func (b *putBuilder) ClassifyResponse(resp *http.Response, batch []httpbatch.Entry) httpbatch.Outcome {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return httpbatch.Outcome{Status: httpbatch.Retriable, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode == http.StatusOK {
		if next := gjson.GetBytes(body, "nextSequenceToken").String(); next != "" {
			b.mu.Lock()
			b.seqToken = next
			b.mu.Unlock()
		}
		return httpbatch.Outcome{Status: httpbatch.OK}
	}

	errType := gjson.GetBytes(body, "__type").String()
	switch {
	case strings.Contains(errType, "InvalidSequenceTokenException"):
		// Another writer advanced the stream. Adopt the expected token and
		// let the retry resend the same batch with it.
		if expected := gjson.GetBytes(body, "expectedSequenceToken").String(); expected != "" {
			b.mu.Lock()
			b.seqToken = expected
			b.mu.Unlock()
		}
		return httpbatch.Outcome{Status: httpbatch.Retriable, Err: fmt.Errorf("sequence token out of date")}
	case strings.Contains(errType, "DataAlreadyAcceptedException"):
		// The batch landed on a previous attempt that timed out.
		if expected := gjson.GetBytes(body, "expectedSequenceToken").String(); expected != "" {
			b.mu.Lock()
			b.seqToken = expected
			b.mu.Unlock()
		}
		return httpbatch.Outcome{Status: httpbatch.OK}
	case strings.Contains(errType, "ResourceNotFoundException"):
		// Group or stream vanished; recreate on the next attempt.
		b.mu.Lock()
		b.initialized = false
		b.seqToken = ""
		b.mu.Unlock()
		return httpbatch.Outcome{Status: httpbatch.Retriable, Err: fmt.Errorf("log stream missing")}
	case strings.Contains(errType, "ThrottlingException") ||
		resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return httpbatch.Outcome{Status: httpbatch.Retriable, Err: fmt.Errorf("put rejected: %s: %s", resp.Status, errType)}
	default:
		return httpbatch.Outcome{Status: httpbatch.Fatal, Err: fmt.Errorf("put refused: %s: %s", resp.Status, body)}
	}
}
