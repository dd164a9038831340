package engine

import (
	"context"

	"github.com/user/skald"
)

type baggageKey struct{}

// baggage is the request-scoped identity merged into records logged with
// the Ctx variants.
type baggage struct {
	traceID   string
	spanID    string
	requestID string
	userID    string
}

func baggageFrom(ctx context.Context) baggage {
	if ctx == nil {
		return baggage{}
	}
	b, _ := ctx.Value(baggageKey{}).(baggage)
	return b
}

// WithTrace attaches trace and span ids to the context.
func WithTrace(ctx context.Context, traceID, spanID string) context.Context {
	b := baggageFrom(ctx)
	b.traceID, b.spanID = traceID, spanID
	return context.WithValue(ctx, baggageKey{}, b)
}

// WithRequestID attaches a request id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	b := baggageFrom(ctx)
	b.requestID = requestID
	return context.WithValue(ctx, baggageKey{}, b)
}

// WithUserID attaches a user id to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	b := baggageFrom(ctx)
	b.userID = userID
	return context.WithValue(ctx, baggageKey{}, b)
}

// mergeBaggage copies non-empty baggage into record metadata.
func mergeBaggage(meta skald.Metadata, b baggage) skald.Metadata {
	if b.traceID != "" {
		meta.TraceID = b.traceID
	}
	if b.spanID != "" {
		meta.SpanID = b.spanID
	}
	if b.requestID != "" {
		meta.RequestID = b.requestID
	}
	if b.userID != "" {
		meta.UserID = b.userID
	}
	return meta
}
