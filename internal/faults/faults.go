// Package faults classifies upstream failures into the fixed error
// taxonomy shared by the ingestion scheduler, the recall engine, and the
// RPC surface. Layers return classified faults instead of raising raw
// provider errors across component boundaries.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is the failure category recorded on batches and trace events.
type Kind string

const (
	RateLimit      Kind = "rate_limit"
	QuotaExceeded  Kind = "quota_exceeded"
	AuthFailure    Kind = "auth_failure"
	NetworkTimeout Kind = "network_timeout"
	GraphEngine    Kind = "graph_engine_error"
	InvalidInput   Kind = "invalid_input"
	Unclassified   Kind = "unclassified"
)

// Transient reports whether work that failed with this kind should be
// released for a later tick rather than surfaced to the operator.
func (k Kind) Transient() bool {
	return k == RateLimit || k == NetworkTimeout
}

// Fault is a classified failure. It wraps the underlying error so callers
// can still errors.Is/As through it.
type Fault struct {
	Kind Kind
	Op   string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return f.Op + ": " + string(f.Kind)
	}
	return f.Op + ": " + string(f.Kind) + ": " + f.Err.Error()
}

func (f *Fault) Unwrap() error { return f.Err }

// New wraps err as a fault of an explicit kind.
func New(kind Kind, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

// Newf creates a fault with a formatted message and no wrapped cause.
func Newf(kind Kind, op, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err and attaches the operation name. A nil err stays nil;
// an existing fault in the chain keeps its kind.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: KindOf(err), Op: op, Err: err}
}

// KindOf returns the kind of the first fault in the chain, or classifies
// the raw error when none is present.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return Classify(err)
}

// IsTransient reports whether err should be retried on a later tick.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Transient()
}

// Classify maps a raw upstream error onto the taxonomy. Unknown shapes are
// unclassified, which the scheduler treats as permanent.
func Classify(err error) Kind {
	if err == nil {
		return Unclassified
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NetworkTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NetworkTimeout
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.ResourceExhausted:
			return RateLimit
		case codes.DeadlineExceeded, codes.Unavailable:
			return NetworkTimeout
		case codes.Unauthenticated, codes.PermissionDenied:
			return AuthFailure
		case codes.InvalidArgument:
			return InvalidInput
		case codes.Internal, codes.Aborted, codes.FailedPrecondition:
			return GraphEngine
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "429"):
		return RateLimit
	case containsAny(msg, "quota", "insufficient_quota", "billing", "payment required", "402"):
		return QuotaExceeded
	case containsAny(msg, "unauthorized", "forbidden", "invalid api key", "authentication failed", "401", "403"):
		return AuthFailure
	case containsAny(msg, "connection refused", "no such host", "i/o timeout", "network is unreachable", "connection reset", "broken pipe", "timeout", "503", "504"):
		return NetworkTimeout
	case containsAny(msg, "dgraph", "alpha not ready", "predicate", "nquad"):
		return GraphEngine
	}
	return Unclassified
}

// FromHTTPStatus classifies a bare HTTP status from an embedding, LLM, or
// vector-store endpoint.
func FromHTTPStatus(code int) Kind {
	switch {
	case code == 429:
		return RateLimit
	case code == 401 || code == 403:
		return AuthFailure
	case code == 402:
		return QuotaExceeded
	case code == 408 || code == 502 || code == 503 || code == 504:
		return NetworkTimeout
	case code == 400 || code == 422:
		return InvalidInput
	default:
		return Unclassified
	}
}

// Advice is the operator hint attached to RPC failure responses.
func Advice(k Kind) string {
	switch k {
	case RateLimit:
		return "provider is rate limiting; the scheduler will retry on a later tick"
	case QuotaExceeded:
		return "provider quota exhausted; check billing before resuming ingestion"
	case AuthFailure:
		return "credentials rejected; verify provider keys and the entity token"
	case NetworkTimeout:
		return "upstream unreachable or slow; will retry, check connectivity if it persists"
	case GraphEngine:
		return "graph engine rejected the operation; inspect the daemon log"
	case InvalidInput:
		return "request arguments failed validation; the item was dropped"
	default:
		return "unexpected failure; inspect the daemon log"
	}
}

var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(token|secret|password|api[_-]?key|credential)\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`[/\\][\w\-./\\]{3,}`),
}

// Sanitize renders err for a wire response with secrets and host paths
// stripped. Full errors still go to the log, never to the caller.
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeText(err.Error())
}

// SanitizeText applies the same redaction to a raw upstream response body.
func SanitizeText(msg string) string {
	for _, p := range redactPatterns {
		msg = p.ReplaceAllString(msg, "[redacted]")
	}
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return msg
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
