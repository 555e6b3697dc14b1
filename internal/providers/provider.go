package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ai_routing/internal/models"
)

// Call is one upstream invocation for a resolved (provider, model). APIKey
// holds the unsealed credential and must never be logged.
type Call struct {
	Provider   string
	Model      string
	Modality   models.Modality
	Capability models.Feature
	BaseURL    string
	APIKey     string
	Payload    map[string]any
}

// Result is a normalized upstream response
type Result struct {
	Body         json.RawMessage
	StatusCode   int
	InputTokens  int64
	OutputTokens int64
	// CostUSD is the cost the provider reported, 0 when it does not report
	// one and the caller prices the call from the catalog
	CostUSD float64
	Latency time.Duration
}

// Tokens returns input plus output tokens
func (r *Result) Tokens() int64 {
	if r == nil {
		return 0
	}
	return r.InputTokens + r.OutputTokens
}

// Client is implemented by each upstream integration. On failure Invoke
// returns an *Error and may also return a Result carrying the usage billed
// for partial work.
type Client interface {
	Invoke(ctx context.Context, call Call) (*Result, error)
}

// Verifier is implemented by clients that can check a credential with a
// cheaper call than a full invocation
type Verifier interface {
	Verify(ctx context.Context, call Call) error
}

// ClientFunc adapts a plain function to Client
type ClientFunc func(ctx context.Context, call Call) (*Result, error)

func (f ClientFunc) Invoke(ctx context.Context, call Call) (*Result, error) {
	return f(ctx, call)
}

// ErrorKind classifies an upstream failure
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindServer      ErrorKind = "server"
	KindTimeout     ErrorKind = "timeout"
	KindMalformed   ErrorKind = "malformed"
	KindClient      ErrorKind = "client"
	KindCancelled   ErrorKind = "cancelled"
	KindNetwork     ErrorKind = "network"
)

// Error is an upstream failure
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status=%d: %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf returns the kind of err. Context errors map to timeout and
// cancelled; anything unrecognised is a server error.
func KindOf(err error) ErrorKind {
	var perr *Error
	switch {
	case errors.As(err, &perr):
		return perr.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindServer
	}
}

// IsAuth reports whether err means the credential was rejected
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

// KindForStatus maps an HTTP status to an error kind
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindServer
	default:
		return KindClient
	}
}
