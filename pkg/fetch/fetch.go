// Package fetch executes single graph requests and returns normalized
// payloads. Adapters do not retry; retrying is the caller's decision.
package fetch

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/feedcache/pkg/graph"
)

var (
	// ErrNetwork marks transport failures (connection refused, timeouts, open breaker).
	ErrNetwork = errors.New("network error")
	// ErrProtocol marks responses that arrived but cannot be used.
	ErrProtocol = errors.New("protocol error")
)

// Request is a query descriptor plus its variables.
type Request struct {
	Name      string         `json:"operationName,omitempty"`
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// WithVariables returns a copy of r with vars merged over its variables.
func (r Request) WithVariables(vars map[string]any) Request {
	merged := make(map[string]any, len(r.Variables)+len(vars))
	for k, v := range r.Variables {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}
	r.Variables = merged
	return r
}

// Fetcher executes one request.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*graph.Payload, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req Request) (*graph.Payload, error)

func (f FetcherFunc) Fetch(ctx context.Context, req Request) (*graph.Payload, error) {
	return f(ctx, req)
}

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool { return errors.Is(err, ErrNetwork) }

// IsProtocol reports whether err is a protocol failure.
func IsProtocol(err error) bool { return errors.Is(err, ErrProtocol) }

type wrapped struct {
	kind  error
	cause error
	msg   string
}

func (w *wrapped) Error() string {
	if w.cause == nil {
		return w.kind.Error() + ": " + w.msg
	}
	return w.kind.Error() + ": " + w.msg + ": " + w.cause.Error()
}

func (w *wrapped) Is(target error) bool { return target == w.kind }

func (w *wrapped) Unwrap() error { return w.cause }

func networkError(cause error, msg string) error {
	return errors.WithStack(&wrapped{kind: ErrNetwork, cause: cause, msg: msg})
}

func protocolError(cause error, msg string) error {
	return errors.WithStack(&wrapped{kind: ErrProtocol, cause: cause, msg: msg})
}
