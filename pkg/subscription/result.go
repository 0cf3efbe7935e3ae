package subscription

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/feedcache/pkg/graph"
)

// ExecutionResult is the GraphQL result carried by one push event.
type ExecutionResult struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

// DecodeResult parses a `{data, errors}` document into a normalized payload.
func DecodeResult(raw []byte) (*graph.Payload, error) {
	var res ExecutionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrap(err, "subscription: decode result")
	}
	if len(res.Errors) > 0 {
		msgs := make([]string, 0, len(res.Errors))
		for _, e := range res.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, errors.Errorf("subscription: result errors: %s", strings.Join(msgs, "; "))
	}
	return graph.Normalize(res.Data)
}

// EncodeResult wraps data into a `{data}` document.
func EncodeResult(data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "subscription: encode data")
	}
	return json.Marshal(ExecutionResult{Data: raw})
}
