package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/feedcache/pkg/graph"
)

const graphqlAccept = "application/graphql-response+json; charset=utf-8, application/json; charset=utf-8"

// GraphQLError is one entry of a response's `errors` list.
type GraphQLError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors"`
}

// HTTPFetcher POSTs GraphQL requests to a single endpoint.
type HTTPFetcher struct {
	endpoint string
	client   *http.Client
	headers  http.Header
}

type HTTPOption func(*HTTPFetcher)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(f *HTTPFetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithHeader adds a header to every request (e.g. Authorization).
func WithHeader(key, value string) HTTPOption {
	return func(f *HTTPFetcher) { f.headers.Add(key, value) }
}

func NewHTTPFetcher(endpoint string, opts ...HTTPOption) (*HTTPFetcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("http fetcher: endpoint is empty")
	}
	f := &HTTPFetcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		headers:  http.Header{},
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*graph.Payload, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "http fetcher: encode request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "http fetcher: build request")
	}
	httpReq.Header.Set("Accept", graphqlAccept)
	httpReq.Header.Set("Content-Type", "application/json")
	for k, vs := range f.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, networkError(err, req.Name)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, protocolError(nil, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	var decoded response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, protocolError(err, "decode response")
	}
	if len(decoded.Errors) > 0 {
		msgs := make([]string, 0, len(decoded.Errors))
		for _, e := range decoded.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, protocolError(nil, strings.Join(msgs, "; "))
	}

	payload, err := graph.Normalize(decoded.Data)
	if err != nil {
		return nil, protocolError(err, "normalize")
	}
	log.Debug().
		Str("component", "fetch").
		Str("operation", req.Name).
		Int("entities", len(payload.Entities)).
		Int("connections", len(payload.Connections)).
		Msg("fetched payload")
	return payload, nil
}
