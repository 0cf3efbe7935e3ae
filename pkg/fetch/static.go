package fetch

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-go-golems/feedcache/pkg/graph"
)

// StaticResponse is one canned answer. A non-nil Wait channel holds the call
// until it is closed or the context ends.
type StaticResponse struct {
	Payload *graph.Payload
	Err     error
	Wait    <-chan struct{}
}

// StaticFetcher replays canned responses per operation name, in order. The
// last response of an operation is repeated once the queue is exhausted.
type StaticFetcher struct {
	mu        sync.Mutex
	responses map[string][]StaticResponse
	last      map[string]StaticResponse
	calls     []Request
}

func NewStaticFetcher() *StaticFetcher {
	return &StaticFetcher{responses: map[string][]StaticResponse{}, last: map[string]StaticResponse{}}
}

func (s *StaticFetcher) Add(name string, resp StaticResponse) *StaticFetcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[name] = append(s.responses[name], resp)
	return s
}

func (s *StaticFetcher) Fetch(ctx context.Context, req Request) (*graph.Payload, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	var resp StaticResponse
	if queue := s.responses[req.Name]; len(queue) > 0 {
		resp = queue[0]
		s.responses[req.Name] = queue[1:]
		s.last[req.Name] = resp
	} else if last, ok := s.last[req.Name]; ok {
		resp = last
	} else {
		s.mu.Unlock()
		return nil, protocolError(nil, fmt.Sprintf("no static response for %q", req.Name))
	}
	s.mu.Unlock()

	if resp.Wait != nil {
		select {
		case <-resp.Wait:
		case <-ctx.Done():
			return nil, networkError(ctx.Err(), req.Name)
		}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Payload, nil
}

// Calls returns the requests received so far.
func (s *StaticFetcher) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}
