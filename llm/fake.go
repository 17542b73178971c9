package llm

import (
	"context"
	"sync"
)

// FakeClient is a scripted Client for tests: each call to Generate pops the
// next queued response (or error) in order, mirroring the teacher's
// dual-implementation (production adapter + in-memory test double) pattern
// used throughout its store and state interfaces.
type FakeClient struct {
	mu        sync.Mutex
	Responses []FakeResponse
	calls     int
	Requests  []Request
}

// FakeResponse is one scripted turn.
type FakeResponse struct {
	Response *Response
	Err      error
}

func (f *FakeClient) Generate(ctx context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Requests = append(f.Requests, req)

	if f.calls >= len(f.Responses) {
		return &Response{Content: "{}", Model: req.Model}, nil
	}
	r := f.Responses[f.calls]
	f.calls++
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Response, nil
}

// CallCount reports how many times Generate has been invoked.
func (f *FakeClient) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var _ Client = (*FakeClient)(nil)
