package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ZanzyTHEbar/essayflow"
	"github.com/ZanzyTHEbar/essayflow/internal/tools"
)

// Reply is one scripted backend answer.
type Reply struct {
	Raw []byte
	Err error
}

// JSON scripts v as the raw reply.
func JSON(v any) Reply {
	data, err := json.Marshal(v)
	if err != nil {
		return Reply{Err: err}
	}
	return Reply{Raw: data}
}

// Fail scripts an error reply.
func Fail(err error) Reply { return Reply{Err: err} }

// Stub is an offline backend. Scripted replies are consumed per tool and the
// last one repeats; unscripted tools answer with their sample output.
type Stub struct {
	mu       sync.Mutex
	scripts  map[string][]Reply
	calls    map[string]int
	requests []essayflow.BackendRequest
}

var _ essayflow.Backend = (*Stub)(nil)

// NewStub creates a stub with no scripted replies.
func NewStub() *Stub {
	return &Stub{
		scripts: make(map[string][]Reply),
		calls:   make(map[string]int),
	}
}

// Script replaces the replies for tool.
func (s *Stub) Script(tool string, replies ...Reply) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[tool] = replies
	return s
}

// Call answers with the next scripted reply for req.Tool, or with the
// tool's sample output when nothing is scripted.
func (s *Stub) Call(ctx context.Context, req essayflow.BackendRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	n := s.calls[req.Tool]
	s.calls[req.Tool] = n + 1
	s.requests = append(s.requests, req)
	script := s.scripts[req.Tool]
	s.mu.Unlock()

	if len(script) > 0 {
		if n >= len(script) {
			n = len(script) - 1
		}
		r := script[n]
		return r.Raw, r.Err
	}

	out, ok := tools.SampleOutput(req.Tool)
	if !ok {
		return nil, fmt.Errorf("stub: %w: no reply for tool %q", essayflow.ErrBackendRejected, req.Tool)
	}
	return json.Marshal(out)
}

// Calls reports how many times tool was called.
func (s *Stub) Calls(tool string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[tool]
}

// Total reports the number of calls across all tools.
func (s *Stub) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns a copy of every request received, in arrival order.
func (s *Stub) Requests() []essayflow.BackendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]essayflow.BackendRequest(nil), s.requests...)
}
