package perceptiontest

import (
	"context"
	"fmt"
	"sync"

	"alphagate/internal/perception"
)

// Step is one scripted reply.
type Step struct {
	Text  string
	Err   error
	Usage perception.Usage
}

// Client is a perception.Client that replays canned replies keyed by
// Request.Operation. Each call consumes the next step; the last step repeats
// once the script runs out.
type Client struct {
	mu    sync.Mutex
	steps map[string][]Step
	pos   map[string]int
	calls []perception.Request
}

var _ perception.Client = (*Client)(nil)

// NewClient creates an empty script.
func NewClient() *Client {
	return &Client{
		steps: make(map[string][]Step),
		pos:   make(map[string]int),
	}
}

// On appends steps for operation. The empty operation matches any request
// without a script of its own.
func (s *Client) On(operation string, steps ...Step) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[operation] = append(s.steps[operation], steps...)
	return s
}

// Reply is shorthand for On(operation, Step{Text: text}).
func (s *Client) Reply(operation, text string) *Client {
	return s.On(operation, Step{Text: text})
}

// Generate returns the next scripted step for req.Operation.
func (s *Client) Generate(ctx context.Context, req perception.Request) (perception.Result, error) {
	if err := ctx.Err(); err != nil {
		return perception.Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, req)

	key := req.Operation
	steps, ok := s.steps[key]
	if !ok {
		key = ""
		steps, ok = s.steps[key]
	}
	if !ok || len(steps) == 0 {
		return perception.Result{}, fmt.Errorf("no scripted reply for operation %q", req.Operation)
	}

	i := s.pos[key]
	if i >= len(steps) {
		i = len(steps) - 1
	}
	s.pos[key] = i + 1

	step := steps[i]
	if step.Err != nil {
		return perception.Result{}, step.Err
	}
	return perception.Result{Text: step.Text, Model: req.Model, Usage: step.Usage}, nil
}

// Calls returns a copy of every request seen so far.
func (s *Client) Calls() []perception.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]perception.Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many requests carried operation.
func (s *Client) CallCount(operation string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Operation == operation {
			n++
		}
	}
	return n
}
