package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedGateway replays canned responses in order and records every
// request. When the script runs out the last step repeats. Used by tests and
// offline demos.
type ScriptedGateway struct {
	mu       sync.Mutex
	steps    []ScriptStep
	Requests []*Request
}

// ScriptStep is one canned reply. A non-nil Err is returned instead of Response.
type ScriptStep struct {
	Response *Response
	Err      error
}

func NewScriptedGateway(steps ...ScriptStep) *ScriptedGateway {
	return &ScriptedGateway{steps: steps}
}

func (g *ScriptedGateway) Complete(ctx context.Context, req *Request) (*Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	cp := *req
	cp.Messages = append([]Message(nil), req.Messages...)
	g.Requests = append(g.Requests, &cp)

	if len(g.steps) == 0 {
		return &Response{}, nil
	}
	idx := len(g.Requests) - 1
	if idx >= len(g.steps) {
		idx = len(g.steps) - 1
	}
	step := g.steps[idx]
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	return &resp, nil
}

// Calls returns how many requests the gateway has received.
func (g *ScriptedGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Requests)
}
