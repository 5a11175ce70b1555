// Package inferencetest provides a scripted inference.Client for tests.
package inferencetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"matterline/internal/inference"
)

// Reply is one scripted answer. Before runs first and may block (barriers) or
// fail the call; Delay waits on the call context. Respond, when set, computes the
// content from the request instead of Content.
type Reply struct {
	Content string
	Respond func(req inference.Request) (string, error)
	Err     error
	Delay   time.Duration
	Before  func(ctx context.Context) error
}

// Client pops scripted replies per stage. When a stage's script is exhausted the
// last reply repeats.
type Client struct {
	mu      sync.Mutex
	replies map[string][]Reply
	served  map[string]int
	calls   []inference.Request
}

func New() *Client {
	return &Client{replies: map[string][]Reply{}, served: map[string]int{}}
}

// On appends replies for stage.
func (c *Client) On(stage string, replies ...Reply) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[stage] = append(c.replies[stage], replies...)
	return c
}

func (c *Client) Complete(ctx context.Context, req inference.Request) (inference.Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	script := c.replies[req.Stage]
	if len(script) == 0 {
		c.mu.Unlock()
		return inference.Response{}, fmt.Errorf("inferencetest: no reply scripted for stage %q", req.Stage)
	}
	n := c.served[req.Stage]
	c.served[req.Stage] = n + 1
	if n >= len(script) {
		n = len(script) - 1
	}
	reply := script[n]
	c.mu.Unlock()

	if reply.Before != nil {
		if err := reply.Before(ctx); err != nil {
			return inference.Response{}, err
		}
	}
	if reply.Delay > 0 {
		timer := time.NewTimer(reply.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return inference.Response{}, ctx.Err()
		case <-timer.C:
		}
	}
	if reply.Err != nil {
		return inference.Response{}, reply.Err
	}
	content := reply.Content
	if reply.Respond != nil {
		var err error
		if content, err = reply.Respond(req); err != nil {
			return inference.Response{}, err
		}
	}
	return inference.Response{Content: content, FinishReason: "stop"}, nil
}

// Calls returns every request received so far.
func (c *Client) Calls() []inference.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]inference.Request(nil), c.calls...)
}

// CallCount returns how many requests stage received.
func (c *Client) CallCount(stage string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.served[stage]
}

// Answer builds a well-formed stage document.
func Answer(entities []map[string]any, level float64, steps ...string) string {
	if entities == nil {
		entities = []map[string]any{}
	}
	trace := make([]map[string]string, 0, len(steps))
	for i, s := range steps {
		trace = append(trace, map[string]string{"step": fmt.Sprintf("step-%d", i+1), "explanation": s})
	}
	if len(trace) == 0 {
		trace = append(trace, map[string]string{"step": "analysis", "explanation": "scripted"})
	}
	out, err := json.Marshal(map[string]any{
		"entities":          entities,
		"trace":             trace,
		"uncertainty_level": level,
	})
	if err != nil {
		panic(err)
	}
	return string(out)
}

// Pipeline scripts one valid answer for every stage. The obligation references
// the first context found in the request snapshot.
func Pipeline(c *Client) *Client {
	c.On("facts", Reply{Content: Answer([]map[string]any{
		{"label": "sender", "value": "tax office", "source": "EXPLICIT_MESSAGE"},
	}, 0.8, "the message names its sender")})
	c.On("contexts", Reply{Content: Answer([]map[string]any{
		{"type": "ADMINISTRATIVE", "certainty_level": "PROBABLE", "description": "tax assessment", "reasoning": "letterhead"},
	}, 0.6, "the sender is an administration")})
	c.On("obligations", Reply{Respond: func(req inference.Request) (string, error) {
		var view struct {
			Contexts []struct {
				ID string `json:"id"`
			} `json:"contexts"`
		}
		if err := json.Unmarshal(req.Snapshot, &view); err != nil {
			return "", err
		}
		if len(view.Contexts) == 0 {
			return Answer(nil, 0.6, "no context to derive obligations from"), nil
		}
		return Answer([]map[string]any{
			{"context_id": view.Contexts[0].ID, "mandatory": true, "description": "pay or contest", "deadline": "2024-04-30", "legal_ref": nil, "critical": true},
		}, 0.5, "an assessment must be paid or contested"), nil
	}})
	c.On("missing_elements", Reply{Content: Answer([]map[string]any{
		{"type": "document", "description": "assessment notice", "why": "amount unknown", "blocking": false},
	}, 0.4, "the notice is referenced but absent")})
	c.On("risks", Reply{Content: Answer([]map[string]any{
		{"impact": 3, "probability": 2, "description": "late payment penalty", "irreversible": false},
	}, 0.3, "deadlines apply")})
	c.On("actions", Reply{Content: Answer([]map[string]any{
		{"type": "DOCUMENT_REQUEST", "target": "CLIENT", "priority": "HIGH", "content": "send the notice", "reasoning": "needed"},
	}, 0.3, "ask the client")})
	c.On("handoff", Reply{Content: Answer(nil, 0.3, "ready for review")})
	return c
}
