// Package inference talks to the natural-language collaborator that proposes each
// stage's entities, and validates what comes back.
package inference

import (
	"context"
	"encoding/json"
	"strings"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one stage call: fixed preamble, stage directive, and the serialized
// workspace. Corrections carries the problems found in the previous attempt.
type Request struct {
	Stage       string
	Preamble    string
	Directive   string
	Snapshot    json.RawMessage
	Corrections []string
}

// Messages renders the request as a chat transcript.
func (r Request) Messages() []Message {
	var user strings.Builder
	user.WriteString(r.Directive)
	user.WriteString("\n\nWorkspace:\n")
	user.Write(r.Snapshot)
	msgs := []Message{
		{Role: "system", Content: r.Preamble},
		{Role: "user", Content: user.String()},
	}
	if len(r.Corrections) > 0 {
		msgs = append(msgs, Message{Role: "user", Content: CorrectiveDirective(r.Corrections)})
	}
	return msgs
}

type Response struct {
	Content      string
	FinishReason string
}

type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (Response, error)

func (f ClientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
