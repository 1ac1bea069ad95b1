// Package agenttest provides scripted Agent implementations for tests and
// local development. A Scripted agent replays a fixed step sequence, which
// makes translator, session, and transport behavior fully deterministic.
package agenttest

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/stepcast/stepcast/agent"
)

// Scripted is an Agent that yields a predefined step sequence for every run.
// It honors cooperative cancellation through both the run context and Stop.
type Scripted struct {
	// Steps is the sequence each run replays, in order. Delta elements are
	// only yielded when the run requests streaming.
	Steps []agent.Step
	// Streaming controls the SupportsStreaming capability.
	Streaming bool
	// Buffer sizes the step channel. Zero means unbuffered.
	Buffer int

	stopped atomic.Bool
}

var _ agent.Agent = (*Scripted)(nil)
var _ agent.Stopper = (*Scripted)(nil)

// SupportsStreaming implements agent.Agent.
func (a *Scripted) SupportsStreaming() bool { return a.Streaming }

// Run implements agent.Agent. It replays the script on a goroutine, skipping
// Delta steps when streaming was not requested, and stops early when ctx is
// canceled or Stop is called.
func (a *Scripted) Run(ctx context.Context, query string, opts agent.RunOptions) (<-chan agent.Step, error) {
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	a.stopped.Store(false)
	ch := make(chan agent.Step, a.Buffer)
	go func() {
		defer close(ch)
		for _, step := range a.Steps {
			if _, ok := step.(agent.Delta); ok && !(opts.Stream && a.Streaming) {
				continue
			}
			if a.stopped.Load() {
				return
			}
			select {
			case ch <- step:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Stop implements agent.Stopper. Idempotent.
func (a *Scripted) Stop(context.Context) error {
	a.stopped.Store(true)
	return nil
}

// Echo is an Agent that scripts each run from the query itself: it plans,
// runs one code action echoing the query, and answers with the query text.
// It backs the demo binary the way a stub planner backs an example service.
type Echo struct{}

var _ agent.Agent = Echo{}

// SupportsStreaming implements agent.Agent.
func (Echo) SupportsStreaming() bool { return true }

// Run implements agent.Agent.
func (Echo) Run(ctx context.Context, query string, opts agent.RunOptions) (<-chan agent.Step, error) {
	s := &Scripted{Steps: EchoScript(query), Streaming: true, Buffer: 16}
	return s.Run(ctx, query, opts)
}

// EchoScript returns a minimal single-step script that plans, runs one code
// action, and answers with the query text echoed back. Useful as a demo
// agent behind the gateway when no real agent is wired.
func EchoScript(query string) []agent.Step {
	return []agent.Step{
		agent.TaskStart{Task: query},
		agent.PlanningStart{},
		agent.Delta{Text: "Echo the "},
		agent.Delta{Text: "input back."},
		agent.Planning{Plan: "Echo the input back."},
		agent.Action{
			Number:  1,
			Thought: "I will print the input.",
			ToolCalls: []agent.ToolCall{{
				Name:      "python_interpreter",
				Arguments: map[string]any{"code": fmt.Sprintf("print(%q)", query)},
			}},
			Observation: "Execution logs:\n" + query,
		},
		agent.FinalAnswer{Text: query},
	}
}
