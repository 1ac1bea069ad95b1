// Package agent defines the capability interface the reasoning agent
// collaborator implements and the discrete step variants it yields.
//
// The gateway never inspects agent internals: everything it learns about a
// run arrives as a sequence of Step values on a bounded channel. The channel
// decouples the agent's blocking behavior (model calls, tool execution,
// waits measured in seconds to minutes) from the consumer's cooperative
// scheduling; the producing agent blocks when the consumer falls behind.
package agent

import (
	"context"
	"time"
)

type (
	// Agent is the sequential run interface the gateway consumes. An agent
	// produces one run at a time per instance; the owning session enforces
	// single-flight on top of this contract.
	Agent interface {
		// SupportsStreaming reports whether Run can interleave token-level
		// Delta steps with the discrete step variants. Agents that return
		// false yield complete steps only.
		SupportsStreaming() bool

		// Run executes one query and returns a channel yielding the run's
		// steps in production order. The channel is closed when the run
		// finishes; a run that fails terminally yields a Failure step as
		// its last element before closing. Run returns an error only when
		// the run cannot start at all.
		//
		// Canceling ctx asks the agent to stop; agents without cooperative
		// cancellation may run to completion in the background, but must
		// still close the channel.
		Run(ctx context.Context, query string, opts RunOptions) (<-chan Step, error)
	}

	// Stopper is an optional idempotent cancellation hook. Agents that can
	// cooperatively abort an in-flight run implement it in addition to
	// Agent; callers type-assert.
	Stopper interface {
		// Stop asks the agent to abort the current run. Safe to call when
		// no run is active and safe to call more than once.
		Stop(ctx context.Context) error
	}

	// RunOptions tunes one Run invocation.
	RunOptions struct {
		// Stream requests token-level Delta steps. Ignored by agents whose
		// SupportsStreaming is false.
		Stream bool
		// Reset asks the agent to discard accumulated conversation memory
		// before starting the run.
		Reset bool
	}

	// Step is one unit of agent progress. Concrete variants: TaskStart,
	// PlanningStart, Planning, Action, FinalAnswer, Delta, Failure.
	Step interface {
		isStep()
	}

	// TaskStart announces that the agent accepted a new task. It produces no
	// client-visible output; the translator uses it to reset step numbering.
	TaskStart struct {
		// Task is the task text as the agent recorded it.
		Task string
	}

	// PlanningStart announces that a planning phase began. In streamed runs
	// it precedes the planning deltas, letting the pipeline establish the
	// plan's stream identity before the first token arrives. Agents that do
	// not stream may omit it.
	PlanningStart struct{}

	// Planning carries a completed planning step. In streamed runs it
	// arrives after the plan's deltas and carries the full plan text.
	Planning struct {
		// Plan is the complete plan text.
		Plan string
		// Timing records the wall-clock duration of the planning step.
		Timing Timing
		// Usage reports token consumption when the agent tracks it.
		Usage *TokenUsage
	}

	// Action carries a completed action step: the agent's reasoning, the
	// tool calls it issued, and what came back.
	Action struct {
		// Number is the step's own ordinal, starting at 1 within a task.
		Number int
		// Thought is the agent's reasoning text. May contain model control
		// markers; the translator normalizes them before display.
		Thought string
		// ToolCalls lists the tool invocations the step issued.
		ToolCalls []ToolCall
		// Observation is the text the tools returned.
		Observation string
		// Images lists images the tools returned.
		Images []Image
		// Error is the step's failure message, empty on success. A failed
		// step does not end the run; the agent decides whether to retry.
		Error string
		// Timing records the wall-clock duration of the step.
		Timing Timing
		// Usage reports token consumption when the agent tracks it.
		Usage *TokenUsage
	}

	// FinalAnswer carries the run's terminal answer. Exactly one modality
	// field is populated.
	FinalAnswer struct {
		// Text is the answer for text modality.
		Text string
		// ImageURL references the answer for image modality.
		ImageURL string
		// AudioURL references the answer for audio modality.
		AudioURL string
	}

	// Delta is a token-level fragment of the current in-progress step's
	// output, produced before that step completes.
	Delta struct {
		// Text is the fragment, not the accumulated output.
		Text string
	}

	// Failure reports an unrecoverable run error. When yielded it is the
	// channel's last element.
	Failure struct {
		// Err is the terminal run error.
		Err error
	}

	// ToolCall is one tool invocation issued by an action step.
	ToolCall struct {
		// Name identifies the tool.
		Name string
		// Arguments carries the call arguments as the agent issued them.
		Arguments map[string]any
	}

	// Image references an image produced by a step.
	Image struct {
		// URL locates the image (data URI or fetchable reference).
		URL string
	}

	// Timing records wall-clock duration for a step.
	Timing struct {
		Duration time.Duration
	}

	// TokenUsage reports model token consumption for a step.
	TokenUsage struct {
		Input  int
		Output int
	}
)

func (TaskStart) isStep()     {}
func (PlanningStart) isStep() {}
func (Planning) isStep()      {}
func (Action) isStep()        {}
func (FinalAnswer) isStep()   {}
func (Delta) isStep()         {}
func (Failure) isStep()       {}
