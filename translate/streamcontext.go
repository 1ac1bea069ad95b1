package translate

import (
	"context"
	"fmt"
	"strings"

	"goa.design/clue/log"

	"github.com/stepcast/stepcast/stream"
)

// StreamContext is the streaming-delta identity state machine. It has two
// states: none (no active streaming message) and streaming (an active
// step/kind pair with an assigned identity). Any non-delta step boundary
// resets it to none unconditionally, so a stale identity can never leak into
// the next step.
//
// While streaming, every incoming delta appends to an accumulator and the
// emitted envelope carries the full accumulated text, not the fragment:
// clients replace the block in place, so each envelope must stand alone.
// Within one streaming span the identity and step number never change and
// the accumulated content only grows.
type StreamContext struct {
	sessionID string
	active    bool
	kind      stream.MessageType
	step      int
	id        string
	buf       strings.Builder
}

// NewStreamContext returns an idle state machine for the session.
func NewStreamContext(sessionID string) *StreamContext {
	return &StreamContext{sessionID: sessionID}
}

// BeginPlanning proactively enters the streaming state for a planning phase
// before its first delta arrives, so the very first emitted content shares
// the identity of every later delta. step is the number of the step the plan
// concerns (completed + 1).
func (c *StreamContext) BeginPlanning(step int) {
	c.begin(stream.MessagePlanningContent, step)
}

// Delta consumes one token-level fragment and returns the envelope to emit
// for it. A delta arriving with no active streaming context lazily opens an
// action-thought stream scoped to currentStep; that path should be rare and
// is logged as a recoverable anomaly.
func (c *StreamContext) Delta(ctx context.Context, text string, currentStep int) stream.Envelope {
	if !c.active {
		log.Info(ctx, log.KV{K: "msg", V: "delta arrived without a streaming context"},
			log.KV{K: "session_id", V: c.sessionID},
			log.KV{K: "step", V: currentStep})
		c.begin(stream.MessageThought, currentStep)
	}
	c.buf.WriteString(text)

	stepType := stream.StepAction
	if c.kind == stream.MessagePlanningContent {
		stepType = stream.StepPlanning
	}
	env := stream.NewWithID(c.id, stream.RoleAssistant, c.buf.String(), stream.Metadata{
		stream.KeyComponent:   stream.ComponentChat,
		stream.KeyMessageType: c.kind,
		stream.KeyStepType:    stepType,
		stream.KeyStatus:      stream.StatusStreaming,
		stream.KeyStreaming:   true,
		stream.KeyIsDelta:     true,
		stream.KeyStreamID:    c.id,
	})
	env.SessionID = c.sessionID
	env.StepNumber = c.step
	return env
}

// Handoff returns the identity of the active streaming span, or nil when
// idle. The session snapshots it just before resetting on a step boundary
// and passes it to the translator, which reuses the identity for the step's
// full-content envelope.
func (c *StreamContext) Handoff() *Handoff {
	if !c.active {
		return nil
	}
	return &Handoff{ID: c.id, Kind: c.kind, Step: c.step}
}

// Text returns the accumulated streamed text of the active span.
func (c *StreamContext) Text() string { return c.buf.String() }

// Reset unconditionally returns the machine to the idle state and clears the
// accumulator, regardless of whether the prior stream completed cleanly.
func (c *StreamContext) Reset() {
	c.active = false
	c.kind = ""
	c.step = 0
	c.id = ""
	c.buf.Reset()
}

func (c *StreamContext) begin(kind stream.MessageType, step int) {
	c.active = true
	c.kind = kind
	c.step = step
	c.id = streamMessageID(step, kind)
	c.buf.Reset()
}

// streamMessageID derives the stable logical-message identity shared by all
// deltas of one in-progress message.
func streamMessageID(step int, kind stream.MessageType) string {
	return fmt.Sprintf("msg-%d-%s-stream", step, kind)
}
