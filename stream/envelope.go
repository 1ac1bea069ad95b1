// Package stream defines the wire-level message envelope delivered to UI
// clients and the sink abstractions used to fan envelopes out to transports.
//
// The Envelope is the only entity that crosses the system boundary: every
// unit of agent output — planning text, tool invocations, execution logs,
// token-level deltas, errors — is serialized into one. Clients render
// envelopes incrementally by message identity: a new message_id means
// "append a new block", a repeated message_id means "replace the block's
// content in place". This replace-by-identity contract is what allows
// token-streamed output to render without flicker or duplication.
//
// Envelopes are immutable values after construction. The single sanctioned
// exception is identity reuse: a new envelope may deliberately carry a prior
// envelope's message_id to signal an in-place content replace (used by the
// delta aggregator and its step-completion handoff).
package stream

import (
	"time"

	"github.com/google/uuid"
)

type (
	// Envelope is the wire-level unit of output. All fields other than
	// Metadata are fixed schema; Metadata is an open mapping carrying
	// UI-routing and type-specific annotations under the Key* constants.
	Envelope struct {
		// Role identifies who produced the content (user or assistant).
		Role Role `json:"role"`
		// Content is display-ready UTF-8 text (markdown, possibly
		// code-fenced). It may be empty while a message is streaming.
		Content string `json:"content"`
		// Metadata carries UI-routing and type-specific fields. See the
		// Key* constants for the well-known entries.
		Metadata Metadata `json:"metadata,omitempty"`
		// MessageID is the globally unique identity of the logical
		// message. All deltas of one in-progress message share exactly
		// one MessageID; distinct messages never share one.
		MessageID string `json:"message_id"`
		// Timestamp records when the envelope was constructed (UTC).
		Timestamp time.Time `json:"timestamp"`
		// SessionID identifies the owning session. Set by the producing
		// session before the envelope is stored or forwarded.
		SessionID string `json:"session_id,omitempty"`
		// StepNumber scopes the envelope to an agent step. It is
		// monotonically non-decreasing within a run and resets to zero
		// when a new task starts in the same session. Planning envelopes
		// carry the number of the step they plan for (completed + 1),
		// not their own ordinal.
		StepNumber int `json:"step_number"`
	}

	// Metadata is the open string-keyed annotation map attached to every
	// envelope. Values must be JSON-serializable.
	Metadata map[string]any

	// Role identifies the producer of an envelope's content.
	Role string

	// Component names the UI target area an envelope renders into.
	Component string

	// MessageType is the semantic kind of an envelope.
	MessageType string

	// StepType is the agent step phase an envelope belongs to.
	StepType string

	// Status reports whether a logical message is still streaming or done.
	Status string
)

const (
	// RoleUser marks content submitted by the user.
	RoleUser Role = "user"
	// RoleAssistant marks content produced by the agent.
	RoleAssistant Role = "assistant"
)

const (
	// ComponentChat routes to the main chat transcript.
	ComponentChat Component = "chat"
	// ComponentCode routes to the code surface (editor-style pane).
	ComponentCode Component = "code-surface"
	// ComponentTerminal routes to the terminal log pane.
	ComponentTerminal Component = "terminal"
)

const (
	// MessageHeader opens a step block ("Step 2", "Planning step").
	MessageHeader MessageType = "header"
	// MessageThought carries the agent's reasoning text for an action step.
	MessageThought MessageType = "action_thought"
	// MessageToolInvocation announces a tool call, routed by tool identity.
	MessageToolInvocation MessageType = "tool_invocation"
	// MessageExecutionLog carries tool execution output for the terminal pane.
	MessageExecutionLog MessageType = "execution_log"
	// MessagePlanningContent carries the plan text of a planning step.
	MessagePlanningContent MessageType = "planning_content"
	// MessageImage references an image returned by a step.
	MessageImage MessageType = "image"
	// MessageFinalAnswer carries the run's terminal answer.
	MessageFinalAnswer MessageType = "final_answer"
	// MessageError reports a step or run failure.
	MessageError MessageType = "error"
	// MessageFooter closes a step block with duration/token annotations.
	MessageFooter MessageType = "footer"
	// MessageSeparator is a visual divider between step blocks.
	MessageSeparator MessageType = "separator"
)

const (
	// StepPlanning marks envelopes emitted for a planning step.
	StepPlanning StepType = "planning"
	// StepAction marks envelopes emitted for an action step.
	StepAction StepType = "action"
	// StepFinalAnswer marks the final answer envelope.
	StepFinalAnswer StepType = "final_answer"
)

const (
	// StatusStreaming marks a logical message still receiving deltas.
	StatusStreaming Status = "streaming"
	// StatusDone marks a logical message whose content is final.
	StatusDone Status = "done"
)

// Well-known Metadata keys. Type-specific keys (tool_name, code, ...) are
// present only on the envelope kinds that define them.
const (
	// KeyComponent holds a Component value.
	KeyComponent = "component"
	// KeyMessageType holds a MessageType value.
	KeyMessageType = "message_type"
	// KeyStepType holds a StepType value.
	KeyStepType = "step_type"
	// KeyStatus holds a Status value.
	KeyStatus = "status"
	// KeyStreaming is true on envelopes produced while token streaming.
	KeyStreaming = "streaming"
	// KeyIsDelta is true on envelopes emitted per incoming delta.
	KeyIsDelta = "is_delta"
	// KeyStreamID holds the stable stream identity while streaming.
	KeyStreamID = "stream_id"
	// KeyToolName names the invoked tool on tool_invocation envelopes.
	KeyToolName = "tool_name"
	// KeyCode holds the raw source on code-surface envelopes.
	KeyCode = "code"
	// KeyLanguage holds the code language on code-surface envelopes.
	KeyLanguage = "language"
	// KeyTitle holds a short display title.
	KeyTitle = "title"
	// KeyImageURL holds the image reference on image envelopes.
	KeyImageURL = "image_url"
	// KeyErrorCode holds a stable error classifier on error envelopes.
	KeyErrorCode = "error_code"
)

// New constructs an envelope with a fresh message identity and the current
// UTC timestamp. SessionID and StepNumber are left for the producing
// component to set.
func New(role Role, content string, md Metadata) Envelope {
	return NewWithID(uuid.NewString(), role, content, md)
}

// NewWithID constructs an envelope that reuses the given message identity.
// Reusing a prior envelope's identity signals an in-place content replace to
// clients; it is how delta streams and their completion handoff keep a single
// logical message stable across many envelopes.
func NewWithID(id string, role Role, content string, md Metadata) Envelope {
	if md == nil {
		md = Metadata{}
	}
	return Envelope{
		Role:      role,
		Content:   content,
		Metadata:  md,
		MessageID: id,
		Timestamp: time.Now().UTC(),
	}
}

// Component returns the UI component annotation, or ComponentChat when unset.
func (m Metadata) Component() Component {
	if v, ok := m[KeyComponent].(Component); ok {
		return v
	}
	if v, ok := m[KeyComponent].(string); ok {
		return Component(v)
	}
	return ComponentChat
}

// MessageType returns the semantic kind annotation, or "" when unset.
func (m Metadata) MessageType() MessageType {
	if v, ok := m[KeyMessageType].(MessageType); ok {
		return v
	}
	if v, ok := m[KeyMessageType].(string); ok {
		return MessageType(v)
	}
	return ""
}

// Status returns the status annotation, or StatusDone when unset.
func (m Metadata) Status() Status {
	if v, ok := m[KeyStatus].(Status); ok {
		return v
	}
	if v, ok := m[KeyStatus].(string); ok {
		return Status(v)
	}
	return StatusDone
}

// StreamID returns the stream identity annotation, or "" when the envelope
// is not part of a delta stream.
func (m Metadata) StreamID() string {
	v, _ := m[KeyStreamID].(string)
	return v
}

// IsDelta reports whether the envelope was emitted for an incoming delta.
func (m Metadata) IsDelta() bool {
	v, _ := m[KeyIsDelta].(bool)
	return v
}
