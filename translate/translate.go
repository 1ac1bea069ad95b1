// Package translate converts discrete agent steps and token-level deltas
// into display-ready stream envelopes.
//
// Two collaborating pieces live here. The Translator is a pure step-to-
// envelopes function with one piece of state, the current step ordinal: it
// expands each completed step variant into the ordered envelope sequence the
// UI renders (header, content, tool invocations, logs, footer, separator).
// The StreamContext is the delta-identity state machine: it gives token-level
// partial output a stable message identity so clients can replace a single
// block in place as tokens arrive, and hands that identity back to the
// Translator when the step completes so the final full-content envelope
// replaces the streamed block instead of appending a duplicate.
package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stepcast/stepcast/agent"
	"github.com/stepcast/stepcast/stream"
)

// CodeTool is the designated code-execution tool. Its invocations route to
// the code surface with the raw source extracted into envelope metadata;
// every other tool routes to the chat transcript.
const CodeTool = "python_interpreter"

// observationPrefix is the boilerplate the code-execution tool prepends to
// its observation text; it is stripped before the terminal pane renders it.
const observationPrefix = "Execution logs:"

type (
	// Translator turns one discrete agent step into zero or more envelopes,
	// enriched with UI-routing metadata. It is not safe for concurrent use;
	// each session owns exactly one.
	Translator struct {
		sessionID    string
		step         int
		planningOpen bool
	}

	// Options tunes one Translate call.
	Options struct {
		// Streamed reports that the run interleaves token deltas, so
		// text-bearing envelopes defer to (and later replace) the delta
		// stream rather than introducing fresh identities.
		Streamed bool
		// Handoff carries the identity of the delta stream that the
		// arriving step terminates, when one was active. The translator
		// reuses it for the step's full-content envelope so the client
		// replaces the streamed block in place.
		Handoff *Handoff
	}

	// Handoff is the identity snapshot of a completed delta stream.
	Handoff struct {
		// ID is the shared message identity of the stream's envelopes.
		ID string
		// Kind is the streamed message kind (planning content or action
		// thought).
		Kind stream.MessageType
		// Step is the step number the stream was scoped to.
		Step int
	}
)

// NewTranslator returns a translator producing envelopes for the session.
func NewTranslator(sessionID string) *Translator {
	return &Translator{sessionID: sessionID}
}

// Step returns the current step ordinal: the number of completed action
// steps, updated as Action steps are translated and reset by TaskStart.
func (t *Translator) Step() int { return t.step }

// Translate expands one step into its ordered envelope sequence. TaskStart
// produces no envelopes (it resets step numbering); every other variant
// produces at least one.
func (t *Translator) Translate(st agent.Step, opts Options) []stream.Envelope {
	switch s := st.(type) {
	case agent.TaskStart:
		t.step = 0
		t.planningOpen = false
		return nil
	case agent.PlanningStart:
		return t.planningStart()
	case agent.Planning:
		return t.planning(s, opts)
	case agent.Action:
		return t.action(s, opts)
	case agent.FinalAnswer:
		return t.finalAnswer(s)
	case agent.Failure:
		return []stream.Envelope{t.runError(s.Err)}
	default:
		return nil
	}
}

// planningStart opens a planning block ahead of its streamed content. The
// header carries the number of the step the plan concerns (completed + 1).
func (t *Translator) planningStart() []stream.Envelope {
	t.planningOpen = true
	return []stream.Envelope{
		t.env(t.step+1, stream.MessageHeader, stream.StepPlanning, "**Planning step**", nil),
	}
}

func (t *Translator) planning(s agent.Planning, opts Options) []stream.Envelope {
	n := t.step + 1
	envs := make([]stream.Envelope, 0, 4)
	if !t.planningOpen {
		envs = append(envs, t.env(n, stream.MessageHeader, stream.StepPlanning, "**Planning step**", nil))
	}
	t.planningOpen = false

	content := NormalizeMarkers(s.Plan)
	if opts.Handoff != nil && opts.Handoff.Kind == stream.MessagePlanningContent {
		envs = append(envs, t.envWithID(opts.Handoff.ID, n, stream.MessagePlanningContent, stream.StepPlanning, content, nil))
	} else {
		envs = append(envs, t.env(n, stream.MessagePlanningContent, stream.StepPlanning, content, nil))
	}

	envs = append(envs,
		t.env(n, stream.MessageFooter, stream.StepPlanning, footnote(n, s.Timing, s.Usage), nil),
		t.separator(n, stream.StepPlanning),
	)
	return envs
}

func (t *Translator) action(s agent.Action, opts Options) []stream.Envelope {
	n := s.Number
	if n <= t.step {
		n = t.step + 1
	}
	t.step = n
	t.planningOpen = false

	envs := make([]stream.Envelope, 0, 6)
	envs = append(envs, t.env(n, stream.MessageHeader, stream.StepAction, fmt.Sprintf("**Step %d**", n), nil))

	if thought := NormalizeMarkers(s.Thought); thought != "" {
		if opts.Handoff != nil && opts.Handoff.Kind == stream.MessageThought {
			envs = append(envs, t.envWithID(opts.Handoff.ID, n, stream.MessageThought, stream.StepAction, thought, nil))
		} else {
			envs = append(envs, t.env(n, stream.MessageThought, stream.StepAction, thought, nil))
		}
	}

	for _, tc := range s.ToolCalls {
		envs = append(envs, t.toolInvocation(n, tc))
	}

	if obs := strings.TrimSpace(strings.TrimPrefix(s.Observation, observationPrefix)); obs != "" {
		envs = append(envs, t.env(n, stream.MessageExecutionLog, stream.StepAction, obs, stream.Metadata{
			stream.KeyComponent: stream.ComponentTerminal,
		}))
	}

	for _, img := range s.Images {
		envs = append(envs, t.env(n, stream.MessageImage, stream.StepAction,
			fmt.Sprintf("![step %d image](%s)", n, img.URL),
			stream.Metadata{stream.KeyImageURL: img.URL}))
	}

	if s.Error != "" {
		envs = append(envs, t.env(n, stream.MessageError, stream.StepAction, s.Error, stream.Metadata{
			stream.KeyErrorCode: "step_error",
		}))
	}

	envs = append(envs,
		t.env(n, stream.MessageFooter, stream.StepAction, footnote(n, s.Timing, s.Usage), nil),
		t.separator(n, stream.StepAction),
	)
	return envs
}

// toolInvocation routes a tool call by identity: the code-execution tool
// renders on the code surface with the raw source in metadata, everything
// else renders its arguments in the chat transcript.
func (t *Translator) toolInvocation(n int, tc agent.ToolCall) stream.Envelope {
	if tc.Name == CodeTool {
		code, _ := tc.Arguments["code"].(string)
		code = NormalizeMarkers(code)
		return t.env(n, stream.MessageToolInvocation, stream.StepAction,
			fmt.Sprintf("```python\n%s\n```", code),
			stream.Metadata{
				stream.KeyComponent: stream.ComponentCode,
				stream.KeyToolName:  tc.Name,
				stream.KeyCode:      code,
				stream.KeyLanguage:  "python",
				stream.KeyTitle:     "Used tool: " + tc.Name,
			})
	}
	args := "{}"
	if len(tc.Arguments) > 0 {
		if b, err := json.MarshalIndent(tc.Arguments, "", "  "); err == nil {
			args = string(b)
		}
	}
	return t.env(n, stream.MessageToolInvocation, stream.StepAction,
		fmt.Sprintf("```json\n%s\n```", args),
		stream.Metadata{
			stream.KeyToolName: tc.Name,
			stream.KeyTitle:    "Used tool: " + tc.Name,
		})
}

// finalAnswer emits exactly one envelope, formatted per answer modality.
func (t *Translator) finalAnswer(s agent.FinalAnswer) []stream.Envelope {
	var content string
	switch {
	case s.ImageURL != "":
		content = fmt.Sprintf("**Final answer**\n\n![final answer](%s)", s.ImageURL)
	case s.AudioURL != "":
		content = fmt.Sprintf("**Final answer (audio):** %s", s.AudioURL)
	default:
		content = "**Final answer:** " + NormalizeMarkers(s.Text)
	}
	md := stream.Metadata{}
	if s.ImageURL != "" {
		md[stream.KeyImageURL] = s.ImageURL
	}
	return []stream.Envelope{t.env(t.step, stream.MessageFinalAnswer, stream.StepFinalAnswer, content, md)}
}

// runError converts a terminal run failure into the error envelope appended
// to history and forwarded to clients.
func (t *Translator) runError(err error) stream.Envelope {
	msg := "run failed"
	if err != nil {
		msg = err.Error()
	}
	return t.env(t.step, stream.MessageError, stream.StepAction, "**Error:** "+msg, stream.Metadata{
		stream.KeyErrorCode: "run_error",
	})
}

func (t *Translator) separator(n int, st stream.StepType) stream.Envelope {
	return t.env(n, stream.MessageSeparator, st, "-----", nil)
}

func (t *Translator) env(n int, mt stream.MessageType, st stream.StepType, content string, extra stream.Metadata) stream.Envelope {
	return t.finish(stream.New(stream.RoleAssistant, content, baseMetadata(mt, st, extra)), n)
}

func (t *Translator) envWithID(id string, n int, mt stream.MessageType, st stream.StepType, content string, extra stream.Metadata) stream.Envelope {
	return t.finish(stream.NewWithID(id, stream.RoleAssistant, content, baseMetadata(mt, st, extra)), n)
}

func (t *Translator) finish(env stream.Envelope, n int) stream.Envelope {
	env.SessionID = t.sessionID
	env.StepNumber = n
	return env
}

func baseMetadata(mt stream.MessageType, st stream.StepType, extra stream.Metadata) stream.Metadata {
	md := stream.Metadata{
		stream.KeyComponent:   stream.ComponentChat,
		stream.KeyMessageType: mt,
		stream.KeyStepType:    st,
		stream.KeyStatus:      stream.StatusDone,
	}
	for k, v := range extra {
		md[k] = v
	}
	return md
}

// footnote renders the duration/token annotation for step footers, keeping
// only the parts the step actually reported.
func footnote(n int, timing agent.Timing, usage *agent.TokenUsage) string {
	parts := []string{fmt.Sprintf("Step %d", n)}
	if timing.Duration > 0 {
		parts = append(parts, fmt.Sprintf("Duration: %.2fs", timing.Duration.Seconds()))
	}
	if usage != nil {
		parts = append(parts,
			fmt.Sprintf("Input tokens: %d", usage.Input),
			fmt.Sprintf("Output tokens: %d", usage.Output))
	}
	return strings.Join(parts, " | ")
}
