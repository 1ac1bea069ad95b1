// Package session owns the lifecycle of agent-backed sessions: each Session
// pairs one agent instance with the translator, delta state machine, bounded
// history store, and envelope bus, and guarantees at most one active run at
// a time. The Manager is the process-wide registry that creates, looks up,
// and reaps sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/stepcast/stepcast/agent"
	"github.com/stepcast/stepcast/history"
	"github.com/stepcast/stepcast/stream"
	"github.com/stepcast/stepcast/translate"
)

var tracer = otel.Tracer("github.com/stepcast/stepcast/session")

var (
	// ErrBusy is returned when a query arrives while one is processing.
	// Queries are rejected, never queued.
	ErrBusy = errors.New("session is processing a query")
	// ErrExpired is returned when a query arrives after cleanup.
	ErrExpired = errors.New("session expired")
	// ErrNotFound is returned by Manager lookups for unknown session ids.
	ErrNotFound = errors.New("session not found")
)

type (
	// State is the session lifecycle state.
	State string

	// Session owns exactly one agent instance and is the sole writer to its
	// message store. All methods are safe for concurrent use.
	Session struct {
		id        string
		agentType string

		mu           sync.Mutex
		state        State
		createdAt    time.Time
		lastActivity time.Time
		agent        agent.Agent

		tr   *translate.Translator
		sc   *translate.StreamContext
		hist *history.Store
		bus  *stream.Bus
	}

	// Info is a point-in-time snapshot of a session's externally visible
	// state, served over both the REST control plane and the socket.
	Info struct {
		SessionID    string    `json:"session_id"`
		AgentType    string    `json:"agent_type"`
		State        State     `json:"state"`
		CreatedAt    time.Time `json:"created_at"`
		LastActivity time.Time `json:"last_activity"`
		MessageCount int       `json:"message_count"`
	}
)

const (
	// StateIdle means the session is ready for a query.
	StateIdle State = "idle"
	// StateProcessing means a run is producing envelopes.
	StateProcessing State = "processing"
	// StateCompleted means the last run finished normally.
	StateCompleted State = "completed"
	// StateError means the last run failed.
	StateError State = "error"
	// StateExpired means the session was cleaned up and accepts nothing.
	StateExpired State = "expired"
)

// Terminal reports whether the state admits no further envelope production
// without a new query.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError || s == StateExpired
}

func newSession(id, agentType string, ag agent.Agent, capacity int) *Session {
	now := time.Now().UTC()
	return &Session{
		id:           id,
		agentType:    agentType,
		state:        StateIdle,
		createdAt:    now,
		lastActivity: now,
		agent:        ag,
		tr:           translate.NewTranslator(id),
		sc:           translate.NewStreamContext(id),
		hist:         history.New(capacity),
		bus:          stream.NewBus(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the session's externally visible state.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:    s.id,
		AgentType:    s.agentType,
		State:        s.state,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		MessageCount: s.hist.Len(),
	}
}

// Attach registers a sink to observe every envelope the session produces
// from now on. Close the returned subscription on disconnect.
func (s *Session) Attach(sink stream.Sink) (*stream.Subscription, error) {
	return s.bus.Attach(sink)
}

// Messages returns the most recent limit stored envelopes, oldest first,
// without consuming them.
func (s *Session) Messages(limit int) []stream.Envelope {
	return s.hist.Recent(limit)
}

// ProcessQuery runs one query to completion, translating every step and
// delta the agent yields into envelopes that are appended to history and
// published to attached sinks in production order.
//
// The call is single-flight: if a run is already processing, ProcessQuery
// returns ErrBusy immediately and produces no envelopes. On return the
// session is in a terminal state: StateCompleted on normal finish, or
// StateError after an error envelope has been emitted.
func (s *Session) ProcessQuery(ctx context.Context, query string) error {
	s.mu.Lock()
	switch s.state {
	case StateProcessing:
		s.mu.Unlock()
		return ErrBusy
	case StateExpired:
		s.mu.Unlock()
		return ErrExpired
	}
	s.state = StateProcessing
	s.lastActivity = time.Now().UTC()
	ag := s.agent
	s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "session.process_query", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("agent.type", s.agentType)))
	defer span.End()

	err := s.run(ctx, ag, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	s.mu.Lock()
	// Cleanup may have expired the session mid-run; expired is final and
	// never downgraded to completed or error.
	if s.state != StateExpired {
		if err != nil {
			s.state = StateError
		} else {
			s.state = StateCompleted
		}
	}
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
	return err
}

func (s *Session) run(ctx context.Context, ag agent.Agent, query string) error {
	userEnv := stream.New(stream.RoleUser, query, stream.Metadata{
		stream.KeyComponent: stream.ComponentChat,
		stream.KeyStatus:    stream.StatusDone,
	})
	userEnv.SessionID = s.id
	userEnv.StepNumber = s.tr.Step()
	s.emit(ctx, userEnv)

	streamed := ag.SupportsStreaming()
	steps, err := ag.Run(ctx, query, agent.RunOptions{Stream: streamed})
	if err != nil {
		err = fmt.Errorf("agent run: %w", err)
		s.emit(ctx, s.tr.Translate(agent.Failure{Err: err}, translate.Options{})...)
		return err
	}

	var failure error
	for step := range steps {
		switch st := step.(type) {
		case agent.Delta:
			s.emit(ctx, s.sc.Delta(ctx, st.Text, s.tr.Step()))
		case agent.PlanningStart:
			s.sc.Reset()
			s.emit(ctx, s.tr.Translate(st, translate.Options{Streamed: streamed})...)
			if streamed {
				s.sc.BeginPlanning(s.tr.Step() + 1)
			}
		case agent.Failure:
			s.sc.Reset()
			failure = st.Err
			if failure == nil {
				failure = errors.New("agent reported an unspecified failure")
			}
			s.emit(ctx, s.tr.Translate(st, translate.Options{})...)
			log.Error(ctx, failure, log.KV{K: "msg", V: "agent run failed"}, log.KV{K: "session_id", V: s.id})
		default:
			// A completed step terminates any in-flight delta stream: snapshot
			// the stream identity for the full-content handoff, then reset
			// unconditionally so no stale identity leaks into the next step.
			handoff := s.sc.Handoff()
			s.sc.Reset()
			s.emit(ctx, s.tr.Translate(st, translate.Options{Streamed: streamed, Handoff: handoff})...)
		}
	}
	return failure
}

// emit appends each envelope to history and fans it out to attached sinks,
// strictly in order, one publish per envelope.
func (s *Session) emit(ctx context.Context, envs ...stream.Envelope) {
	for _, env := range envs {
		s.hist.Append(env)
		s.bus.Publish(ctx, env)
		s.touch()
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// cleanup clears history, releases the agent instance (stopping it when it
// supports cooperative cancellation), closes attached sinks, and marks the
// session expired. Idempotent.
func (s *Session) cleanup(ctx context.Context) {
	s.mu.Lock()
	ag := s.agent
	s.agent = nil
	s.state = StateExpired
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	if stopper, ok := ag.(agent.Stopper); ok {
		if err := stopper.Stop(ctx); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "agent stop failed"}, log.KV{K: "session_id", V: s.id})
		}
	}
	s.bus.Close(ctx)
	s.hist.Clear()
}
