package usecase

import (
	"context"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/ai-medical-chat/internal/adapter/observability"
	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
	"github.com/fairyhunter13/ai-medical-chat/pkg/textx"
)

// Supervisor is the outermost turn boundary. ProcessTurn never returns an
// error: overload, deadline overrun and every internal failure collapse into
// a fixed degraded response, so the HTTP layer always has something
// well-formed to send.
type Supervisor struct {
	loop    *Loop
	threads domain.ThreadRepository
	events  domain.TurnEventQueue
	memory  *MemoryWriter

	// deadline is the advisory wall-clock limit per turn. The gateway in
	// front of this service cuts responses around 100s; the deadline keeps a
	// margin below that so the degraded response still reaches the user.
	deadline      time.Duration
	historyWindow int
	overloadMsg   string
}

// SupervisorOptions wires the supervisor's collaborators. Threads, events and
// memory may be nil; the corresponding side effects are skipped.
type SupervisorOptions struct {
	Threads       domain.ThreadRepository
	Events        domain.TurnEventQueue
	Memory        *MemoryWriter
	Deadline      time.Duration
	HistoryWindow int
	OverloadMsg   string
}

// NewSupervisor builds a Supervisor around loop.
func NewSupervisor(loop *Loop, opts SupervisorOptions) *Supervisor {
	if opts.Deadline <= 0 {
		opts.Deadline = 85 * time.Second
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 6
	}
	return &Supervisor{
		loop:          loop,
		threads:       opts.Threads,
		events:        opts.Events,
		memory:        opts.Memory,
		deadline:      opts.Deadline,
		historyWindow: opts.HistoryWindow,
		overloadMsg:   opts.OverloadMsg,
	}
}

// ProcessTurn runs one turn end to end: history load, orchestration loop,
// persistence, analytics and memory fan-out. The deadline is advisory; a turn
// that finishes late still completes, but its result is replaced by the
// overload response.
func (s *Supervisor) ProcessTurn(ctx context.Context, req domain.TurnRequest) domain.TurnResponse {
	start := time.Now()
	turnID := ulid.Make().String()
	logger := slog.With(
		slog.String("turn_id", turnID),
		slog.String("session_id", req.SessionID),
		slog.String("role", string(req.Role)))

	var deadlineHit atomic.Bool
	timer := time.AfterFunc(s.deadline, func() {
		deadlineHit.Store(true)
		logger.Warn("turn deadline exceeded", slog.Duration("deadline", s.deadline))
	})
	defer timer.Stop()

	history := req.History
	if len(history) == 0 && s.threads != nil {
		var err error
		history, err = s.threads.RecentWindow(ctx, req.SessionID, s.historyWindow)
		if err != nil {
			logger.Warn("history load failed, proceeding without", slog.Any("error", err))
			history = nil
		}
	}

	st := domain.NewTurnState(req.Role, textx.SanitizeText(req.Input), RenderHistory(history))
	err := s.loop.Run(ctx, st)

	resp := domain.TurnResponse{
		TurnID:      turnID,
		Explanation: st.Explanation,
		Suggestions: st.Suggestions,
		InputType:   st.InputType,
		NeedClarify: st.NeedClarify,
	}
	if err != nil || deadlineHit.Load() {
		if err != nil {
			logger.Error("turn failed, substituting overload response", slog.Any("error", err))
		}
		st.Stage = domain.StageFallback
		resp.Explanation = s.overloadMsg
		resp.Suggestions = []string{}
		// Neutral classification: a clarification request or smalltalk label
		// makes no sense next to the overload copy.
		resp.InputType = "question"
		resp.NeedClarify = false
		resp.Overloaded = true
	}
	if resp.Suggestions == nil {
		resp.Suggestions = []string{}
	}

	elapsed := time.Since(start)
	observability.TurnDuration.Observe(elapsed.Seconds())
	outcome := "ok"
	if resp.Overloaded {
		outcome = "overloaded"
	}
	observability.TurnsTotal.WithLabelValues(outcome).Inc()
	logger.Info("turn finished",
		slog.String("outcome", outcome),
		slog.Int("attempts", st.Attempts),
		slog.Duration("elapsed", elapsed))

	s.record(ctx, req, st, resp)
	return resp
}

// record persists the turn and emits side effects. Everything here is best
// effort; the response has already been decided.
func (s *Supervisor) record(ctx context.Context, req domain.TurnRequest, st *domain.TurnState, resp domain.TurnResponse) {
	// Side effects get their own context so a cancelled request cannot lose
	// the turn record.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)

	if s.threads != nil {
		now := time.Now().UTC()
		userMsg := domain.ChatMessage{
			ID:        uuid.NewString(),
			SessionID: req.SessionID,
			Author:    "user",
			Content:   req.Input,
			Role:      req.Role,
			InputType: resp.InputType,
			CreatedAt: now,
		}
		botMsg := domain.ChatMessage{
			ID:          uuid.NewString(),
			SessionID:   req.SessionID,
			Author:      "bot",
			Content:     resp.Explanation,
			Role:        req.Role,
			Suggestions: resp.Suggestions,
			InputType:   resp.InputType,
			NeedClarify: resp.NeedClarify,
			CreatedAt:   now,
		}
		if err := s.threads.AppendTurn(bg, userMsg, botMsg); err != nil {
			slog.Warn("turn persistence failed", slog.Any("error", err))
		}
	}

	if s.events != nil {
		ev := domain.TurnEvent{
			TurnID:     resp.TurnID,
			SessionID:  req.SessionID,
			Role:       req.Role,
			InputType:  resp.InputType,
			Overloaded: resp.Overloaded,
			Attempts:   st.Attempts,
			Actions:    st.ActionHistory,
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.events.PublishTurn(bg, ev); err != nil {
			slog.Warn("turn event publish failed", slog.Any("error", err))
		}
	}

	if s.memory != nil && !resp.Overloaded && st.InputType == "question" {
		go func() {
			defer cancel()
			item := "Q: " + textx.Truncate(req.Input, 500) + "\nA: " + textx.Truncate(resp.Explanation, 1000)
			if err := s.memory.Write(bg, req.SessionID, item); err != nil {
				slog.Warn("memory fan-out failed", slog.Any("error", err))
			}
		}()
		return
	}
	cancel()
}
