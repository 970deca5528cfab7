package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
)

type failingCaller struct{ err error }

func (c *failingCaller) Call(context.Context, string, bool) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return composedAnswer, nil
}

type slowCaller struct{ delay time.Duration }

func (c *slowCaller) Call(context.Context, string, bool) (string, error) {
	time.Sleep(c.delay)
	return composedAnswer, nil
}

type memThreads struct {
	mu       sync.Mutex
	window   []domain.ChatMessage
	appended [][2]domain.ChatMessage
	winErr   error
}

func (m *memThreads) RecentWindow(_ context.Context, _ string, _ int) ([]domain.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.winErr != nil {
		return nil, m.winErr
	}
	return m.window, nil
}

func (m *memThreads) AppendTurn(_ context.Context, userMsg, botMsg domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended = append(m.appended, [2]domain.ChatMessage{userMsg, botMsg})
	return nil
}

type memEvents struct {
	mu     sync.Mutex
	events []domain.TurnEvent
}

func (m *memEvents) PublishTurn(_ context.Context, ev domain.TurnEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func newTestSupervisor(caller Caller, opts SupervisorOptions) *Supervisor {
	backend := &recordingBackend{}
	loop := newTestLoop(caller, backend, 1)
	if opts.OverloadMsg == "" {
		opts.OverloadMsg = "system overloaded, try later"
	}
	return NewSupervisor(loop, opts)
}

func TestProcessTurnHappyPath(t *testing.T) {
	t.Parallel()
	threads := &memThreads{}
	events := &memEvents{}
	sup := newTestSupervisor(
		&scriptedCaller{classifyResp: questionClassify, composeResp: composedAnswer},
		SupervisorOptions{Threads: threads, Events: events, Deadline: 85 * time.Second},
	)

	resp := sup.ProcessTurn(context.Background(), domain.TurnRequest{
		SessionID: "s1",
		Role:      domain.RolePatientDental,
		Input:     "does gum disease affect my sugar?",
	})

	assert.NotEmpty(t, resp.TurnID)
	assert.False(t, resp.Overloaded)
	assert.Equal(t, "Here is the answer.", resp.Explanation)
	require.Len(t, resp.Suggestions, 1)

	threads.mu.Lock()
	require.Len(t, threads.appended, 1)
	assert.Equal(t, "user", threads.appended[0][0].Author)
	assert.Equal(t, "bot", threads.appended[0][1].Author)
	threads.mu.Unlock()

	events.mu.Lock()
	require.Len(t, events.events, 1)
	assert.Equal(t, resp.TurnID, events.events[0].TurnID)
	events.mu.Unlock()
}

func TestProcessTurnSubstitutesOverloadOnFailure(t *testing.T) {
	t.Parallel()
	sup := newTestSupervisor(
		&failingCaller{err: domain.ErrOverloaded},
		SupervisorOptions{OverloadMsg: "please retry shortly"},
	)

	resp := sup.ProcessTurn(context.Background(), domain.TurnRequest{
		SessionID: "s1",
		Role:      domain.RolePatientDental,
		Input:     "question",
	})

	assert.True(t, resp.Overloaded)
	assert.Equal(t, "please retry shortly", resp.Explanation)
	assert.NotNil(t, resp.Suggestions)
	assert.Empty(t, resp.Suggestions)
}

// clarifyThenFailCaller classifies the input as needing clarification and then
// fails the follow-up call.
type clarifyThenFailCaller struct{}

func (clarifyThenFailCaller) Call(_ context.Context, prompt string, _ bool) (string, error) {
	if strings.HasPrefix(prompt, "You are triaging") {
		return "```yaml\ninput_type: question\nneed_clarify: true\n```", nil
	}
	return "", domain.ErrOverloaded
}

func TestProcessTurnOverloadNeutralizesClassification(t *testing.T) {
	t.Parallel()
	sup := newTestSupervisor(
		clarifyThenFailCaller{},
		SupervisorOptions{OverloadMsg: "please retry shortly"},
	)

	resp := sup.ProcessTurn(context.Background(), domain.TurnRequest{
		SessionID: "s1",
		Role:      domain.RolePatientDental,
		Input:     "it hurts",
	})

	// The classify step flagged a clarification, but an overload response must
	// not carry that flag alongside the fixed message.
	assert.True(t, resp.Overloaded)
	assert.Equal(t, "question", resp.InputType)
	assert.False(t, resp.NeedClarify)
}

func TestProcessTurnNeverPanicsOrErrors(t *testing.T) {
	t.Parallel()
	sup := newTestSupervisor(
		&failingCaller{err: errors.New("totally unexpected")},
		SupervisorOptions{},
	)

	resp := sup.ProcessTurn(context.Background(), domain.TurnRequest{
		SessionID: "s1",
		Role:      domain.RoleDoctorDental,
		Input:     "question",
	})
	assert.True(t, resp.Overloaded)
	assert.NotEmpty(t, resp.Explanation)
}

func TestProcessTurnDeadlineFlagForcesOverload(t *testing.T) {
	t.Parallel()
	sup := newTestSupervisor(
		&slowCaller{delay: 60 * time.Millisecond},
		SupervisorOptions{Deadline: 10 * time.Millisecond, OverloadMsg: "took too long"},
	)

	resp := sup.ProcessTurn(context.Background(), domain.TurnRequest{
		SessionID: "s1",
		Role:      domain.RolePatientDental,
		Input:     "question",
	})

	// The turn completes, but past the advisory deadline the result is
	// replaced by the overload message.
	assert.True(t, resp.Overloaded)
	assert.Equal(t, "took too long", resp.Explanation)
	assert.Empty(t, resp.Suggestions)
}

func TestProcessTurnHistoryLoadFailureIsNonFatal(t *testing.T) {
	t.Parallel()
	threads := &memThreads{winErr: errors.New("db down")}
	sup := newTestSupervisor(
		&scriptedCaller{classifyResp: questionClassify, composeResp: composedAnswer},
		SupervisorOptions{Threads: threads},
	)

	resp := sup.ProcessTurn(context.Background(), domain.TurnRequest{
		SessionID: "s1",
		Role:      domain.RolePatientDental,
		Input:     "question",
	})
	assert.False(t, resp.Overloaded)
}

func TestProcessTurnUsesProvidedHistory(t *testing.T) {
	t.Parallel()
	threads := &memThreads{winErr: errors.New("must not be called")}
	sup := newTestSupervisor(
		&scriptedCaller{classifyResp: questionClassify, composeResp: composedAnswer},
		SupervisorOptions{Threads: threads},
	)

	resp := sup.ProcessTurn(context.Background(), domain.TurnRequest{
		SessionID: "s1",
		Role:      domain.RolePatientDental,
		Input:     "question",
		History: []domain.ChatMessage{
			{Author: "user", Content: "earlier message"},
		},
	})
	assert.False(t, resp.Overloaded)
}
