package usecase

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-medical-chat/internal/config"
	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
)

// scriptedCaller answers classify, decision and compose prompts from a
// script, keyed off the prompt preamble.
type scriptedCaller struct {
	mu            sync.Mutex
	classifyResp  string
	decisionResps []string
	composeResp   string
	decisionCalls int
	composeCalls  int
}

func (c *scriptedCaller) Call(_ context.Context, prompt string, _ bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case strings.HasPrefix(prompt, "You are triaging"):
		return c.classifyResp, nil
	case strings.HasPrefix(prompt, "You are deciding"):
		c.decisionCalls++
		if len(c.decisionResps) == 0 {
			return "action: compose", nil
		}
		resp := c.decisionResps[0]
		c.decisionResps = c.decisionResps[1:]
		return resp, nil
	default:
		c.composeCalls++
		return c.composeResp, nil
	}
}

type recordingBackend struct {
	mu      sync.Mutex
	queries []domain.SearchQuery
	hits    []domain.SearchHit
}

func (b *recordingBackend) Search(_ context.Context, q domain.SearchQuery) ([]domain.SearchHit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queries = append(b.queries, q)
	return b.hits, nil
}

const questionClassify = "```yaml\ninput_type: question\nneed_clarify: false\nquery: standalone question\n```"

const composedAnswer = "```yaml\nexplanation: |\n  Here is the answer.\nsuggestions:\n  - Follow-up one?\n```"

func testRoles() config.RolesConfig {
	rc, _ := config.LoadRolesConfig("/nonexistent/roles.yaml")
	return rc
}

func newTestLoop(caller Caller, backend domain.SearchBackend, maxLoops int) *Loop {
	return NewLoop(caller, NewRetriever(backend, 20), testRoles(), maxLoops)
}

func TestLoopStopsAtRetrievalCapWithoutDecision(t *testing.T) {
	t.Parallel()
	caller := &scriptedCaller{
		classifyResp:  questionClassify,
		decisionResps: []string{"action: retrieve"},
		composeResp:   composedAnswer,
	}
	backend := &recordingBackend{hits: []domain.SearchHit{{ID: "a", Score: 0.9, Payload: map[string]any{"text": "t"}}}}
	loop := newTestLoop(caller, backend, 2)

	st := domain.NewTurnState(domain.RolePatientDental, "q", "")
	require.NoError(t, loop.Run(context.Background(), st))

	assert.Equal(t, 2, st.Attempts)
	// Round two hits the cap, so only one decision call happens.
	assert.Equal(t, 1, caller.decisionCalls)
	assert.Equal(t, 1, caller.composeCalls)
	assert.Equal(t, domain.StageDone, st.Stage)
	assert.Equal(t, "Here is the answer.", st.Explanation)
}

func TestLoopSingleRoundCapSkipsDecisionEntirely(t *testing.T) {
	t.Parallel()
	caller := &scriptedCaller{classifyResp: questionClassify, composeResp: composedAnswer}
	backend := &recordingBackend{}
	loop := newTestLoop(caller, backend, 1)

	st := domain.NewTurnState(domain.RolePatientDental, "q", "")
	require.NoError(t, loop.Run(context.Background(), st))

	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, 0, caller.decisionCalls)
	assert.Equal(t, 1, caller.composeCalls)
}

func TestLoopRefineChainsIntoRetrieval(t *testing.T) {
	t.Parallel()
	caller := &scriptedCaller{
		classifyResp:  questionClassify,
		decisionResps: []string{"action: refine_query\nquery: better query"},
		composeResp:   composedAnswer,
	}
	backend := &recordingBackend{}
	loop := newTestLoop(caller, backend, 2)

	st := domain.NewTurnState(domain.RolePatientDental, "q", "")
	require.NoError(t, loop.Run(context.Background(), st))

	assert.Equal(t, "better query", st.WorkingQuery)
	assert.Contains(t, st.ActionHistory, string(domain.ActionRefineQuery))
	assert.Equal(t, 2, st.Attempts)

	// The second round aggregates both the original and the refined query.
	backend.mu.Lock()
	defer backend.mu.Unlock()
	seen := map[string]bool{}
	for _, q := range backend.queries {
		seen[q.Query] = true
	}
	assert.True(t, seen["standalone question"])
	assert.True(t, seen["better query"])
}

func TestLoopMarksQueriedStageDuringRetrieval(t *testing.T) {
	t.Parallel()
	caller := &scriptedCaller{classifyResp: questionClassify, composeResp: composedAnswer}
	st := domain.NewTurnState(domain.RolePatientDental, "q", "")

	var stageDuringSearch domain.TurnStage
	backend := searchFunc(func(_ context.Context, _ domain.SearchQuery) ([]domain.SearchHit, error) {
		stageDuringSearch = st.Stage
		return nil, nil
	})
	loop := NewLoop(caller, NewRetriever(backend, 20), testRoles(), 1)

	require.NoError(t, loop.Run(context.Background(), st))
	assert.Equal(t, domain.StageQueried, stageDuringSearch)
	assert.Equal(t, domain.StageDone, st.Stage)
}

func TestLoopComposeDecisionShortCircuits(t *testing.T) {
	t.Parallel()
	caller := &scriptedCaller{
		classifyResp:  questionClassify,
		decisionResps: []string{"action: compose\nreason: enough"},
		composeResp:   composedAnswer,
	}
	backend := &recordingBackend{}
	loop := newTestLoop(caller, backend, 5)

	st := domain.NewTurnState(domain.RolePatientDental, "q", "")
	require.NoError(t, loop.Run(context.Background(), st))

	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, 1, caller.decisionCalls)
	assert.Equal(t, domain.StageDone, st.Stage)
}

func TestLoopGreetingSkipsRetrieval(t *testing.T) {
	t.Parallel()
	caller := &scriptedCaller{
		classifyResp: "```yaml\ninput_type: greeting\nneed_clarify: false\n```",
		composeResp:  "```yaml\nexplanation: Hello there!\nsuggestions: []\n```",
	}
	backend := &recordingBackend{}
	loop := newTestLoop(caller, backend, 2)

	st := domain.NewTurnState(domain.RolePatientDental, "hi", "")
	require.NoError(t, loop.Run(context.Background(), st))

	assert.Equal(t, "greeting", st.InputType)
	assert.Equal(t, 0, st.Attempts)
	backend.mu.Lock()
	assert.Empty(t, backend.queries)
	backend.mu.Unlock()
	assert.Equal(t, "Hello there!", st.Explanation)
}

func TestLoopClarificationRequest(t *testing.T) {
	t.Parallel()
	caller := &scriptedCaller{
		classifyResp: "```yaml\ninput_type: question\nneed_clarify: true\n```",
		composeResp:  "```yaml\nexplanation: Which tooth hurts?\nsuggestions: []\n```",
	}
	backend := &recordingBackend{}
	loop := newTestLoop(caller, backend, 2)

	st := domain.NewTurnState(domain.RolePatientDental, "it hurts", "")
	require.NoError(t, loop.Run(context.Background(), st))

	assert.True(t, st.NeedClarify)
	assert.Equal(t, 0, st.Attempts)
	assert.Equal(t, "Which tooth hurts?", st.Explanation)
}

func TestLoopMalformedClassifyTreatedAsQuestion(t *testing.T) {
	t.Parallel()
	caller := &scriptedCaller{
		classifyResp: "no structure at all: really: broken: [",
		composeResp:  composedAnswer,
	}
	backend := &recordingBackend{}
	loop := newTestLoop(caller, backend, 1)

	st := domain.NewTurnState(domain.RolePatientDental, "my question", "")
	require.NoError(t, loop.Run(context.Background(), st))

	assert.Equal(t, "question", st.InputType)
	assert.Equal(t, "my question", st.WorkingQuery)
	assert.Equal(t, 1, st.Attempts)
}
