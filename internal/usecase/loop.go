package usecase

import (
	"context"
	"fmt"
	"strings"

	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/ai-medical-chat/internal/config"
	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
)

// Caller is the resilient model invocation seam the loop drives.
type Caller interface {
	Call(ctx context.Context, prompt string, fastMode bool) (string, error)
}

// Loop drives one turn through classify, bounded retrieval rounds, and
// compose. Retrieval rounds are capped; once the cap is hit the loop routes
// straight to compose without consulting the decision step again.
type Loop struct {
	invoker   Caller
	retriever *Retriever
	roles     config.RolesConfig
	maxLoops  int
}

// NewLoop builds a Loop. maxLoops caps retrieval rounds per turn.
func NewLoop(invoker Caller, retriever *Retriever, roles config.RolesConfig, maxLoops int) *Loop {
	if maxLoops <= 0 {
		maxLoops = 2
	}
	return &Loop{invoker: invoker, retriever: retriever, roles: roles, maxLoops: maxLoops}
}

type classifyDoc struct {
	InputType   string `yaml:"input_type"`
	NeedClarify bool   `yaml:"need_clarify"`
	Query       string `yaml:"query"`
}

// parseClassify parses the triage response. Malformed output degrades to
// treating the input as a plain question with the original text as query.
func parseClassify(raw, original string) classifyDoc {
	var doc classifyDoc
	if err := yaml.Unmarshal([]byte(ExtractFencedBlock(raw)), &doc); err != nil {
		slog.Warn("classify: unparseable response, treating as question",
			slog.Any("error", err))
		return classifyDoc{InputType: "question", Query: original}
	}
	doc.InputType = strings.ToLower(strings.TrimSpace(doc.InputType))
	if doc.InputType == "" {
		doc.InputType = "question"
	}
	if strings.TrimSpace(doc.Query) == "" {
		doc.Query = original
	}
	return doc
}

type composedDoc struct {
	Explanation string   `yaml:"explanation"`
	Suggestions []string `yaml:"suggestions"`
}

// parseComposed parses the final answer. When the model skipped the YAML
// structure the whole (fence-stripped) text becomes the explanation.
func parseComposed(raw string) (string, []string) {
	body := ExtractFencedBlock(raw)
	var doc composedDoc
	if err := yaml.Unmarshal([]byte(body), &doc); err == nil && strings.TrimSpace(doc.Explanation) != "" {
		return strings.TrimSpace(doc.Explanation), doc.Suggestions
	}
	return strings.TrimSpace(body), nil
}

// Run executes one turn against st, mutating it in place. It returns an error
// only for overload or context cancellation; every malformed model output is
// absorbed into a defined fallback.
func (l *Loop) Run(ctx context.Context, st *domain.TurnState) error {
	profile := l.roles.Profile(st.Role)

	// Triage: input type, clarification need, standalone query.
	raw, err := l.invoker.Call(ctx, BuildClassifyPrompt(st.History, st.OriginalQuery), true)
	if err != nil {
		return fmt.Errorf("op=loop.Run: classify: %w", err)
	}
	cls := parseClassify(raw, st.OriginalQuery)
	st.InputType = cls.InputType
	st.NeedClarify = cls.NeedClarify
	st.WorkingQuery = cls.Query
	st.Stage = domain.StageClassified

	if st.NeedClarify {
		return l.compose(ctx, st, BuildClarifyPrompt(profile, st))
	}
	if st.InputType != "question" {
		// Greetings and smalltalk are answered directly, no retrieval.
		return l.compose(ctx, st, BuildComposePrompt(profile, st))
	}

	queries := []string{st.WorkingQuery}
	for {
		if st.Attempts >= l.maxLoops {
			slog.Info("loop: retrieval cap reached, composing",
				slog.Int("attempts", st.Attempts))
			break
		}
		st.Attempts++
		st.Stage = domain.StageQueried

		var (
			cands  []domain.Candidate
			best   float64
			retErr error
		)
		if st.Attempts == 1 {
			// First round: filtered search on the role's partition plus an
			// unfiltered pass across every partition.
			cands, retErr = l.retriever.HybridSearch(ctx, st.WorkingQuery, profile.Partition,
				map[string]string{"role": string(st.Role)}, l.roles.Partitions())
		} else {
			// Later rounds aggregate every query seen so far on the role's
			// partition, so a refinement never discards earlier recall.
			cands, best, retErr = l.retriever.AggregateQueries(ctx, queries, profile.Partition)
			slog.Debug("loop: aggregate round",
				slog.Int("attempt", st.Attempts),
				slog.Float64("best_score", best))
		}
		if retErr != nil {
			slog.Warn("loop: retrieval round failed",
				slog.Int("attempt", st.Attempts),
				slog.Any("error", retErr))
		} else {
			st.Candidates = mergeCandidates(st.Candidates, cands)
		}
		st.Stage = domain.StageRetrieved

		if st.Attempts >= l.maxLoops {
			break
		}

		raw, err := l.invoker.Call(ctx, BuildDecisionPrompt(st), true)
		if err != nil {
			return fmt.Errorf("op=loop.Run: decision: %w", err)
		}
		d := ParseDecision(raw)
		st.RecordAction(d.Action)
		switch d.Action {
		case domain.ActionCompose:
			return l.compose(ctx, st, BuildComposePrompt(profile, st))
		case domain.ActionRefineQuery:
			st.WorkingQuery = d.Query
			queries = append(queries, d.Query)
			// Chains straight into the next retrieval round.
		case domain.ActionRetrieve:
			// Same query, another round.
		}
	}

	return l.compose(ctx, st, BuildComposePrompt(profile, st))
}

func (l *Loop) compose(ctx context.Context, st *domain.TurnState, prompt string) error {
	st.Stage = domain.StageComposing
	raw, err := l.invoker.Call(ctx, prompt, false)
	if err != nil {
		return fmt.Errorf("op=loop.compose: %w", err)
	}
	st.Explanation, st.Suggestions = parseComposed(raw)
	st.Stage = domain.StageDone
	return nil
}

// mergeCandidates appends newer hits onto base, dropping duplicates by
// (partition, id). Earlier rounds win.
func mergeCandidates(base, extra []domain.Candidate) []domain.Candidate {
	seen := make(map[string]struct{}, len(base))
	for _, c := range base {
		seen[c.Partition+"/"+c.ID] = struct{}{}
	}
	for _, c := range extra {
		key := c.Partition + "/" + c.ID
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		base = append(base, c)
	}
	return base
}
