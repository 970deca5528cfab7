package usecase

import (
	"regexp"
	"strings"

	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
)

// fenceRe matches the first fenced code block, with or without a language tag.
var fenceRe = regexp.MustCompile("(?s)```(?:yaml|yml)?\\s*\\n(.*?)```")

// ExtractFencedBlock returns the body of the first fenced code block in raw,
// or raw itself when no fence is present.
func ExtractFencedBlock(raw string) string {
	if m := fenceRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(raw)
}

type decisionDoc struct {
	Action string `yaml:"action"`
	Query  string `yaml:"query"`
	Reason string `yaml:"reason"`
}

// ParseDecision parses a decision-step model response. The action set is
// closed: anything unrecognized or unparseable maps to compose, so a confused
// model can stall a turn but never crash it.
func ParseDecision(raw string) domain.Decision {
	body := ExtractFencedBlock(raw)

	var doc decisionDoc
	if err := yaml.Unmarshal([]byte(body), &doc); err != nil {
		slog.Warn("decision: unparseable response, composing",
			slog.Any("error", err))
		return domain.Decision{Action: domain.ActionCompose}
	}

	action := domain.ActionKind(strings.ToLower(strings.TrimSpace(doc.Action)))
	switch action {
	case domain.ActionRefineQuery:
		if strings.TrimSpace(doc.Query) == "" {
			// A refine with no query has nothing to chain into retrieval.
			slog.Warn("decision: refine_query without query, composing")
			return domain.Decision{Action: domain.ActionCompose, Reason: doc.Reason}
		}
		return domain.Decision{Action: action, Query: strings.TrimSpace(doc.Query), Reason: doc.Reason}
	case domain.ActionRetrieve, domain.ActionCompose:
		return domain.Decision{Action: action, Query: strings.TrimSpace(doc.Query), Reason: doc.Reason}
	default:
		slog.Warn("decision: unknown action, composing",
			slog.String("action", string(action)))
		return domain.Decision{Action: domain.ActionCompose, Reason: doc.Reason}
	}
}
