package usecase

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/ai-medical-chat/internal/config"
	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
	"github.com/fairyhunter13/ai-medical-chat/pkg/textx"
)

const classifyPromptTmpl = `You are triaging a message sent to a medical Q&A assistant.

Recent conversation:
%s

New message:
%s

Respond with YAML in a code fence:
` + "```yaml" + `
input_type: question | greeting | smalltalk | other
need_clarify: true | false
query: <the message rewritten as a standalone search query, using the conversation for missing referents>
` + "```" + `
Set need_clarify to true only when the message cannot be answered without more information from the user.`

const decisionPromptTmpl = `You are deciding the next step for a medical Q&A assistant.

User question:
%s

Current search query:
%s

Passages retrieved so far (%d):
%s

Choose exactly one action and respond with YAML in a code fence:
` + "```yaml" + `
action: refine_query | retrieve | compose
query: <required for refine_query: a better search query>
reason: <one short sentence>
` + "```" + `
Pick compose when the passages already support a good answer. Pick refine_query when the query misses the user's intent. Pick retrieve to search again with the current query.`

const composePromptTmpl = `You are a %s answering a %s. %s

Recent conversation:
%s

Question:
%s

Reference passages:
%s

Answer using only the reference passages and general medical knowledge consistent with them. If the passages do not cover the question, say so honestly.

Respond with YAML in a code fence:
` + "```yaml" + `
explanation: |
  <the answer, in the tone described above>
suggestions:
  - <a short follow-up question the user might ask next>
  - <another follow-up question>
` + "```"

const clarifyPromptTmpl = `You are a %s talking to a %s. %s

Recent conversation:
%s

The user's latest message needs clarification before it can be answered:
%s

Respond with YAML in a code fence:
` + "```yaml" + `
explanation: |
  <a short, friendly request for the specific missing detail>
suggestions: []
` + "```"

// BuildClassifyPrompt renders the triage prompt for one turn.
func BuildClassifyPrompt(history, input string) string {
	if history == "" {
		history = "(none)"
	}
	return fmt.Sprintf(classifyPromptTmpl, history, textx.SanitizeText(input))
}

// BuildDecisionPrompt renders the next-action prompt.
func BuildDecisionPrompt(st *domain.TurnState) string {
	return fmt.Sprintf(decisionPromptTmpl,
		st.OriginalQuery,
		st.WorkingQuery,
		len(st.Candidates),
		renderCandidates(st.Candidates, 10))
}

// BuildComposePrompt renders the answer prompt for the role's persona.
func BuildComposePrompt(profile config.RoleProfile, st *domain.TurnState) string {
	return fmt.Sprintf(composePromptTmpl,
		profile.Persona,
		profile.Audience,
		"Tone: "+profile.Tone+".",
		orNone(st.History),
		st.OriginalQuery,
		renderCandidates(st.Candidates, 20))
}

// BuildClarifyPrompt renders the clarification-request prompt.
func BuildClarifyPrompt(profile config.RoleProfile, st *domain.TurnState) string {
	return fmt.Sprintf(clarifyPromptTmpl,
		profile.Persona,
		profile.Audience,
		"Tone: "+profile.Tone+".",
		orNone(st.History),
		st.OriginalQuery)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func renderCandidates(cs []domain.Candidate, limit int) string {
	if len(cs) == 0 {
		return "(none)"
	}
	if len(cs) > limit {
		cs = cs[:limit]
	}
	var b strings.Builder
	for i, c := range cs {
		fmt.Fprintf(&b, "%d. [%s score=%.3f] %s\n", i+1, c.Partition, c.Score, textx.Truncate(c.Text, 800))
	}
	return b.String()
}

// RenderHistory serializes a recent-message window for prompt use, oldest
// first.
func RenderHistory(msgs []domain.ChatMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, m := range msgs {
		author := "user"
		if m.Author != "user" {
			author = "assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", author, textx.Truncate(m.Content, 500))
	}
	return strings.TrimRight(b.String(), "\n")
}
