package domain

// TurnStage tracks progress of one conversation turn through the
// orchestration loop.
type TurnStage string

const (
	StageInit       TurnStage = "init"
	StageClassified TurnStage = "classified"
	StageQueried    TurnStage = "queried"
	StageRetrieved  TurnStage = "retrieved"
	StageComposing  TurnStage = "composing"
	StageDone       TurnStage = "done"
	StageFallback   TurnStage = "fallback"
)

// ActionKind is the closed set of actions the decision step may choose.
// Anything the model returns outside this set is mapped to ActionCompose at
// the parse boundary (fail-open).
type ActionKind string

const (
	ActionRefineQuery ActionKind = "refine_query"
	ActionRetrieve    ActionKind = "retrieve"
	ActionCompose     ActionKind = "compose"
)

// Decision is the parsed tagged union of one decision-step response.
type Decision struct {
	Action ActionKind
	// Query carries the rewritten query for ActionRefineQuery.
	Query string
	// Reason is informational only.
	Reason string
}

// TurnState is the mutable state of one turn, owned by the orchestration loop
// for the turn's lifetime and discarded afterwards.
type TurnState struct {
	Role          Role
	OriginalQuery string
	WorkingQuery  string
	History       string // serialized recent exchanges, classify step only
	Candidates    []Candidate
	// Attempts counts retrieval rounds; monotonically non-decreasing. Once it
	// exceeds the configured ceiling the loop must route to compose.
	Attempts      int
	ActionHistory []string
	Stage         TurnStage

	Explanation string
	Suggestions []string
	InputType   string
	NeedClarify bool
}

// NewTurnState seeds state for one turn.
func NewTurnState(role Role, query, history string) *TurnState {
	return &TurnState{
		Role:          role,
		OriginalQuery: query,
		WorkingQuery:  query,
		History:       history,
		Stage:         StageInit,
	}
}

// RecordAction appends an accepted action to the history. Observability only;
// it drives no branching beyond the refine chaining in the loop.
func (s *TurnState) RecordAction(a ActionKind) {
	s.ActionHistory = append(s.ActionHistory, string(a))
}
