package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	// ErrQuotaExhausted marks a credential that hit its provider quota; recoverable
	// after the cooldown parsed from the provider error (or the configured default).
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrTransient marks 5xx/overload-class provider failures; recoverable after a
	// short cooldown on a different credential.
	ErrTransient = errors.New("transient upstream error")
	// ErrPermanentCredential marks an invalid credential or model; the credential is
	// never retried.
	ErrPermanentCredential = errors.New("permanent credential failure")
	// ErrOverloaded means every recovery path was exhausted within the caller's
	// budget. It is surfaced to users as a degraded response, never a hard failure.
	ErrOverloaded = errors.New("all credentials overloaded")
	// ErrMalformedOutput marks an unparseable structured model response. It never
	// crosses a component boundary; callers substitute a default.
	ErrMalformedOutput = errors.New("malformed model output")
	ErrInternal        = errors.New("internal error")
)

// Role identifies the audience a conversation is scoped to. Each role maps to
// its own search partition.
type Role string

const (
	RolePatientDental   Role = "patient_dental"
	RolePatientDiabetes Role = "patient_diabetes"
	RoleDoctorDental    Role = "doctor_dental"
	RoleDoctorEndocrine Role = "doctor_endocrine"
)

// ValidRole reports whether r is one of the supported roles.
func ValidRole(r Role) bool {
	switch r {
	case RolePatientDental, RolePatientDiabetes, RoleDoctorDental, RoleDoctorEndocrine:
		return true
	}
	return false
}

// ChatMessage is one stored message within a conversation thread.
type ChatMessage struct {
	ID          string
	SessionID   string
	Author      string // "user" or "bot"
	Content     string
	Role        Role
	Suggestions []string
	InputType   string
	NeedClarify bool
	CreatedAt   time.Time
}

// TurnRequest is one user message plus the context needed to answer it.
type TurnRequest struct {
	SessionID string
	Role      Role
	Input     string
	// History is a bounded window of recent messages, oldest first.
	History []ChatMessage
}

// TurnResponse is the well-formed output of one turn. Every exit path of the
// orchestration layer produces one of these; overload and parsing failures are
// mapped to a fixed message with empty suggestions.
type TurnResponse struct {
	TurnID      string
	Explanation string
	Suggestions []string
	InputType   string
	NeedClarify bool
	Overloaded  bool
}

// Candidate is one retrieval hit, ephemeral to the current turn.
// Identity key is (Partition, ID).
type Candidate struct {
	ID        string
	Partition string
	Text      string
	Score     float64
}

// SearchQuery is a single similarity query against one partition.
// Filter holds optional metadata equality conditions.
type SearchQuery struct {
	Query     string
	Partition string
	Filter    map[string]string
	TopK      int
}

// SearchHit is a raw result from the search backend. Scores are opaque
// similarity values; the orchestration layer compares them but never
// renormalizes across calls.
type SearchHit struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// GenerateRequest is one call to the text-generation endpoint.
type GenerateRequest struct {
	Model      string
	Credential string
	Prompt     string
	FastMode   bool
}

// Ports

// Generator is the external text-generation endpoint. Implementations return
// the raw provider error text on failure so callers can classify it; an empty
// Text with a nil error is a soft failure the caller must tolerate.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// SearchBackend is the external similarity-search service.
type SearchBackend interface {
	Search(ctx context.Context, q SearchQuery) ([]SearchHit, error)
}

// MemoryStore persists per-user memory items into the vector store.
type MemoryStore interface {
	SaveMemory(ctx context.Context, userID, text string) error
}

// ThreadRepository reads and appends conversation turns. The orchestration
// core only reads a bounded recent window and never writes.
type ThreadRepository interface {
	RecentWindow(ctx context.Context, sessionID string, n int) ([]ChatMessage, error)
	AppendTurn(ctx context.Context, userMsg, botMsg ChatMessage) error
}

// TurnEventQueue publishes completed turns for analytics; best effort.
type TurnEventQueue interface {
	PublishTurn(ctx context.Context, ev TurnEvent) error
}

// TurnEvent is the analytics record of one completed turn.
type TurnEvent struct {
	TurnID     string    `json:"turn_id"`
	SessionID  string    `json:"session_id"`
	Role       Role      `json:"role"`
	InputType  string    `json:"input_type"`
	Overloaded bool      `json:"overloaded"`
	Attempts   int       `json:"attempts"`
	Actions    []string  `json:"actions"`
	CreatedAt  time.Time `json:"created_at"`
}
