package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-medical-chat/internal/config"
	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
)

// TurnProcessor is the orchestration entry point the chat handler drives.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req domain.TurnRequest) domain.TurnResponse
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg         config.Config
	Turns       TurnProcessor
	Threads     domain.ThreadRepository
	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	QdrantCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, turns TurnProcessor, threads domain.ThreadRepository, dbCheck, redisCheck, qdrantCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Turns: turns, Threads: threads, DBCheck: dbCheck, RedisCheck: redisCheck, QdrantCheck: qdrantCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type chatRequest struct {
	SessionID string `json:"session_id" validate:"required,max=100"`
	Role      string `json:"role" validate:"required"`
	Message   string `json:"message" validate:"required,max=8000"`
}

type chatResponse struct {
	TurnID      string   `json:"turn_id"`
	Explanation string   `json:"explanation"`
	Suggestions []string `json:"suggestions"`
	InputType   string   `json:"input_type,omitempty"`
	NeedClarify bool     `json:"need_clarify"`
	Overloaded  bool     `json:"overloaded"`
}

// ChatHandler handles one conversation turn.
func (s *Server) ChatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
			writeError(w, r, fmt.Errorf("%w: content-type must be application/json", domain.ErrInvalidArgument), nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, err.Error()), nil)
			return
		}
		if vr := ValidateSessionID(req.SessionID); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid session id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		role := domain.Role(strings.ToLower(strings.TrimSpace(req.Role)))
		if !domain.ValidRole(role) {
			writeError(w, r, fmt.Errorf("%w: unknown role %q", domain.ErrInvalidArgument, req.Role), nil)
			return
		}
		message := SanitizeString(req.Message)
		if message == "" {
			writeError(w, r, fmt.Errorf("%w: message is empty", domain.ErrInvalidArgument), nil)
			return
		}

		resp := s.Turns.ProcessTurn(r.Context(), domain.TurnRequest{
			SessionID: req.SessionID,
			Role:      role,
			Input:     message,
		})
		writeJSON(w, http.StatusOK, chatResponse{
			TurnID:      resp.TurnID,
			Explanation: resp.Explanation,
			Suggestions: resp.Suggestions,
			InputType:   resp.InputType,
			NeedClarify: resp.NeedClarify,
			Overloaded:  resp.Overloaded,
		})
	}
}

type historyMessage struct {
	ID          string    `json:"id"`
	Author      string    `json:"author"`
	Content     string    `json:"content"`
	Suggestions []string  `json:"suggestions,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// HistoryHandler returns the recent messages of a session.
func (s *Server) HistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Threads == nil {
			writeError(w, r, fmt.Errorf("%w: history not available", domain.ErrNotFound), nil)
			return
		}
		sessionID := chi.URLParam(r, "sessionID")
		if vr := ValidateSessionID(sessionID); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid session id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		limit := s.Cfg.HistoryWindow
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 100 {
				writeError(w, r, fmt.Errorf("%w: limit must be between 1 and 100", domain.ErrInvalidArgument), nil)
				return
			}
			limit = n
		}
		msgs, err := s.Threads.RecentWindow(r.Context(), sessionID, limit)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: load history", domain.ErrInternal), nil)
			return
		}
		out := make([]historyMessage, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, historyMessage{
				ID:          m.ID,
				Author:      m.Author,
				Content:     m.Content,
				Suggestions: m.Suggestions,
				CreatedAt:   m.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "messages": out})
	}
}

// HealthzHandler reports process liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports dependency readiness.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		name string
		fn   func(context.Context) error
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := []check{
			{"db", s.DBCheck},
			{"redis", s.RedisCheck},
			{"qdrant", s.QdrantCheck},
		}
		status := map[string]string{}
		ready := true
		for _, c := range checks {
			if c.fn == nil {
				status[c.name] = "skipped"
				continue
			}
			if err := c.fn(ctx); err != nil {
				status[c.name] = "down"
				ready = false
				continue
			}
			status[c.name] = "ok"
		}
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"ready": ready, "checks": status})
	}
}
