// Package postgres provides PostgreSQL database adapters.
//
// It implements the thread repository for conversation persistence with
// connection pooling and transaction support.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
)

// ThreadRepo persists conversation messages using a minimal pgx pool.
type ThreadRepo struct{ Pool PgxPool }

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// NewThreadRepo constructs a ThreadRepo with the given pool.
func NewThreadRepo(p PgxPool) *ThreadRepo { return &ThreadRepo{Pool: p} }

// RecentWindow loads the n most recent messages of a session, oldest first.
func (r *ThreadRepo) RecentWindow(ctx context.Context, sessionID string, n int) ([]domain.ChatMessage, error) {
	tracer := otel.Tracer("repo.threads")
	ctx, span := tracer.Start(ctx, "threads.RecentWindow")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "messages"),
	)
	q := `SELECT id, session_id, author, content, role, suggestions, input_type, need_clarify, created_at
	      FROM messages WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("op=threads.recent_window: %w", err)
	}
	defer rows.Close()

	msgs := make([]domain.ChatMessage, 0, n)
	for rows.Next() {
		var m domain.ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Author, &m.Content, &m.Role, &m.Suggestions, &m.InputType, &m.NeedClarify, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=threads.recent_window: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=threads.recent_window: %w", err)
	}
	// Query returns newest first; callers want chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// AppendTurn stores the user message and the bot reply atomically.
func (r *ThreadRepo) AppendTurn(ctx context.Context, userMsg, botMsg domain.ChatMessage) error {
	tracer := otel.Tracer("repo.threads")
	ctx, span := tracer.Start(ctx, "threads.AppendTurn")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "messages"),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=threads.append_turn: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO messages (id, session_id, author, content, role, suggestions, input_type, need_clarify, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	for _, m := range []domain.ChatMessage{userMsg, botMsg} {
		id := m.ID
		if id == "" {
			id = uuid.New().String()
		}
		created := m.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx, q, id, m.SessionID, m.Author, m.Content, m.Role, m.Suggestions, m.InputType, m.NeedClarify, created); err != nil {
			return fmt.Errorf("op=threads.append_turn: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=threads.append_turn: commit: %w", err)
	}
	return nil
}

// CountBySession returns the number of stored messages for a session.
func (r *ThreadRepo) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	tracer := otel.Tracer("repo.threads")
	ctx, span := tracer.Start(ctx, "threads.CountBySession")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "COUNT"),
		attribute.String("db.sql.table", "messages"),
	)
	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE session_id=$1`, sessionID)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("op=threads.count_by_session: %w", err)
	}
	return count, nil
}
