package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

func newID() string {
	return uuid.NewString()
}

func (s *Store) CreateConversation(ctx context.Context, ownerID, title string) (Conversation, error) {
	if strings.TrimSpace(title) == "" {
		title = "New chat"
	}
	now := s.now()
	c := Conversation{ID: newID(), OwnerID: ownerID, Title: title, CreatedAt: now, UpdatedAt: now}
	if err := s.insertConversation(ctx, c); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// EnsureConversation creates the conversation with a caller-chosen id when it
// does not exist yet. Existing rows are left untouched.
func (s *Store) EnsureConversation(ctx context.Context, id, ownerID, title string) error {
	if strings.TrimSpace(title) == "" {
		title = "New chat"
	}
	now := s.now()
	q := s.sql.Insert("conversations").
		Columns("id", "owner_id", "title", "created_at", "updated_at").
		Values(id, ownerID, title, now, now).
		Suffix("ON CONFLICT(id) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build ensure conversation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

func (s *Store) insertConversation(ctx context.Context, c Conversation) error {
	q := s.sql.Insert("conversations").
		Columns("id", "owner_id", "title", "created_at", "updated_at").
		Values(c.ID, c.OwnerID, c.Title, c.CreatedAt, c.UpdatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create conversation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	q := s.sql.Select("id", "owner_id", "title", "created_at", "updated_at").
		From("conversations").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build get conversation query: %w", err)
	}
	var c Conversation
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, ownerID string) ([]Conversation, error) {
	q := s.sql.Select("id", "owner_id", "title", "created_at", "updated_at").
		From("conversations").
		Where(sq.Eq{"owner_id": ownerID}).
		OrderBy("updated_at DESC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list conversations query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *Store) TouchConversation(ctx context.Context, id string) error {
	q := s.sql.Update("conversations").
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build touch conversation query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes the conversation together with its prompts and
// responses in one transaction; it does not rely on driver-level cascades.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete conversation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"responses", "prompts"} {
		sqlStr, args, err := s.sql.Delete(table).Where(sq.Eq{"conversation_id": id}).ToSql()
		if err != nil {
			return fmt.Errorf("build delete %s query: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}

	sqlStr, args, err := s.sql.Delete("conversations").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete conversation query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}

func (s *Store) InsertPrompt(ctx context.Context, conversationID, content string, models []string) (Prompt, error) {
	if models == nil {
		models = []string{}
	}
	modelsJSON, err := json.Marshal(models)
	if err != nil {
		return Prompt{}, fmt.Errorf("marshal selected models: %w", err)
	}
	p := Prompt{
		ID:             newID(),
		ConversationID: conversationID,
		Content:        content,
		SelectedModels: models,
		CreatedAt:      s.now(),
	}
	q := s.sql.Insert("prompts").
		Columns("id", "conversation_id", "content", "selected_models", "created_at").
		Values(p.ID, p.ConversationID, p.Content, string(modelsJSON), p.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Prompt{}, fmt.Errorf("build insert prompt query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Prompt{}, fmt.Errorf("insert prompt: %w", err)
	}
	return p, nil
}

func (s *Store) ListPrompts(ctx context.Context, conversationID string) ([]Prompt, error) {
	q := s.sql.Select("id", "conversation_id", "content", "selected_models", "created_at").
		From("prompts").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("created_at ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list prompts query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	out := make([]Prompt, 0)
	for rows.Next() {
		var p Prompt
		var modelsJSON string
		if err := rows.Scan(&p.ID, &p.ConversationID, &p.Content, &modelsJSON, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan prompt row: %w", err)
		}
		if strings.TrimSpace(modelsJSON) != "" {
			if err := json.Unmarshal([]byte(modelsJSON), &p.SelectedModels); err != nil {
				return nil, fmt.Errorf("decode selected models of prompt %s: %w", p.ID, err)
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompt rows: %w", err)
	}
	return out, nil
}

// InsertResponse stores one model answer. A nil promptID writes an unlinked row.
func (s *Store) InsertResponse(ctx context.Context, conversationID string, promptID *string, model, content string, tokens int64) (Response, error) {
	r := Response{
		ID:             newID(),
		ConversationID: conversationID,
		PromptID:       promptID,
		Content:        content,
		ModelUsed:      model,
		TokensUsed:     tokens,
		CreatedAt:      s.now(),
	}
	q := s.sql.Insert("responses").
		Columns("id", "conversation_id", "prompt_id", "content", "model_used", "tokens_used", "created_at").
		Values(r.ID, r.ConversationID, r.PromptID, r.Content, r.ModelUsed, r.TokensUsed, r.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Response{}, fmt.Errorf("build insert response query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Response{}, fmt.Errorf("insert response: %w", err)
	}
	return r, nil
}

func (s *Store) ListResponses(ctx context.Context, conversationID string) ([]Response, error) {
	q := s.sql.Select("id", "conversation_id", "prompt_id", "content", "model_used", "tokens_used", "created_at").
		From("responses").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("created_at ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list responses query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	out := make([]Response, 0)
	for rows.Next() {
		var r Response
		var promptID sql.NullString
		if err := rows.Scan(&r.ID, &r.ConversationID, &promptID, &r.Content, &r.ModelUsed, &r.TokensUsed, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan response row: %w", err)
		}
		if promptID.Valid && promptID.String != "" {
			r.PromptID = &promptID.String
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate response rows: %w", err)
	}
	return out, nil
}
