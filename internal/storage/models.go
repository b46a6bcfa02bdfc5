package storage

import "time"

type Conversation struct {
	ID        string
	OwnerID   string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Prompt struct {
	ID             string
	ConversationID string
	Content        string
	SelectedModels []string
	CreatedAt      time.Time
}

// Response.PromptID is nil for rows written without prompt linkage (legacy
// guest rows); readers fall back to timestamp pairing for those.
type Response struct {
	ID             string
	ConversationID string
	PromptID       *string
	Content        string
	ModelUsed      string
	TokensUsed     int64
	CreatedAt      time.Time
}

type Quota struct {
	PrincipalID     string
	AvailableTokens int64
	AllocatedTokens int64
	UpdatedAt       time.Time
}
