package httpapi

import (
	"time"

	"polychat/internal/chat"
	"polychat/internal/conversation"
	"polychat/internal/storage"
)

type errorJSON struct {
	Error string `json:"error"`
}

type conversationJSON struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func conversationView(c storage.Conversation) conversationJSON {
	return conversationJSON{ID: c.ID, OwnerID: c.OwnerID, Title: c.Title, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
}

type responseJSON struct {
	ID         string    `json:"id"`
	Model      string    `json:"model"`
	Content    string    `json:"content"`
	TokensUsed int64     `json:"tokens_used"`
	Pairing    string    `json:"pairing"`
	CreatedAt  time.Time `json:"created_at"`
}

type groupJSON struct {
	PromptID       string         `json:"prompt_id"`
	Content        string         `json:"content"`
	SelectedModels []string       `json:"selected_models"`
	State          string         `json:"state"`
	CreatedAt      time.Time      `json:"created_at"`
	Responses      []responseJSON `json:"responses"`
}

type threadJSON struct {
	ConversationID string         `json:"conversation_id"`
	Groups         []groupJSON    `json:"groups"`
	Unpaired       []responseJSON `json:"unpaired,omitempty"`
}

func responseView(r storage.Response, pairing string) responseJSON {
	return responseJSON{
		ID:         r.ID,
		Model:      r.ModelUsed,
		Content:    r.Content,
		TokensUsed: r.TokensUsed,
		Pairing:    pairing,
		CreatedAt:  r.CreatedAt,
	}
}

func threadView(id string, t conversation.Thread) threadJSON {
	out := threadJSON{ConversationID: id, Groups: make([]groupJSON, 0, len(t.Groups))}
	for _, g := range t.Groups {
		gj := groupJSON{
			PromptID:       g.Prompt.ID,
			Content:        g.Prompt.Content,
			SelectedModels: g.Prompt.SelectedModels,
			State:          string(g.State),
			CreatedAt:      g.Prompt.CreatedAt,
			Responses:      make([]responseJSON, 0, len(g.Responses)),
		}
		for _, r := range g.Responses {
			gj.Responses = append(gj.Responses, responseView(r.Response, string(r.Pairing)))
		}
		out.Groups = append(out.Groups, gj)
	}
	for _, r := range t.Unpaired {
		out.Unpaired = append(out.Unpaired, responseView(r, ""))
	}
	return out
}

type answerJSON struct {
	Model      string `json:"model"`
	Content    string `json:"content"`
	TokensUsed int    `json:"tokens_used"`
	ResponseID string `json:"response_id"`
}

type failureJSON struct {
	Model   string `json:"model"`
	Error   string `json:"error"`
	Timeout bool   `json:"timeout,omitempty"`
}

type askJSON struct {
	PromptID string        `json:"prompt_id"`
	Answers  []answerJSON  `json:"answers"`
	Failures []failureJSON `json:"failures,omitempty"`
	Skipped  []string      `json:"skipped,omitempty"`
	Debited  int           `json:"debited_tokens"`
	DebitErr string        `json:"debit_error,omitempty"`
	Error    string        `json:"error,omitempty"`
}

func askView(res chat.AskResult) askJSON {
	out := askJSON{
		PromptID: res.PromptID,
		Answers:  make([]answerJSON, 0, len(res.Answers)),
		Skipped:  res.Skipped,
		Debited:  res.Debited,
	}
	for _, a := range res.Answers {
		out.Answers = append(out.Answers, answerJSON{Model: a.Model, Content: a.Content, TokensUsed: a.TokensUsed, ResponseID: a.ResponseID})
	}
	for _, f := range res.Failures {
		fj := failureJSON{Model: f.Model, Timeout: f.Timeout}
		if f.Err != nil {
			fj.Error = f.Err.Error()
		}
		out.Failures = append(out.Failures, fj)
	}
	if res.DebitErr != nil {
		out.DebitErr = res.DebitErr.Error()
	}
	return out
}
