package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

type Request struct {
	Model        string
	SystemPrompt string
	Prompt       string
	History      []Message
	Temperature  *float64
	MaxTokens    int
}

type Result struct {
	Content    string
	TokensUsed int
}

// Provider is one vendor adapter. Implementations make a single attempt and
// either return a complete Result or an *Error.
type Provider interface {
	Complete(ctx context.Context, req Request) (Result, error)
}

var ErrTimeout = errors.New("provider timeout")

// Error is a failed vendor call. Timeouts additionally match ErrTimeout.
type Error struct {
	Vendor string
	Err    error
}

func (e *Error) Error() string {
	return e.Vendor + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Fail(vendor string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	if isTimeout(err) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return &Error{Vendor: vendor, Err: err}
}

func Failf(vendor, format string, args ...any) error {
	return Fail(vendor, fmt.Errorf(format, args...))
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// BuildMessages renders the vendor-neutral conversation: the system message,
// prior turns with roles normalized to user/assistant, then the new prompt.
func BuildMessages(req Request) []Message {
	out := make([]Message, 0, len(req.History)+2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		out = append(out, Message{Role: RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := RoleAssistant
		if m.Role == RoleUser {
			role = RoleUser
		}
		out = append(out, Message{Role: role, Content: m.Content})
	}
	out = append(out, Message{Role: RoleUser, Content: req.Prompt})
	return out
}
