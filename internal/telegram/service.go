package telegram

import (
	"context"
	"strconv"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"polychat/internal/ledger"
	"polychat/internal/metrics"
	"polychat/internal/queue"
)

// chatNamespace scopes the deterministic conversation ids of telegram chats.
var chatNamespace = uuid.MustParse("6f1c2b2e-8f5e-4d8a-9d4b-2a7f0c3e9b11")

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.AskJob) (string, error)
}

type Conversations interface {
	EnsureConversation(ctx context.Context, id, owner, title string) error
}

type Ledger interface {
	Balance(ctx context.Context, principal string) (ledger.Balance, error)
	EnsurePrincipal(ctx context.Context, principal string, allocation int64) error
}

type AskAllowance interface {
	Remaining(ctx context.Context, principal string, now time.Time) (int64, time.Time, error)
}

type Models interface {
	Names() []string
}

type Service struct {
	queue             Enqueuer
	conversations     Conversations
	ledger            Ledger
	models            Models
	allowance         AskAllowance
	logger            zerolog.Logger
	metrics           *metrics.Metrics
	defaultModels     []string
	defaultAllocation int64
	timeout           time.Duration
}

type Config struct {
	Queue         Enqueuer
	Conversations Conversations
	Ledger        Ledger
	Models        Models
	// Allowance is optional; /balance then also shows asks left this hour.
	Allowance AskAllowance
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	// DefaultModels are used when /ask names no models.
	DefaultModels     []string
	DefaultAllocation int64
	Timeout           time.Duration
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Service{
		queue:             cfg.Queue,
		conversations:     cfg.Conversations,
		ledger:            cfg.Ledger,
		models:            cfg.Models,
		allowance:         cfg.Allowance,
		logger:            cfg.Logger.With().Str("component", "telegram").Logger(),
		metrics:           m,
		defaultModels:     cfg.DefaultModels,
		defaultAllocation: cfg.DefaultAllocation,
		timeout:           cfg.Timeout,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("start", s.help))
	d.AddHandler(handlers.NewCommand("ask", s.ask))
	d.AddHandler(handlers.NewCommand("models", s.listModels))
	d.AddHandler(handlers.NewCommand("balance", s.balance))
}

func PrincipalForUser(userID int64) string {
	return ledger.UserPrincipal("tg" + strconv.FormatInt(userID, 10))
}

// ConversationForChat maps a telegram chat onto a stable conversation id.
func ConversationForChat(chatID int64) string {
	return uuid.NewSHA1(chatNamespace, []byte("telegram:"+strconv.FormatInt(chatID, 10))).String()
}
