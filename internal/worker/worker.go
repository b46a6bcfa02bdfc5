package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"polychat/internal/apperr"
	"polychat/internal/chat"
	"polychat/internal/metrics"
	"polychat/internal/orchestrator"
	"polychat/internal/queue"
)

type Asker interface {
	Ask(ctx context.Context, req chat.AskRequest) (chat.AskResult, error)
}

// Notifier delivers text back to the chat a job came from.
type Notifier interface {
	Reply(ctx context.Context, chatID, replyTo int64, text string) error
}

type JobQueue interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, count int64) ([]queue.Message, error)
	Ack(ctx context.Context, messageID string) error
	Enqueue(ctx context.Context, job queue.AskJob) (string, error)
}

type Worker struct {
	asker         Asker
	notifier      Notifier
	queue         JobQueue
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Asker         Asker
	Notifier      Notifier
	Queue         JobQueue
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		asker:         cfg.Asker,
		notifier:      cfg.Notifier,
		queue:         cfg.Queue,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger.With().Str("component", "worker").Logger(),
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	if msg.Err != nil {
		log.Error().Err(msg.Err).Str("msg_id", msg.ID).Msg("dropping undecodable job")
		w.ack(ctx, log, msg.ID)
		return
	}

	err := w.processJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		w.ack(ctx, log, msg.ID)
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

	if msg.Job.Attempts < w.maxJobRetries {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		w.ack(ctx, log, msg.ID)
		return
	}

	w.notify(ctx, msg.Job, "Storage is unavailable right now. Please try again later.")
	w.ack(ctx, log, msg.ID)
}

func (w *Worker) ack(ctx context.Context, log zerolog.Logger, id string) {
	if err := w.queue.Ack(ctx, id); err != nil {
		log.Error().Err(err).Str("msg_id", id).Msg("failed to ack message")
	}
}

// processJob returns an error only when the job is safe to run again: the
// prompt could not be stored, so no model was called and nothing was spent.
func (w *Worker) processJob(ctx context.Context, job queue.AskJob) error {
	res, err := w.asker.Ask(ctx, chat.AskRequest{
		ConversationID: job.ConversationID,
		PrincipalID:    job.PrincipalID,
		Prompt:         job.Prompt,
		Models:         job.Models,
	})
	if err != nil && apperr.IsPersistence(err) && res.PromptID == "" {
		return err
	}

	for _, text := range Render(res, err) {
		w.notify(ctx, job, text)
	}
	return nil
}

func (w *Worker) notify(ctx context.Context, job queue.AskJob, text string) {
	if err := w.notifier.Reply(ctx, job.ChatID, job.MessageID, text); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.JobID).Int64("chat_id", job.ChatID).Msg("failed to deliver reply")
	}
}

// Render turns an ask outcome into chat messages: one per answering model,
// then a summary of failures and skipped models.
func Render(res chat.AskResult, err error) []string {
	var out []string
	for _, a := range res.Answers {
		text := strings.TrimSpace(a.Content)
		if text == "" {
			text = "(empty answer)"
		}
		out = append(out, fmt.Sprintf("[%s]\n%s", a.Model, text))
	}

	var notes []string
	if err != nil {
		notes = append(notes, describeError(err))
	}
	if len(res.Failures) > 0 {
		parts := make([]string, 0, len(res.Failures))
		for _, f := range res.Failures {
			reason := "error"
			if f.Timeout {
				reason = "timeout"
			}
			parts = append(parts, fmt.Sprintf("%s (%s)", f.Model, reason))
		}
		notes = append(notes, "No answer from: "+strings.Join(parts, ", "))
	}
	if len(res.Skipped) > 0 {
		notes = append(notes, "Unknown models skipped: "+strings.Join(res.Skipped, ", "))
	}
	if len(notes) > 0 {
		out = append(out, strings.Join(notes, "\n"))
	}
	return out
}

func describeError(err error) string {
	var rl *chat.RateLimitedError
	switch {
	case errors.As(err, &rl):
		return "Rate limit exceeded. Try again after " + rl.ResetAt.UTC().Format("15:04 UTC") + "."
	case errors.Is(err, orchestrator.ErrInsufficientTokens):
		return "You have no tokens left."
	case errors.Is(err, orchestrator.ErrNoKnownModels):
		return "None of the selected models is available. See /models."
	case errors.Is(err, orchestrator.ErrAllProvidersFailed):
		return "All selected models failed to answer."
	case apperr.IsValidation(err):
		return "Invalid request: " + err.Error()
	case apperr.IsPersistence(err):
		return "Answers could not be saved."
	default:
		return "Something went wrong."
	}
}
