package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"polychat/internal/chat"
	"polychat/internal/config"
	"polychat/internal/conversation"
	"polychat/internal/history"
	"polychat/internal/httpapi"
	"polychat/internal/ledger"
	"polychat/internal/metrics"
	"polychat/internal/orchestrator"
	"polychat/internal/providers/registry"
	"polychat/internal/queue"
	"polychat/internal/secrets"
	"polychat/internal/storage"
	"polychat/internal/telegram"
	"polychat/internal/worker"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "seal" {
		if err := runSeal(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Bool("telegram", cfg.TelegramEnabled()).
		Bool("dev_polling", cfg.Telegram.DevPolling).
		Msg("starting polychat")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	keyring, err := newKeyring(cfg.Crypto)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize keyring")
	}
	models, err := buildRegistry(cfg.Providers, keyring)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build model registry")
	}
	log.Info().Strs("models", models.Names()).Msg("model registry ready")

	m := metrics.Global()
	led := ledger.New(ledger.Config{
		Store:      store,
		Logger:     log.Logger,
		LegacyMode: cfg.Ledger.LegacyReadModifyWrite,
	})
	conversations := conversation.New(conversation.Config{Store: store, Logger: log.Logger})
	orch := orchestrator.New(orchestrator.Config{
		Models: models,
		History: history.New(history.Config{
			Source:      store,
			Logger:      log.Logger,
			MaxMessages: cfg.Providers.HistoryMaxMessages,
		}),
		Ledger:          led,
		Logger:          log.Logger,
		ProviderTimeout: cfg.Providers.Timeout,
		VendorRPS:       cfg.Providers.VendorRPS,
		VendorBurst:     cfg.Providers.VendorBurst,
	})
	limiter := queue.NewRateLimiter(rdb, cfg.Rate.PerHour)
	chatService := chat.New(chat.Config{
		Conversations: conversations,
		Orchestrator:  orch,
		Ledger:        led,
		RateLimiter:   limiter,
		Logger:        log.Logger,
	})
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)

	api := httpapi.New(httpapi.Config{
		Chat:          chatService,
		Conversations: conversations,
		Models:        models,
		Health:        store,
		Logger:        log.Logger,
		HealthPath:    cfg.HTTP.HealthPath,
		MetricsPath:   cfg.HTTP.MetricsPath,
	})

	errCh := make(chan error, 4)
	var bot *gotgbot.Bot
	var updater *ext.Updater
	if cfg.TelegramEnabled() {
		bot, err = gotgbot.NewBot(cfg.Telegram.BotToken, nil)
		if err != nil {
			log.Fatal().Msg(sanitizeTelegramErr(err, cfg.Telegram.BotToken))
		}
		log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")
	}

	runIngress := bot != nil && cfg.AppMode != config.ModeWorker
	if runIngress {
		logTelegramErr := func(err error) {
			log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, cfg.Telegram.BotToken))
		}
		allowedUserID := int64(0)
		if cfg.Telegram.AccessMode == config.AccessModePrivate {
			allowedUserID = cfg.Telegram.AdminUserID
		}
		dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
			MaxRoutines:      100,
			UnhandledErrFunc: logTelegramErr,
			Processor: telegram.Processor{
				Dedupe:        queue.NewUpdateDeduplicator(rdb, cfg.Redis.UpdateTTL),
				Metrics:       m,
				Logger:        log.Logger,
				AllowedUserID: allowedUserID,
			},
		})
		defaults := cfg.Providers.DefaultModels
		if len(defaults) == 0 && models.Len() > 0 {
			defaults = models.Names()[:1]
		}
		telegram.NewService(telegram.Config{
			Queue:             jobQueue,
			Conversations:     conversations,
			Ledger:            led,
			Models:            models,
			Allowance:         limiter,
			Logger:            log.Logger,
			Metrics:           m,
			DefaultModels:     defaults,
			DefaultAllocation: cfg.Ledger.DefaultAllocation,
		}).Register(dispatcher)
		updater = ext.NewUpdater(dispatcher, &ext.UpdaterOpts{UnhandledErrFunc: logTelegramErr})

		if cfg.Telegram.DevPolling {
			if err := updater.StartPolling(bot, &ext.PollingOpts{
				EnableWebhookDeletion: true,
				DropPendingUpdates:    true,
				GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
					Timeout: 50,
					RequestOpts: &gotgbot.RequestOpts{
						Timeout: 60 * time.Second,
					},
				},
			}); err != nil {
				log.Fatal().Err(err).Msg("failed to start polling")
			}
			log.Info().Msg("polling mode started")
		} else {
			if cfg.Telegram.WebhookURL == "" {
				log.Fatal().Msg("WEBHOOK_URL is required unless DEV_POLLING is set")
			}
			path := cfg.Telegram.SecretPath
			if path == "" {
				path = "telegram"
			}
			if err := updater.AddWebhook(bot, path, &ext.AddWebhookOpts{SecretToken: cfg.Telegram.SecretToken}); err != nil {
				log.Fatal().Err(err).Msg("failed to configure webhook handler")
			}
			webhookURL := strings.TrimSuffix(cfg.Telegram.WebhookURL, "/") + "/" + path
			if _, err := bot.SetWebhook(webhookURL, &gotgbot.SetWebhookOpts{SecretToken: cfg.Telegram.SecretToken}); err != nil {
				log.Fatal().Msg(sanitizeTelegramErr(err, cfg.Telegram.BotToken))
			}
			api.Handle("POST /"+path, updater.GetHandlerFunc("/"))
			log.Info().Str("webhook_url", webhookURL).Msg("webhook registered")
		}
	}

	var httpServer *http.Server
	if cfg.AppMode != config.ModeWorker {
		httpServer = &http.Server{
			Addr:              cfg.HTTP.ListenAddr,
			Handler:           api,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.Telegram.WebhookTimeout,
			WriteTimeout:      cfg.HTTP.WriteTimeout,
		}
		go func() {
			log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if bot != nil && cfg.AppMode != config.ModeAPI {
		w := worker.New(worker.Config{
			Asker:         chatService,
			Notifier:      telegram.Notifier{Bot: bot},
			Queue:         jobQueue,
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger,
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if updater != nil {
		if err := updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop http server")
		}
	}

	log.Info().Msg("stopped")
}

func newKeyring(cc config.CryptoConfig) (*secrets.Keyring, error) {
	if len(cc.Keys) == 0 {
		return nil, nil
	}
	return secrets.NewKeyring(cc.CurrentKeyID, cc.Keys)
}

// buildRegistry merges the built-in catalog with MODELS_JSON after opening any
// sealed api keys.
func buildRegistry(pc config.ProvidersConfig, keyring *secrets.Keyring) (*registry.Registry, error) {
	var keys registry.Keys
	for _, k := range []struct {
		name string
		in   string
		out  *string
	}{
		{"OPENAI_API_KEY", pc.OpenAIKey, &keys.OpenAI},
		{"DEEPSEEK_API_KEY", pc.DeepSeekKey, &keys.DeepSeek},
		{"ANTHROPIC_API_KEY", pc.AnthropicKey, &keys.Anthropic},
	} {
		v, err := keyring.Resolve(k.in)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", k.name, err)
		}
		*k.out = v
	}

	extra, err := registry.ParseModelSpecs(pc.ModelsJSON)
	if err != nil {
		return nil, err
	}
	for i := range extra {
		v, err := keyring.Resolve(extra[i].APIKey)
		if err != nil {
			return nil, fmt.Errorf("resolve api key of %q: %w", extra[i].Name, err)
		}
		extra[i].APIKey = v
	}
	return registry.FromSpecs(append(registry.DefaultCatalog(keys), extra...), nil)
}

// runSeal prints the sealed form of each argument under the current master key.
func runSeal(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: polychat seal <value>...")
	}
	cc, err := config.LoadCrypto()
	if err != nil {
		return err
	}
	if len(cc.Keys) == 0 {
		return secrets.ErrNoKeyring
	}
	keyring, err := secrets.NewKeyring(cc.CurrentKeyID, cc.Keys)
	if err != nil {
		return err
	}
	for _, a := range args {
		var out string
		if secrets.IsSealed(a) {
			out, err = keyring.Reseal(a)
		} else {
			out, err = keyring.Seal(a)
		}
		if err != nil {
			return err
		}
		fmt.Println(out)
	}
	return nil
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
