// @title         chatrelay API
// @version       1.0
// @description   Сервис диалогов с LLM: хранит историю, собирает контекст и отдаёт ответы модели целиком или потоком (SSE).
// @BasePath      /api/v1
// @schemes       http
// @host          localhost:8080
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Токен авторизации. Поддерживаются форматы: "Bearer <JWT>" или "<JWT>".
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	swagger "github.com/gofiber/swagger"
	"github.com/rs/zerolog"

	// internal imports
	"github.com/artem13815/chatrelay/api/http"
	"github.com/artem13815/chatrelay/api/http/handlers"
	_ "github.com/artem13815/chatrelay/docs"
	"github.com/artem13815/chatrelay/pkg/chat"
	"github.com/artem13815/chatrelay/pkg/config"
	"github.com/artem13815/chatrelay/pkg/health"
	"github.com/artem13815/chatrelay/pkg/health/checkers"
	"github.com/artem13815/chatrelay/pkg/llm"
	"github.com/artem13815/chatrelay/pkg/llm/anthropic"
	"github.com/artem13815/chatrelay/pkg/llm/mock"
	"github.com/artem13815/chatrelay/pkg/llm/openrouter"
	"github.com/artem13815/chatrelay/pkg/logging"
	"github.com/artem13815/chatrelay/pkg/repository/memory"
	pgrepo "github.com/artem13815/chatrelay/pkg/repository/postgres"
	"github.com/artem13815/chatrelay/pkg/security/jwt"
	"github.com/artem13815/chatrelay/pkg/storage/postgres"
	"github.com/artem13815/chatrelay/pkg/storage/redis"
	"github.com/artem13815/chatrelay/pkg/tokens"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Load configuration from env/.env
	cfg, err := config.Load()
	log := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log := zerolog.Ctx(ctx)
	var checks []health.Checker

	// Conversation store
	var repo chat.Repository
	switch cfg.StoreDriver {
	case "memory":
		log.Warn().Msg("using in-memory store, conversations are lost on restart")
		repo = memory.NewConversationRepository()
	default:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres connect: %w", err)
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			return err
		}
		repo = pgrepo.NewConversationRepository(pool)
		checks = append(checks, checkers.NewPostgresChecker(pool))
	}

	// Rate limiter storage: shared through redis when configured
	var limiterStorage fiber.Storage
	if cfg.RedisURL != "" {
		client, err := redis.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer client.Close()
		limiterStorage = redis.NewStorage(client, "chatrelay:limiter:")
		checks = append(checks, checkers.NewRedisChecker(client))
	}

	model, err := newModel(cfg.LLM)
	if err != nil {
		return err
	}
	counter, err := tokens.New(cfg.Tokenizer)
	if err != nil {
		if counter == nil {
			return err
		}
		log.Warn().Err(err).Msg("tokenizer unavailable, falling back to heuristic counting")
	}

	opts := chat.DefaultOptions()
	opts.SystemPrompt = cfg.SystemPrompt
	opts.Window = chat.WindowPolicy{MaxTurns: cfg.ContextMaxTurns, TokenBudget: cfg.ContextTokenBudget}
	opts.Counter = counter
	opts.GenerateTimeout = cfg.LLM.Timeout
	opts.ProviderRetries = cfg.ProviderRetries
	opts.CommitRetries = cfg.CommitRetries
	opts.CancelOnDisconnect = cfg.CancelOnDisconnect
	chatUC := chat.NewService(repo, model, opts)

	// Turns left pending by a previous process or by a lost commit are never
	// finalized by their request; sweep them until shutdown.
	go chat.RunRecovery(ctx, chatUC, cfg.StalePendingSweep, cfg.StalePendingAfter)

	app := http.NewApp(*log, cfg.AllowedOrigins)
	http.Register(app,
		handlers.NewHealthHandler(health.NewService(checks...)),
		handlers.NewConversationHandler(chatUC),
		jwt.NewAuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer),
		http.ChatLimiter(cfg.RateLimitChat, limiterStorage),
	)

	// Swagger UI
	app.Get("/swagger/*", swagger.HandlerDefault)

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("port", cfg.Port).
			Str("store", cfg.StoreDriver).
			Str("provider", cfg.LLM.Provider).
			Str("rate_limit", cfg.RateLimitChat.String()).
			Msg("HTTP server listening")
		errCh <- app.Listen(":" + cfg.Port)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newModel(cfg config.LLM) (llm.ChatModel, error) {
	switch cfg.Provider {
	case "openrouter":
		return openrouter.New(openrouter.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			AppTitle:    cfg.AppTitle,
			Referer:     cfg.Referer,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}), nil
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}), nil
	case "mock":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}
