package http

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog"

	"github.com/artem13815/chatrelay/api/http/presenter"
	"github.com/artem13815/chatrelay/pkg/config"
	"github.com/artem13815/chatrelay/pkg/security/jwt"
)

// NewApp creates the Fiber app with the common middleware chain:
// panic recovery, request id, request logging and CORS.
func NewApp(log zerolog.Logger, allowedOrigins string) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "chatrelay",
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(RequestLogger(log))
	app.Use(CORS(allowedOrigins))
	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return presenter.Error(c, fe.Code, fe.Message)
	}
	return presenter.ErrorCode(c, fiber.StatusInternalServerError, "internal_error", "внутренняя ошибка сервера")
}

// RequestLogger puts a request-scoped logger into the user context and logs
// one line per request once the handler returns.
func RequestLogger(base zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		rid, _ := c.Locals(requestid.ConfigDefault.ContextKey).(string)
		log := base.With().Str("request_id", rid).Logger()
		c.SetUserContext(log.WithContext(c.UserContext()))

		err := c.Next()

		status := c.Response().StatusCode()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
		ev := log.Info()
		if status >= fiber.StatusInternalServerError || (err != nil && fe == nil) {
			ev = log.Error().Err(err)
		}
		ev.Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("request")
		return err
	}
}

// CORS allows the configured comma-separated origins. Credentials are only
// allowed with an explicit origin list.
func CORS(origins string) fiber.Handler {
	origins = strings.TrimSpace(origins)
	if origins == "" {
		origins = "*"
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Request-ID",
		ExposeHeaders:    "X-Request-ID",
		AllowCredentials: origins != "*",
	})
}

// ChatLimiter limits message submissions per authenticated user, falling back
// to the client IP. A nil storage keeps counters in process memory.
func ChatLimiter(rate config.Rate, storage fiber.Storage) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        rate.Max,
		Expiration: rate.Window,
		KeyGenerator: func(c *fiber.Ctx) string {
			if id, ok := jwt.UserID(c); ok {
				return "chat:user:" + id.String()
			}
			return "chat:ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return presenter.ErrorCode(c, fiber.StatusTooManyRequests, "rate_limited", "слишком много запросов, попробуйте позже")
		},
		Storage: storage,
	})
}
