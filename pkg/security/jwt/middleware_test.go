package jwt_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artem13815/chatrelay/pkg/security/jwt"
)

const (
	secret = "test-secret"
	issuer = "chatrelay"
)

func newApp() *fiber.App {
	app := fiber.New()
	app.Use(jwt.NewAuthMiddleware(secret, issuer))
	app.Get("/me", func(c *fiber.Ctx) error {
		id, ok := jwt.UserID(c)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.SendString(id.String())
	})
	return app
}

func call(t *testing.T, app *fiber.App, header string) int {
	t.Helper()
	req := httptest.NewRequest("GET", "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestAuthMiddleware(t *testing.T) {
	app := newApp()
	subject := uuid.New()
	token, err := jwt.NewGenerator(secret, issuer, time.Hour).Generate(context.Background(), subject, false)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusOK, call(t, app, "Bearer "+token))
	assert.Equal(t, fiber.StatusOK, call(t, app, token))
	assert.Equal(t, fiber.StatusUnauthorized, call(t, app, ""))
	assert.Equal(t, fiber.StatusUnauthorized, call(t, app, "Bearer "))
	assert.Equal(t, fiber.StatusUnauthorized, call(t, app, "Bearer garbage"))
}

func TestAuthMiddlewareRejectsForeignTokens(t *testing.T) {
	app := newApp()

	wrongSecret, err := jwt.NewGenerator("other", issuer, time.Hour).Generate(context.Background(), uuid.New(), false)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, call(t, app, "Bearer "+wrongSecret))

	wrongIssuer, err := jwt.NewGenerator(secret, "someone-else", time.Hour).Generate(context.Background(), uuid.New(), false)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, call(t, app, "Bearer "+wrongIssuer))

	expired, err := jwt.NewGenerator(secret, issuer, -time.Minute).Generate(context.Background(), uuid.New(), false)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, call(t, app, "Bearer "+expired))
}

func TestAuthMiddlewareAdminClaim(t *testing.T) {
	app := fiber.New()
	app.Use(jwt.NewAuthMiddleware(secret, issuer))
	app.Get("/admin", func(c *fiber.Ctx) error {
		if !jwt.IsAdmin(c) {
			return c.SendStatus(fiber.StatusForbidden)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
	gen := jwt.NewGenerator(secret, issuer, time.Hour)

	for isAdmin, want := range map[bool]int{true: fiber.StatusNoContent, false: fiber.StatusForbidden} {
		token, err := gen.Generate(context.Background(), uuid.New(), isAdmin)
		require.NoError(t, err)
		req := httptest.NewRequest("GET", "/admin", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, want, resp.StatusCode, "isAdmin=%v", isAdmin)
	}
}
