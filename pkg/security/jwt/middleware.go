package jwt

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Locals keys set by the middleware.
const (
	LocalUserID  = "userId"
	LocalIsAdmin = "isAdmin"
)

func unauthorized(c *fiber.Ctx, message string) error {
	return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"message": message, "code": "unauthorized"})
}

// NewAuthMiddleware returns a Fiber middleware that validates Bearer JWT (HS256).
// On success sets user id (subject) into c.Locals("userId").
func NewAuthMiddleware(secret, expectedIssuer string) fiber.Handler {
	secretBytes := []byte(secret)
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return unauthorized(c, "missing Authorization header")
		}
		// Support both "Bearer <token>" and "<token>" (no prefix).
		tokenStr := strings.TrimSpace(authHeader)
		if parts := strings.SplitN(tokenStr, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			tokenStr = strings.TrimSpace(parts[1])
		}
		if tokenStr == "" {
			return unauthorized(c, "empty token")
		}
		token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fiber.ErrUnauthorized
			}
			return secretBytes, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
		if err != nil || !token.Valid {
			return unauthorized(c, "invalid or expired token")
		}
		claims, ok := token.Claims.(*Claims)
		if !ok {
			return unauthorized(c, "invalid token claims")
		}
		if expectedIssuer != "" && claims.Issuer != expectedIssuer {
			return unauthorized(c, "invalid token issuer")
		}
		if _, err := uuid.Parse(claims.Subject); err != nil {
			return unauthorized(c, "invalid token subject")
		}
		c.Locals(LocalUserID, claims.Subject)
		if claims.IsAdmin {
			c.Locals(LocalIsAdmin, true)
		}
		return c.Next()
	}
}

// IsAdmin reports whether the token carried the is_admin claim.
func IsAdmin(c *fiber.Ctx) bool {
	isAdmin, _ := c.Locals(LocalIsAdmin).(bool)
	return isAdmin
}

// UserID returns the authenticated subject set by NewAuthMiddleware.
func UserID(c *fiber.Ctx) (uuid.UUID, bool) {
	s, ok := c.Locals(LocalUserID).(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
