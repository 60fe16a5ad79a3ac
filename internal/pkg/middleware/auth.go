package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/coachly/coachly/internal/pkg/identity"
	"github.com/coachly/coachly/internal/pkg/session"
	"github.com/coachly/coachly/internal/pkg/usercontext"
)

const resolveTimeout = 10 * time.Second

// AccountAuthMiddleware authenticates requests against the identity provider.
// It accepts a bearer token and falls back to the access token mirrored in
// the web session, so browser redirects (checkout success) work without a
// header. Every resolution failure is a uniform 401.
func AccountAuthMiddleware(resolver *identity.Resolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := extractBearerToken(c)
		fromHeader := token != ""
		if token == "" {
			token = session.GetSessionValue(c, session.KeyAccessToken)
		}
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing access token"})
		}

		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		defer cancel()

		principal, err := resolver.ResolveToken(ctx, token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid access token"})
		}

		// Mirror header tokens into the session so the browser can come back
		// through the checkout success redirect with only its cookie.
		if fromHeader {
			_ = session.SetSessionValue(c, session.KeyAccessToken, token)
		}

		userCtx := usercontext.UserContext{
			UserID:         principal.ID,
			Email:          principal.Email,
			Name:           principal.Name,
			EmailConfirmed: principal.EmailConfirmed,
			IsLoggedIn:     true,
		}
		c.Locals("USER_CONTEXT", userCtx)
		c.Locals(usercontext.KeyFromProtected, true)
		c.Locals(usercontext.KeyUserID, principal.ID)
		c.Locals(usercontext.KeyEmail, principal.Email)

		return c.Next()
	}
}

func extractBearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
