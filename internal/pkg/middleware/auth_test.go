package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachly/coachly/internal/pkg/identity"
	"github.com/coachly/coachly/internal/pkg/session"
	"github.com/coachly/coachly/internal/pkg/usercontext"
)

const authTestSecret = "super-secret-jwt-token-with-at-least-32-characters"

func signAccessToken(t *testing.T, userID, email string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(authTestSecret))
	require.NoError(t, err)
	return signed
}

func authTestApp(t *testing.T) *fiber.App {
	t.Helper()
	session.NewSessionStore()

	resolver := identity.NewResolver("", "", authTestSecret)
	app := fiber.New()
	app.Get("/me", AccountAuthMiddleware(resolver), func(c *fiber.Ctx) error {
		uc := usercontext.GetUserContext(c)
		return c.JSON(fiber.Map{"user_id": uc.UserID, "email": uc.Email})
	})
	return app
}

func TestAuthMissingCredentials(t *testing.T) {
	app := authTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestAuthInvalidBearerToken(t *testing.T) {
	app := authTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestAuthSessionCookieFallback(t *testing.T) {
	app := authTestApp(t)
	token := signAccessToken(t, "user-1", "a@b.test")

	// First request authenticates with the bearer header and mirrors the
	// token into a fresh session.
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "session_id" {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie, "expected a session cookie on the bearer response")

	// Second request carries only the cookie, as the browser does on the
	// checkout success redirect.
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(sessionCookie)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "user-1")
	assert.Contains(t, string(body), "a@b.test")
}
