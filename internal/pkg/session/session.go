package session

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/gofiber/storage/redis"

	"github.com/coachly/coachly/internal/pkg/cache"
	"github.com/coachly/coachly/internal/pkg/env"
)

// Session key under which the Supabase access token is mirrored so that
// browser redirects (checkout success) can authenticate without a bearer
// header.
const KeyAccessToken = "access_token"

var sessionStore *session.Store

func NewSessionStore() *session.Store {
	cfg := session.Config{
		CookieHTTPOnly: true,
		Expiration:     time.Hour * 1,
		KeyLookup:      "cookie:session_id",
	}
	// Fall back to fiber's in-memory storage when Redis is unreachable so
	// local development and tests run without it.
	if storage := redisStorage(); storage != nil {
		cfg.Storage = storage
	}

	sessionStore = session.New(cfg)
	return sessionStore
}

// redisStorage builds the Redis session storage on database 1 (the cache uses
// DB 0), reusing the cache client's connection settings. Returns nil when
// Redis cannot be reached.
func redisStorage() fiber.Storage {
	cacheClient := cache.GetClient()
	if cacheClient == nil {
		return nil
	}
	if err := cacheClient.Ping(context.Background()).Err(); err != nil {
		log.Printf("session: redis unavailable, using in-memory session store: %v", err)
		return nil
	}

	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	addr := cacheClient.Options().Addr
	if h, p, err := net.SplitHostPort(addr); err == nil {
		host = h
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}
	// Prefer password from the underlying client if present
	if p := cacheClient.Options().Password; p != "" {
		password = p
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}

func GetSessionStore() *session.Store {
	return sessionStore
}

// SetSessionValue stores a key-value pair in the user's individual session
func SetSessionValue(c *fiber.Ctx, key string, value string) error {
	if sessionStore == nil {
		return fmt.Errorf("session store not initialized")
	}

	sess, err := sessionStore.Get(c)
	if err != nil {
		return fmt.Errorf("failed to get session: %v", err)
	}

	sess.Set(key, value)
	return sess.Save()
}

// GetSessionValue retrieves a value by key from the user's individual session
func GetSessionValue(c *fiber.Ctx, key string) string {
	if sessionStore == nil {
		return ""
	}

	sess, err := sessionStore.Get(c)
	if err != nil {
		return ""
	}

	value := sess.Get(key)
	if value == nil {
		return ""
	}

	if strValue, ok := value.(string); ok {
		return strValue
	}

	return ""
}
