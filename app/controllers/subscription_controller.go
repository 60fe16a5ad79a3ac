package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/coachly/coachly/app/models"
	"github.com/coachly/coachly/internal/pkg/billing"
	"github.com/coachly/coachly/internal/pkg/cache"
	"github.com/coachly/coachly/internal/pkg/usercontext"
)

const (
	requestTimeout = 15 * time.Second
	statusCacheTTL = 30 * time.Second
)

// SubscriptionController serves the authenticated subscription routes. All
// dependencies are injected at startup; handlers hold no package state.
type SubscriptionController struct {
	svc      *billing.Service
	checkout *billing.CheckoutService
}

func NewSubscriptionController(svc *billing.Service, checkout *billing.CheckoutService) *SubscriptionController {
	return &SubscriptionController{svc: svc, checkout: checkout}
}

type checkoutRequest struct {
	PriceID string `json:"priceId" validate:"required"`
}

// HandleCheckout starts a billing checkout for the chosen plan.
func (sc *SubscriptionController) HandleCheckout(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Login required")
	}

	var req checkoutRequest
	if err := parseAndValidate(c, &req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "priceId is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	result, err := sc.checkout.StartCheckout(ctx, userCtx.UserID, userCtx.Email, userCtx.Name, req.PriceID)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrNotConfigured):
			return jsonError(c, fiber.StatusServiceUnavailable, "billing_not_configured", "Billing is not configured")
		case errors.Is(err, billing.ErrPlanNotFound):
			return jsonError(c, fiber.StatusNotFound, "plan_not_found", "No such plan")
		case errors.Is(err, billing.ErrAlreadySubscribed):
			return jsonError(c, fiber.StatusConflict, "already_subscribed", "An active subscription already exists")
		default:
			return jsonError(c, fiber.StatusInternalServerError, "checkout_failed", "Failed to create checkout session")
		}
	}

	return c.Status(fiber.StatusOK).JSON(result)
}

// HandleCancel flags the subscription for cancellation at period end. The
// status stays unchanged until the provider's deletion event arrives.
func (sc *SubscriptionController) HandleCancel(c *fiber.Ctx) error {
	return sc.handleCancelFlag(c, true)
}

// HandleReactivate clears the cancel-at-period-end flag.
func (sc *SubscriptionController) HandleReactivate(c *fiber.Ctx) error {
	return sc.handleCancelFlag(c, false)
}

func (sc *SubscriptionController) handleCancelFlag(c *fiber.Ctx, cancelFlag bool) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Login required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var (
		sub *models.Subscription
		err error
	)
	if cancelFlag {
		sub, err = sc.checkout.Cancel(ctx, userCtx.UserID)
	} else {
		sub, err = sc.checkout.Reactivate(ctx, userCtx.UserID)
	}
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrNotConfigured):
			return jsonError(c, fiber.StatusServiceUnavailable, "billing_not_configured", "Billing is not configured")
		case errors.Is(err, billing.ErrNoSubscription):
			return jsonError(c, fiber.StatusNotFound, "not_found", "No subscription found")
		default:
			return jsonError(c, fiber.StatusInternalServerError, "update_failed", "Failed to update subscription")
		}
	}

	InvalidateStatusCache(userCtx.UserID)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"success":              true,
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"current_period_end":   sub.CurrentPeriodEnd,
	})
}

type statusResponse struct {
	Configured   bool                       `json:"configured"`
	Subscription *models.Subscription       `json:"subscription"`
	Transactions []models.CreditTransaction `json:"transactions"`
	Balance      int64                      `json:"balance"`
}

// HandleStatus returns the subscription, recent transactions and the clamped
// credit balance. Responses are cached briefly; every reconciler write for
// the user invalidates the entry.
func (sc *SubscriptionController) HandleStatus(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Login required")
	}

	if cached, err := cache.Get(statusCacheKey(userCtx.UserID)); err == nil && cached != "" {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Status(fiber.StatusOK).SendString(cached)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp := statusResponse{
		Configured:   sc.checkout != nil && sc.svc != nil,
		Transactions: []models.CreditTransaction{},
	}

	sub, err := sc.svc.CurrentSubscription(ctx, userCtx.UserID)
	if err != nil && !errors.Is(err, billing.ErrNoSubscription) {
		return jsonError(c, fiber.StatusInternalServerError, "status_failed", "Failed to load subscription")
	}
	resp.Subscription = sub

	if txs, err := sc.svc.Transactions(ctx, userCtx.UserID, 50); err == nil {
		resp.Transactions = txs
	}
	if balance, err := sc.svc.Balance(ctx, userCtx.UserID); err == nil {
		resp.Balance = balance
	}

	if body, err := json.Marshal(resp); err == nil {
		_ = cache.Set(statusCacheKey(userCtx.UserID), string(body), statusCacheTTL)
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// HandleCurrent returns the raw subscription row, or null when none exists.
func (sc *SubscriptionController) HandleCurrent(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Login required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	sub, err := sc.svc.CurrentSubscription(ctx, userCtx.UserID)
	if err != nil {
		if errors.Is(err, billing.ErrNoSubscription) {
			return c.Status(fiber.StatusOK).JSON(nil)
		}
		return jsonError(c, fiber.StatusInternalServerError, "status_failed", "Failed to load subscription")
	}
	return c.Status(fiber.StatusOK).JSON(sub)
}

// HandleCheckoutSuccess finalizes local records for a completed checkout.
// Reached by browser redirect, so session-cookie auth works here too.
func (sc *SubscriptionController) HandleCheckoutSuccess(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Login required")
	}

	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "session_id is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	summary, err := sc.checkout.FinalizeSuccess(ctx, userCtx.UserID, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrNotConfigured):
			return jsonError(c, fiber.StatusServiceUnavailable, "billing_not_configured", "Billing is not configured")
		case errors.Is(err, billing.ErrPlanNotFound):
			return jsonError(c, fiber.StatusNotFound, "plan_not_found", "Checkout session references no known plan")
		case errors.Is(err, billing.ErrNoSubscription):
			return jsonError(c, fiber.StatusBadRequest, "bad_request", "Checkout session has no subscription")
		default:
			return jsonError(c, fiber.StatusBadRequest, "finalize_failed", "Failed to finalize checkout")
		}
	}

	InvalidateStatusCache(userCtx.UserID)
	return c.Status(fiber.StatusOK).JSON(summary)
}

func statusCacheKey(userID string) string {
	return "billing:status:" + userID
}

// InvalidateStatusCache drops the cached status payload. The reconciler calls
// this for every user whose billing state a webhook changed.
func InvalidateStatusCache(userID string) {
	_ = cache.Delete(statusCacheKey(userID))
}
