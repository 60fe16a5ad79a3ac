package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/coachly/coachly/app/controllers"
	"github.com/coachly/coachly/internal/pkg/billing"
	"github.com/coachly/coachly/internal/pkg/database"
	"github.com/coachly/coachly/internal/pkg/identity"
	"github.com/coachly/coachly/internal/pkg/middleware"
	"github.com/coachly/coachly/internal/pkg/session"
)

type ApiRouter struct {
	subscriptions *controllers.SubscriptionController
	webhooks      *controllers.WebhookController
	resolver      *identity.Resolver
}

// NewApiRouter constructs every billing collaborator and injects it where it
// is used. Nothing below the router layer reaches for package singletons.
func NewApiRouter() *ApiRouter {
	svc := billing.NewServiceFromDB(database.GetDB())
	payments := billing.NewStripeClientFromEnv()

	reconciler := billing.NewReconciler(svc, payments, payments)
	reconciler.OnUserChanged(controllers.InvalidateStatusCache)

	return &ApiRouter{
		subscriptions: controllers.NewSubscriptionController(svc, billing.NewCheckoutService(svc, payments)),
		webhooks:      controllers.NewWebhookController(reconciler),
		resolver:      identity.NewResolverFromEnv(),
	}
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	// init session store for cookie-based auth on the success redirect
	session.NewSessionStore()

	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	v1.Get("/ping", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{"ping": "pong"})
	})

	// Webhook routes authenticate by provider signature, not user identity.
	v1.Post("/webhooks/subscription", h.webhooks.HandleEvent)
	v1.Post("/webhooks/payments", h.webhooks.HandleEvent)

	auth := middleware.AccountAuthMiddleware(h.resolver)

	subs := v1.Group("/subscriptions", auth)
	subs.Post("/checkout", h.subscriptions.HandleCheckout)
	subs.Post("/cancel", h.subscriptions.HandleCancel)
	subs.Post("/reactivate", h.subscriptions.HandleReactivate)
	subs.Get("/status", h.subscriptions.HandleStatus)
	subs.Get("/current", h.subscriptions.HandleCurrent)

	v1.Get("/checkout/success", auth, h.subscriptions.HandleCheckoutSuccess)
}
