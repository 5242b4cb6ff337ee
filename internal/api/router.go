package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/helpme-slack/internal/middleware"
)

// LinkSecretHeader carries the shared secret on the legacy token callback.
const LinkSecretHeader = "X-HelpMe-Link-Secret"

// RouterOptions collects the handlers mounted by NewRouter.
type RouterOptions struct {
	Health *HealthHandler
	Link   *LinkHandler
	// LinkSecret guards POST /link/callback. Empty rejects every request.
	LinkSecret string
	// CallbackLimiter throttles both callback routes. Nil disables limiting.
	CallbackLimiter *middleware.RateLimiter
	Metrics         http.Handler
	// Slack receives /slack/* when the bot runs in HTTP delivery mode.
	Slack http.Handler
}

// NewRouter builds the HTTP router.
func NewRouter(opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chiMiddleware.Recoverer)

	if opts.Health != nil {
		r.Get("/healthz", opts.Health.Health)
	}

	if opts.Link != nil {
		r.Route("/link/callback", func(r chi.Router) {
			r.Use(opts.CallbackLimiter.Handler)
			r.Get("/", opts.Link.Redirect)
			r.With(middleware.SharedSecret(LinkSecretHeader, opts.LinkSecret)).Post("/", opts.Link.Inject)
		})
	}

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	if opts.Slack != nil {
		r.Mount("/slack", opts.Slack)
	}

	return r
}
