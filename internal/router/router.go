package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/FACorreiaa/go-property-portal/internal/api/auth"
	"github.com/FACorreiaa/go-property-portal/internal/api/portal"
	"github.com/FACorreiaa/go-property-portal/internal/api/profiles"
)

// Config contains dependencies needed for the router setup
type Config struct {
	AuthHandler            *auth.HandlerImpl
	ProfileHandler         *profiles.HandlerImpl
	PortalHandler          *portal.HandlerImpl
	AuthenticateMiddleware func(http.Handler) http.Handler
	// AuthRateLimit guards every endpoint that checks credentials or sends mail.
	AuthRateLimit  func(http.Handler) http.Handler
	AllowedOrigins []string
}

// SetupRouter initializes and configures the main application router.
// Server-wide middleware (request id, logging, recoverer) is applied in main.go.
func SetupRouter(cfg *Config) chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Public auth routes
		r.Route("/auth", func(r chi.Router) {
			r.Get("/providers", cfg.AuthHandler.Providers)
			r.Post("/token/refresh", cfg.AuthHandler.RefreshToken)
			r.Post("/logout", cfg.AuthHandler.Logout)
			r.Post("/verify", cfg.AuthHandler.Verify)

			r.Group(func(r chi.Router) {
				r.Use(cfg.AuthRateLimit)
				r.Post("/token", cfg.AuthHandler.Token)
				r.Post("/signup", cfg.AuthHandler.SignUp)
				r.Post("/recover", cfg.AuthHandler.Recover)
				r.Post("/recover/confirm", cfg.AuthHandler.RecoverConfirm)
				r.Post("/resend", cfg.AuthHandler.Resend)
			})

			r.Group(func(r chi.Router) {
				r.Use(cfg.AuthenticateMiddleware)
				r.Get("/user", cfg.AuthHandler.GetUser)
				r.Put("/user/password", cfg.AuthHandler.UpdatePassword)
			})
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(cfg.AuthenticateMiddleware)
			r.Get("/profiles/me", cfg.ProfileHandler.GetMyProfile)
			r.Get("/profiles/{id}", cfg.ProfileHandler.GetProfile)
		})
	})

	// Browser-facing session endpoints, keyed by the portal cookie.
	r.Mount("/portal", cfg.PortalHandler.Routes(cfg.AuthRateLimit))
	r.Group(func(r chi.Router) {
		r.Use(cfg.PortalHandler.Client)
		r.Get("/auth/callback", cfg.PortalHandler.OAuthCallback)
		r.Get("/auth/confirm", cfg.PortalHandler.ConfirmEmail)
	})

	return r
}
