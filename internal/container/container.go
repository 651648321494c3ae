package container

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	database "github.com/FACorreiaa/go-property-portal/app/db"
	appMiddleware "github.com/FACorreiaa/go-property-portal/app/middleware"
	"github.com/FACorreiaa/go-property-portal/config"
	"github.com/FACorreiaa/go-property-portal/internal/api/auth"
	authclient "github.com/FACorreiaa/go-property-portal/internal/api/auth/client"
	"github.com/FACorreiaa/go-property-portal/internal/api/portal"
	"github.com/FACorreiaa/go-property-portal/internal/api/profiles"
	"github.com/FACorreiaa/go-property-portal/internal/router"
)

const sessionKeyPrefix = "portal:session:"

// Container holds all application dependencies
type Container struct {
	Config         *config.Config
	Logger         *slog.Logger
	Pool           *pgxpool.Pool
	Redis          *redis.Client
	AuthService    *auth.AuthServiceImpl
	AuthHandler    *auth.HandlerImpl
	ProfileHandler *profiles.HandlerImpl
	PortalHandler  *portal.HandlerImpl
	Registry       *portal.Registry
	RateLimiter    *appMiddleware.RateLimiter
}

// NewContainer migrates the database, opens the pool and wires every
// repository, service and handler.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	dbConfig, err := database.NewDatabaseConfig(cfg, logger)
	if err != nil {
		logger.Error("Failed to generate database config", slog.Any("error", err))
		return nil, err
	}

	if err = database.RunMigrations(dbConfig.ConnectionURL, logger); err != nil {
		logger.Error("Failed to run database migrations", slog.Any("error", err))
		return nil, err
	}

	pool, err := database.Init(ctx, dbConfig.ConnectionURL, logger)
	if err != nil {
		logger.Error("Failed to initialize database pool", slog.Any("error", err))
		return nil, err
	}
	if !database.WaitForDB(ctx, pool, logger) {
		pool.Close()
		return nil, fmt.Errorf("database not ready")
	}

	c := &Container{Config: cfg, Logger: logger, Pool: pool}

	storage, err := c.sessionStorage(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}

	// Repositories
	authRepo := auth.NewPostgresAuthRepo(pool, logger)
	profileRepo := profiles.NewPostgresProfileRepo(pool, logger)

	// Services
	oauth := auth.NewOAuthFlow(cfg.OAuth, cfg.Auth.CallbackURL(), cfg.Auth.OAuthStateTTL, logger)
	c.AuthService = auth.NewAuthService(authRepo, auth.NewMailer(cfg.SMTP, logger), oauth, cfg, logger)

	// Handlers
	c.AuthHandler = auth.NewHandlerImpl(c.AuthService, logger)
	c.ProfileHandler = profiles.NewHandlerImpl(profileRepo, logger)
	c.Registry = portal.NewRegistry(c.AuthService, storage, profileRepo, cfg.Auth, cfg.Portal.ClientIdleTTL, logger)
	c.PortalHandler = portal.NewHandlerImpl(c.Registry, cfg.Portal, logger)
	c.RateLimiter = appMiddleware.NewRateLimiter(cfg.Portal.AuthRateLimit, cfg.Portal.AuthRateBurst, logger)

	return c, nil
}

// sessionStorage persists portal sessions in Redis when it is enabled, so a
// restart does not sign everyone out, and in memory otherwise.
func (c *Container) sessionStorage(ctx context.Context) (authclient.SessionStorage, error) {
	ttl := c.Config.JWT.RefreshTokenTTL
	rc := c.Config.Repositories.Redis
	if !rc.Enabled {
		c.Logger.Info("Using in-memory session storage")
		return authclient.NewMemoryStorage(ttl), nil
	}

	client, err := authclient.NewRedisClient(ctx, net.JoinHostPort(rc.Host, rc.Port), rc.Password, rc.DB)
	if err != nil {
		c.Logger.Error("Failed to connect to redis", slog.Any("error", err))
		return nil, err
	}
	c.Redis = client
	c.Logger.Info("Using redis session storage", slog.String("addr", client.Options().Addr))
	return authclient.NewRedisStorage(client, sessionKeyPrefix, ttl), nil
}

// Router builds the API router from the wired handlers.
func (c *Container) Router() http.Handler {
	return router.SetupRouter(&router.Config{
		AuthHandler:            c.AuthHandler,
		ProfileHandler:         c.ProfileHandler,
		PortalHandler:          c.PortalHandler,
		AuthenticateMiddleware: auth.Authenticate(c.Logger, c.AuthService),
		AuthRateLimit:          c.RateLimiter.Middleware,
		AllowedOrigins:         c.Config.Portal.AllowedOrigins,
	})
}

// Close releases resources held by the container
func (c *Container) Close() {
	if c.Registry != nil {
		c.Registry.Close()
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.Logger.Warn("Failed to close redis client", slog.Any("error", err))
		}
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
	c.Logger.Info("All resources closed")
}
