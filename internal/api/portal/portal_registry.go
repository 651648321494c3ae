// Package portal serves the identity manager to browsers. Each browser is
// identified by an opaque cookie and gets its own Manager and session client.
package portal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/FACorreiaa/go-property-portal/app/observability/metrics"
	"github.com/FACorreiaa/go-property-portal/config"
	authclient "github.com/FACorreiaa/go-property-portal/internal/api/auth/client"
	"github.com/FACorreiaa/go-property-portal/internal/identity"
)

const defaultIdleTTL = 30 * time.Minute

// recorder is the Navigator of one client. The handler takes the last
// destination after each operation and hands it to the browser.
type recorder struct {
	mu   sync.Mutex
	path string
}

func (r *recorder) Navigate(_ context.Context, path string) {
	r.mu.Lock()
	r.path = path
	r.mu.Unlock()
}

func (r *recorder) take() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.path
	r.path = ""
	return p
}

type portalClient struct {
	// mu serializes requests from one browser so a captured navigation
	// belongs to the request that caused it.
	mu      sync.Mutex
	key     atomic.Value
	auth    *authclient.Client
	manager *identity.Manager
	nav     *recorder
}

// id is the cookie value the client is currently registered under.
func (c *portalClient) id() string {
	id, _ := c.key.Load().(string)
	return id
}

func (c *portalClient) close() {
	c.manager.Close()
	c.auth.Close()
}

// Registry holds the live clients. Idle clients expire and are closed; their
// stored session survives, so the next request rehydrates it.
type Registry struct {
	backend  authclient.Backend
	storage  authclient.SessionStorage
	profiles identity.ProfileStore
	cfg      config.AuthConfig
	logger   *slog.Logger

	clients *cache.Cache
}

func NewRegistry(backend authclient.Backend, storage authclient.SessionStorage, profiles identity.ProfileStore,
	cfg config.AuthConfig, idleTTL time.Duration, logger *slog.Logger) *Registry {
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	r := &Registry{
		backend:  backend,
		storage:  storage,
		profiles: profiles,
		cfg:      cfg,
		logger:   logger,
		clients:  cache.New(idleTTL, idleTTL/2),
	}
	r.clients.OnEvicted(func(id string, v interface{}) {
		// A rotated client leaves its previous id behind; only its current
		// entry owns it.
		if pc, ok := v.(*portalClient); ok && pc.id() == id {
			pc.close()
			metrics.Get().ActivePortalClients.Add(context.Background(), -1)
		}
	})
	return r
}

// Get returns the client for id, creating and initializing it on first use.
// Every hit pushes the idle expiry forward.
func (r *Registry) Get(ctx context.Context, id string) *portalClient {
	if v, ok := r.clients.Get(id); ok {
		pc := v.(*portalClient)
		r.clients.SetDefault(id, pc)
		return pc
	}
	// An expired entry the janitor has not collected yet must still be closed.
	r.clients.Delete(id)

	pc := r.newClient(id)
	if err := pc.manager.Initialize(ctx); err != nil {
		r.logger.WarnContext(ctx, "Portal client started without a session", slog.Any("error", err))
	}
	if err := r.clients.Add(id, pc, cache.DefaultExpiration); err != nil {
		// A concurrent request for the same cookie won.
		pc.close()
		if v, ok := r.clients.Get(id); ok {
			return v.(*portalClient)
		}
		return r.Get(ctx, id)
	}
	metrics.Get().ActivePortalClients.Add(ctx, 1)
	return pc
}

func sessionKey(id string) string { return "portal:" + id }

func (r *Registry) newClient(id string) *portalClient {
	nav := &recorder{}
	ac := authclient.New(r.backend, r.storage, sessionKey(id), r.cfg.RefreshMargin, r.logger)
	pc := &portalClient{
		auth:    ac,
		manager: identity.NewManager(ac, r.profiles, nav, r.cfg, r.logger),
		nav:     nav,
	}
	pc.key.Store(id)
	return pc
}

// Rotate re-registers pc and its stored session under a fresh id and returns
// it. The previous id resolves to a new, signed-out client afterwards.
func (r *Registry) Rotate(ctx context.Context, pc *portalClient) (string, error) {
	oldID := pc.id()
	newID := uuid.NewString()
	if err := pc.auth.Rekey(ctx, sessionKey(newID)); err != nil {
		return "", err
	}
	pc.key.Store(newID)
	r.clients.SetDefault(newID, pc)
	r.clients.Delete(oldID)
	return newID, nil
}

// Len is the number of live clients.
func (r *Registry) Len() int {
	return r.clients.ItemCount()
}

// Close closes every client. Stored sessions are kept.
func (r *Registry) Close() {
	for id := range r.clients.Items() {
		r.clients.Delete(id)
	}
	r.clients.DeleteExpired()
}
