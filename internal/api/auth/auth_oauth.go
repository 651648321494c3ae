package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/markbates/goth"
	"github.com/markbates/goth/providers/github"
	"github.com/markbates/goth/providers/google"
	"github.com/patrickmn/go-cache"

	"github.com/FACorreiaa/go-property-portal/config"
	"github.com/FACorreiaa/go-property-portal/internal/api"
)

// OAuthFlow runs the redirect leg of third-party sign-in. Pending flows are
// keyed by the opaque state parameter and expire after the configured TTL.
type OAuthFlow struct {
	providers map[string]goth.Provider
	pending   *cache.Cache
	logger    *slog.Logger
}

type pendingOAuth struct {
	provider string
	session  string
}

// NewOAuthFlow registers the providers that have credentials configured.
// Every provider redirects back to the same callback URL.
func NewOAuthFlow(cfg config.OAuthConfig, callbackURL string, stateTTL time.Duration, logger *slog.Logger) *OAuthFlow {
	var providers []goth.Provider
	if cfg.Google.ClientID != "" {
		providers = append(providers, google.New(cfg.Google.ClientID, cfg.Google.ClientSecret, callbackURL, cfg.Google.Scopes...))
	}
	if cfg.Github.ClientID != "" {
		providers = append(providers, github.New(cfg.Github.ClientID, cfg.Github.ClientSecret, callbackURL, cfg.Github.Scopes...))
	}
	return NewOAuthFlowWithProviders(stateTTL, logger, providers...)
}

func NewOAuthFlowWithProviders(stateTTL time.Duration, logger *slog.Logger, providers ...goth.Provider) *OAuthFlow {
	if stateTTL <= 0 {
		stateTTL = 10 * time.Minute
	}
	f := &OAuthFlow{
		providers: make(map[string]goth.Provider, len(providers)),
		pending:   cache.New(stateTTL, 2*stateTTL),
		logger:    logger,
	}
	for _, p := range providers {
		f.providers[p.Name()] = p
	}
	return f
}

// Providers lists the registered provider names.
func (f *OAuthFlow) Providers() []string {
	names := make([]string, 0, len(f.providers))
	for name := range f.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Begin returns the provider consent URL for a fresh state.
func (f *OAuthFlow) Begin(ctx context.Context, provider string) (string, error) {
	p, ok := f.providers[provider]
	if !ok {
		return "", fmt.Errorf("%q: %w", provider, api.ErrUnknownProvider)
	}

	state := uuid.NewString()
	sess, err := p.BeginAuth(state)
	if err != nil {
		return "", fmt.Errorf("begin %s auth: %w", provider, err)
	}
	authURL, err := sess.GetAuthURL()
	if err != nil {
		return "", fmt.Errorf("building %s auth url: %w", provider, err)
	}

	f.pending.SetDefault(state, pendingOAuth{provider: provider, session: sess.Marshal()})
	f.logger.DebugContext(ctx, "OAuth flow started", slog.String("provider", provider))
	return authURL, nil
}

// Complete exchanges the callback parameters for the provider's user. The
// state is single-use.
func (f *OAuthFlow) Complete(ctx context.Context, params url.Values) (goth.User, error) {
	state := params.Get("state")
	v, ok := f.pending.Get(state)
	if state == "" || !ok {
		return goth.User{}, fmt.Errorf("oauth state unknown or expired: %w", api.ErrInvalidToken)
	}
	f.pending.Delete(state)
	pending := v.(pendingOAuth)

	if msg := params.Get("error"); msg != "" {
		return goth.User{}, fmt.Errorf("%s sign-in was cancelled: %s", pending.provider, msg)
	}

	p, ok := f.providers[pending.provider]
	if !ok {
		return goth.User{}, fmt.Errorf("%q: %w", pending.provider, api.ErrUnknownProvider)
	}
	sess, err := p.UnmarshalSession(pending.session)
	if err != nil {
		return goth.User{}, fmt.Errorf("restoring %s session: %w", pending.provider, err)
	}
	if _, err = sess.Authorize(p, params); err != nil {
		return goth.User{}, fmt.Errorf("authorizing with %s: %w", pending.provider, err)
	}
	user, err := p.FetchUser(sess)
	if err != nil {
		return goth.User{}, fmt.Errorf("fetching %s user: %w", pending.provider, err)
	}
	if user.Provider == "" {
		user.Provider = pending.provider
	}
	f.logger.DebugContext(ctx, "OAuth flow completed", slog.String("provider", pending.provider))
	return user, nil
}
