// Package authclient is the session-holding side of the auth provider: it
// keeps one user's session, persists it, refreshes it before expiry and
// notifies listeners of every change.
package authclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/go-property-portal/internal/api"
	"github.com/FACorreiaa/go-property-portal/internal/types"
)

// Backend is the part of auth.AuthService the client drives.
type Backend interface {
	SignInWithPassword(ctx context.Context, email, password string) (*types.AuthSession, error)
	SignUp(ctx context.Context, email, password string, metadata types.Metadata) (*types.Identity, *types.AuthSession, error)
	Refresh(ctx context.Context, refreshToken string) (*types.AuthSession, error)
	SignOut(ctx context.Context, refreshToken string) error
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	ResendSignupVerification(ctx context.Context, email string) error
	VerifyEmail(ctx context.Context, token string) (*types.AuthSession, error)
	RecoverPassword(ctx context.Context, token, newPassword string) (*types.AuthSession, error)
	UpdatePassword(ctx context.Context, userID uuid.UUID, newPassword string) error
	BeginOAuth(ctx context.Context, provider string) (string, error)
	CompleteOAuth(ctx context.Context, params url.Values) (*types.AuthSession, error)
}

const refreshTimeout = 10 * time.Second

type listener struct {
	id int
	fn types.AuthStateListener
}

type Client struct {
	backend       Backend
	storage       SessionStorage
	key           string
	refreshMargin time.Duration
	logger        *slog.Logger
	now           func() time.Time

	refreshMu sync.Mutex

	mu        sync.Mutex
	session   *types.AuthSession
	loaded    bool
	closed    bool
	timer     *time.Timer
	listeners []listener
	nextID    int
}

// New returns a client whose session is stored under key. The persisted
// session, if any, is loaded lazily by the first GetCurrentSession call.
func New(backend Backend, storage SessionStorage, key string, refreshMargin time.Duration, logger *slog.Logger) *Client {
	if refreshMargin <= 0 {
		refreshMargin = time.Minute
	}
	return &Client{
		backend:       backend,
		storage:       storage,
		key:           key,
		refreshMargin: refreshMargin,
		logger:        logger.With(slog.String("component", "authclient")),
		now:           time.Now,
	}
}

// OnAuthStateChange registers fn. Listeners run in registration order.
func (c *Client) OnAuthStateChange(fn types.AuthStateListener) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, listener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, l := range c.listeners {
				if l.id == id {
					c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (c *Client) emit(ctx context.Context, event types.AuthEvent, session *types.AuthSession) {
	c.mu.Lock()
	fns := make([]types.AuthStateListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		fns = append(fns, l.fn)
	}
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "Auth state change", slog.String("event", string(event)), slog.Int("listeners", len(fns)))
	for _, fn := range fns {
		fn(ctx, event, copySession(session))
	}
}

func copySession(s *types.AuthSession) *types.AuthSession {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// GetCurrentSession returns the live session, rehydrating it from storage on
// first use. An expired session is refreshed before it is returned; when the
// refresh fails the session is dropped and nil is returned.
func (c *Client) GetCurrentSession(ctx context.Context) (*types.AuthSession, error) {
	c.mu.Lock()
	if !c.loaded {
		stored, err := c.storage.Load(ctx, c.key)
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("rehydrating session: %w", err)
		}
		c.loaded = true
		if stored != nil {
			stored.Identity.Metadata = types.NormalizeMetadata(stored.Identity.Metadata)
			c.session = stored
			c.scheduleRefreshLocked(stored)
		}
	}
	current := copySession(c.session)
	c.mu.Unlock()

	if current == nil || !current.ExpiresWithin(c.now(), 0) {
		return current, nil
	}

	refreshed, err := c.refresh(ctx, current.RefreshToken)
	if err != nil {
		c.logger.InfoContext(ctx, "Expired session could not be refreshed", slog.Any("error", err))
		return nil, nil
	}
	return refreshed, nil
}

// Session is the in-memory session without any storage or refresh side effects.
func (c *Client) Session() *types.AuthSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copySession(c.session)
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*types.AuthSession, error) {
	session, err := c.backend.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.setSession(ctx, session)
	c.emit(ctx, types.EventSignedIn, session)
	return copySession(session), nil
}

// SignUp returns a nil session when the provider requires email verification.
func (c *Client) SignUp(ctx context.Context, email, password string, metadata types.Metadata) (*types.Identity, *types.AuthSession, error) {
	identity, session, err := c.backend.SignUp(ctx, email, password, metadata)
	if err != nil {
		return nil, nil, err
	}
	if session == nil {
		return identity, nil, nil
	}
	c.setSession(ctx, session)
	c.emit(ctx, types.EventSignedIn, session)
	return identity, copySession(session), nil
}

// SignInWithOAuth returns the provider URL the browser must be sent to. The
// session arrives later through ExchangeOAuth.
func (c *Client) SignInWithOAuth(ctx context.Context, provider string) (string, error) {
	return c.backend.BeginOAuth(ctx, provider)
}

// ExchangeOAuth completes a provider callback and signs the client in.
func (c *Client) ExchangeOAuth(ctx context.Context, params url.Values) (*types.AuthSession, error) {
	session, err := c.backend.CompleteOAuth(ctx, params)
	if err != nil {
		return nil, err
	}
	c.setSession(ctx, session)
	c.emit(ctx, types.EventSignedIn, session)
	return copySession(session), nil
}

// VerifyEmail consumes a signup verification token and signs the client in.
func (c *Client) VerifyEmail(ctx context.Context, token string) (*types.AuthSession, error) {
	session, err := c.backend.VerifyEmail(ctx, token)
	if err != nil {
		return nil, err
	}
	c.setSession(ctx, session)
	c.emit(ctx, types.EventSignedIn, session)
	return copySession(session), nil
}

// RecoverPassword consumes a recovery token, sets the new password and
// signs the client in.
func (c *Client) RecoverPassword(ctx context.Context, token, newPassword string) (*types.AuthSession, error) {
	session, err := c.backend.RecoverPassword(ctx, token, newPassword)
	if err != nil {
		return nil, err
	}
	c.setSession(ctx, session)
	c.emit(ctx, types.EventPasswordRecovery, session)
	return copySession(session), nil
}

// SignOut always clears the local session, even when revoking the refresh
// token fails. The revocation error is returned after listeners ran.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	previous := c.session
	key := c.key
	c.session = nil
	c.loaded = true
	c.stopTimerLocked()
	c.mu.Unlock()

	var revokeErr error
	if previous != nil {
		revokeErr = c.backend.SignOut(ctx, previous.RefreshToken)
		if revokeErr != nil {
			c.logger.WarnContext(ctx, "Failed to revoke refresh token on sign out", slog.Any("error", revokeErr))
		}
	}
	if err := c.storage.Delete(ctx, key); err != nil {
		c.logger.WarnContext(ctx, "Failed to delete stored session", slog.Any("error", err))
	}
	c.emit(ctx, types.EventSignedOut, nil)
	return revokeErr
}

func (c *Client) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	return c.backend.ResetPasswordForEmail(ctx, email, redirectTo)
}

func (c *Client) ResendSignupVerification(ctx context.Context, email string) error {
	return c.backend.ResendSignupVerification(ctx, email)
}

// UpdateCurrentUserPassword changes the signed-in user's password. The backend
// revokes every refresh token on a password change, so the client signs in
// again with the new password and emits USER_UPDATED.
func (c *Client) UpdateCurrentUserPassword(ctx context.Context, newPassword string) error {
	current := c.Session()
	if current == nil {
		return api.ErrUnauthenticated
	}
	if err := c.backend.UpdatePassword(ctx, current.Identity.ID, newPassword); err != nil {
		return err
	}

	session, err := c.backend.SignInWithPassword(ctx, current.Identity.Email, newPassword)
	if err != nil {
		c.logger.WarnContext(ctx, "Password updated but re-authentication failed", slog.Any("error", err))
		c.dropSession(ctx)
		return nil
	}
	c.setSession(ctx, session)
	c.emit(ctx, types.EventUserUpdated, session)
	return nil
}

// Close stops background refresh and drops all listeners. The stored
// session is kept.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopTimerLocked()
	c.listeners = nil
}

// Rekey moves the persisted session to key and forgets the old one. It waits
// for an in-flight refresh so nothing is written under the old key afterwards.
func (c *Client) Rekey(ctx context.Context, key string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if key == c.key {
		return nil
	}
	session := c.session
	if !c.loaded {
		stored, err := c.storage.Load(ctx, c.key)
		if err != nil {
			return fmt.Errorf("loading session to move: %w", err)
		}
		session = stored
	}
	if session != nil {
		if err := c.storage.Save(ctx, key, session); err != nil {
			return fmt.Errorf("moving session: %w", err)
		}
	}
	if err := c.storage.Delete(ctx, c.key); err != nil {
		c.logger.WarnContext(ctx, "Failed to delete session under the previous key", slog.Any("error", err))
	}
	c.key = key
	return nil
}

func (c *Client) setSession(ctx context.Context, session *types.AuthSession) {
	session.Identity.Metadata = types.NormalizeMetadata(session.Identity.Metadata)

	c.mu.Lock()
	c.session = copySession(session)
	c.loaded = true
	c.scheduleRefreshLocked(session)
	key := c.key
	c.mu.Unlock()

	if err := c.storage.Save(ctx, key, session); err != nil {
		c.logger.WarnContext(ctx, "Failed to persist session", slog.Any("error", err))
	}
}

func (c *Client) dropSession(ctx context.Context) {
	c.mu.Lock()
	c.session = nil
	c.stopTimerLocked()
	key := c.key
	c.mu.Unlock()

	if err := c.storage.Delete(ctx, key); err != nil {
		c.logger.WarnContext(ctx, "Failed to delete stored session", slog.Any("error", err))
	}
	c.emit(ctx, types.EventSignedOut, nil)
}

var errSessionChanged = errors.New("session changed during refresh")

// refresh rotates the session identified by refreshToken. Refreshes are
// serialized; a token that was already rotated yields the current session.
func (c *Client) refresh(ctx context.Context, refreshToken string) (*types.AuthSession, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.Lock()
	current := copySession(c.session)
	closed := c.closed
	c.mu.Unlock()
	if closed || current == nil {
		return nil, errSessionChanged
	}
	if current.RefreshToken != refreshToken {
		return current, nil
	}

	session, err := c.backend.Refresh(ctx, refreshToken)

	c.mu.Lock()
	stale := c.closed || c.session == nil || c.session.RefreshToken != refreshToken
	c.mu.Unlock()
	if stale {
		return nil, errSessionChanged
	}

	if err != nil {
		c.logger.WarnContext(ctx, "Session refresh failed", slog.Any("error", err))
		c.dropSession(ctx)
		return nil, err
	}
	c.setSession(ctx, session)
	c.emit(ctx, types.EventTokenRefreshed, session)
	return copySession(session), nil
}

func (c *Client) scheduleRefreshLocked(session *types.AuthSession) {
	c.stopTimerLocked()
	if c.closed {
		return
	}
	wait := session.ExpiresAt.Sub(c.now()) - c.refreshMargin
	if wait < 0 {
		wait = 0
	}
	refreshToken := session.RefreshToken
	c.timer = time.AfterFunc(wait, func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		_, _ = c.refresh(ctx, refreshToken)
	})
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
