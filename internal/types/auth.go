package types

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Metadata is the free-form bag supplied at sign-up or by an OAuth provider.
type Metadata map[string]any

// String returns the trimmed string value stored under key, or "".
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	v, ok := m[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// Metadata keys understood by profile bootstrap.
const (
	MetaFullName    = "full_name"
	MetaName        = "name"
	MetaLastName    = "last_name"
	MetaPhone       = "phone"
	MetaRole        = "role"
	MetaAccountType = "account_type"
	MetaAvatarURL   = "avatar_url"
)

// NormalizeMetadata folds the legacy account_type key into role so consumers
// only ever read one key. The input is not modified.
func NormalizeMetadata(m Metadata) Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	if out.String(MetaRole) == "" {
		if legacy := out.String(MetaAccountType); legacy != "" {
			out[MetaRole] = legacy
		}
	}
	return out
}

// UserAuth is the credential row owned by the auth provider.
type UserAuth struct {
	ID               uuid.UUID  `json:"id"`
	Email            string     `json:"email"`
	Password         string     `json:"-"`
	Metadata         Metadata   `json:"user_metadata"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Identity returns the public view of the credential row.
func (u *UserAuth) Identity() Identity {
	return Identity{
		ID:               u.ID,
		Email:            u.Email,
		Metadata:         NormalizeMetadata(u.Metadata),
		EmailConfirmedAt: u.EmailConfirmedAt,
		CreatedAt:        u.CreatedAt,
	}
}

// Identity is the minimal authenticated principal.
type Identity struct {
	ID               uuid.UUID  `json:"id"`
	Email            string     `json:"email"`
	Metadata         Metadata   `json:"user_metadata,omitempty"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Role is the role carried in metadata, if any. Metadata must have
// been normalized.
func (i Identity) Role() *Role {
	v := i.Metadata.String(MetaRole)
	if v == "" {
		return nil
	}
	r := Role(v)
	return &r
}

// FullName falls back from full_name to name to the email local part.
func (i Identity) FullName() string {
	if v := i.Metadata.String(MetaFullName); v != "" {
		return v
	}
	if v := i.Metadata.String(MetaName); v != "" {
		return v
	}
	local, _, _ := strings.Cut(i.Email, "@")
	return local
}

// AuthSession is a live authenticated connection issued by the auth provider.
type AuthSession struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Identity     Identity  `json:"user"`
}

// ExpiresWithin reports whether the access token expires within d of now.
func (s *AuthSession) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !now.Add(d).Before(s.ExpiresAt)
}

// AuthEvent is the kind of an auth-state-change notification.
type AuthEvent string

const (
	EventInitialSession   AuthEvent = "INITIAL_SESSION"
	EventSignedIn         AuthEvent = "SIGNED_IN"
	EventSignedOut        AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed   AuthEvent = "TOKEN_REFRESHED"
	EventUserUpdated      AuthEvent = "USER_UPDATED"
	EventPasswordRecovery AuthEvent = "PASSWORD_RECOVERY"
)

// AuthStateListener observes auth-state changes. It runs synchronously on the
// goroutine that caused the change.
type AuthStateListener func(ctx context.Context, event AuthEvent, session *AuthSession)
