// Package identity owns who is signed in, which profile they have and what
// they may do. One Manager serves one client.
package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/FACorreiaa/go-property-portal/internal/types"
)

var (
	// ErrUnauthenticated is returned by profile mutations when no profile is loaded.
	ErrUnauthenticated = errors.New("no user logged in")
	ErrInvalidRole     = errors.New("invalid role")
	// ErrSuperseded means a newer auth event or sign-out overtook the operation.
	ErrSuperseded = errors.New("superseded by a newer auth state")
)

// AuthProvider issues and tracks the session. authclient.Client implements it.
type AuthProvider interface {
	GetCurrentSession(ctx context.Context) (*types.AuthSession, error)
	SignInWithPassword(ctx context.Context, email, password string) (*types.AuthSession, error)
	SignUp(ctx context.Context, email, password string, metadata types.Metadata) (*types.Identity, *types.AuthSession, error)
	SignInWithOAuth(ctx context.Context, provider string) (string, error)
	SignOut(ctx context.Context) error
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	ResendSignupVerification(ctx context.Context, email string) error
	UpdateCurrentUserPassword(ctx context.Context, newPassword string) error
	OnAuthStateChange(fn types.AuthStateListener) (unsubscribe func())
}

// ProfileStore is the profiles table. GetProfile returns api.ErrNotFound when
// there is no row and CreateProfile returns api.ErrConflict on a duplicate id.
type ProfileStore interface {
	GetProfile(ctx context.Context, id uuid.UUID) (*types.Profile, error)
	CreateProfile(ctx context.Context, p types.Profile) (*types.Profile, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, params types.ProfileUpdate) error
}

// Navigator performs the routing decisions the manager takes.
type Navigator interface {
	Navigate(ctx context.Context, path string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, path string)

func (f NavigatorFunc) Navigate(ctx context.Context, path string) { f(ctx, path) }

type Status string

const (
	StatusUninitialized          Status = "UNINITIALIZED"
	StatusLoading                Status = "LOADING"
	StatusAuthenticatedNoProfile Status = "AUTHENTICATED_NO_PROFILE"
	StatusAuthenticated          Status = "AUTHENTICATED_WITH_PROFILE"
	StatusUnauthenticated        Status = "UNAUTHENTICATED"
)

type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindValidation         ErrorKind = "validation"
	KindInvalidCredentials ErrorKind = "invalid_credentials"
	KindProvider           ErrorKind = "provider"
)

// Result is what interactive operations return instead of an error, so
// callers can render the message inline.
type Result struct {
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
	// Degraded is set when sign-up could only synthesize an unpersisted profile.
	Degraded bool `json:"degraded,omitempty"`
}

type OAuthResult struct {
	Result
	URL string `json:"url,omitempty"`
}

// SignUpData is embedded in the new identity's metadata.
type SignUpData struct {
	FullName string
	Phone    string
	Role     *types.Role
}

func (d SignUpData) metadata() types.Metadata {
	m := types.Metadata{types.MetaFullName: d.FullName}
	if d.Phone != "" {
		m[types.MetaPhone] = d.Phone
	}
	if d.Role != nil {
		m[types.MetaRole] = string(*d.Role)
	}
	return m
}

// BootstrapResult reports how the current profile was obtained. Degraded
// means the insert failed and Profile was synthesized locally without being
// persisted; a later bootstrap will retry.
type BootstrapResult struct {
	Profile  *types.Profile
	Created  bool
	Degraded bool
	Err      error
}

// State is a copy of the manager's fields.
type State struct {
	Session       *types.AuthSession `json:"session"`
	Identity      *types.Identity    `json:"identity"`
	Profile       *types.Profile     `json:"profile"`
	Loading       bool               `json:"loading"`
	Error         string             `json:"error,omitempty"`
	Status        Status             `json:"status"`
	Authorization Authorization      `json:"authorization"`
}
