package portal

import (
	"time"

	"github.com/FACorreiaa/go-property-portal/internal/identity"
	"github.com/FACorreiaa/go-property-portal/internal/types"
)

type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignUpRequest struct {
	Email    string  `json:"email"`
	Password string  `json:"password"`
	FullName string  `json:"full_name"`
	Phone    string  `json:"phone,omitempty"`
	Role     *string `json:"role,omitempty"`
}

type EmailRequest struct {
	Email string `json:"email"`
}

type PasswordRequest struct {
	Password string `json:"password"`
}

type RecoverRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,min=6"`
}

type RoleRequest struct {
	Role string `json:"role" validate:"required"`
}

// ProfileRequest is the self-service subset of a profile edit. Role, status
// and approval go through their own flows.
type ProfileRequest struct {
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

func (p ProfileRequest) update() types.ProfileUpdate {
	return types.ProfileUpdate{
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Phone:     p.Phone,
		AvatarURL: p.AvatarURL,
	}
}

// SessionView is the browser's copy of the manager state. Tokens never leave
// the server.
type SessionView struct {
	Status        identity.Status        `json:"status"`
	Loading       bool                   `json:"loading"`
	Error         string                 `json:"error,omitempty"`
	User          *types.Identity        `json:"user"`
	Profile       *types.Profile         `json:"profile"`
	Authorization identity.Authorization `json:"authorization"`
	Permissions   []string               `json:"permissions"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
}

func newSessionView(st identity.State) *SessionView {
	v := &SessionView{
		Status:        st.Status,
		Loading:       st.Loading,
		Error:         st.Error,
		User:          st.Identity,
		Profile:       st.Profile,
		Authorization: st.Authorization,
		Permissions:   []string{},
	}
	if st.Authorization.Kind != identity.Unassigned {
		v.Permissions = identity.Permissions(st.Authorization.Role)
	}
	if st.Session != nil {
		exp := st.Session.ExpiresAt
		v.ExpiresAt = &exp
	}
	return v
}

// Response wraps an operation result with the navigation it caused and the
// resulting state.
type Response struct {
	identity.Result
	RedirectTo string       `json:"redirect_to,omitempty"`
	Session    *SessionView `json:"session,omitempty"`
}

type BootstrapResponse struct {
	Response
	Created bool `json:"created"`
}

type PermissionResponse struct {
	Permission string `json:"permission"`
	Granted    bool   `json:"granted"`
}
