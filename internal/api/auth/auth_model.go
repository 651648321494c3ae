package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/FACorreiaa/go-property-portal/internal/types"
)

// One-time token purposes stored in auth_one_time_tokens.
const (
	PurposeSignup   = "signup"
	PurposeRecovery = "recovery"
)

const MinPasswordLength = 6

type PasswordGrantRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type SignUpRequest struct {
	Email    string         `json:"email" validate:"required,email"`
	Password string         `json:"password" validate:"required,min=6"`
	Data     types.Metadata `json:"data,omitempty"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type VerifyRequest struct {
	Token string `json:"token" validate:"required"`
}

type RecoverRequest struct {
	Email      string `json:"email" validate:"required,email"`
	RedirectTo string `json:"redirect_to,omitempty" validate:"omitempty,url"`
}

type RecoverConfirmRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,min=6"`
}

type ResendRequest struct {
	Type  string `json:"type" validate:"required,oneof=signup"`
	Email string `json:"email" validate:"required,email"`
}

type UpdatePasswordRequest struct {
	Password string `json:"password" validate:"required,min=6"`
}

// SignUpResponse carries a nil session when the email must be verified first.
type SignUpResponse struct {
	User    types.Identity     `json:"user"`
	Session *types.AuthSession `json:"session"`
}

// Claims are the custom claims carried by access tokens.
type Claims struct {
	UserID string `json:"uid"`
	Email  string `json:"eml"`
	jwt.RegisteredClaims
}
