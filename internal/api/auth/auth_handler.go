package auth

import (
	"log/slog"
	"net/http"

	"github.com/FACorreiaa/go-property-portal/internal/api"
)

type HandlerImpl struct {
	service AuthService
	logger  *slog.Logger
}

func NewHandlerImpl(service AuthService, logger *slog.Logger) *HandlerImpl {
	return &HandlerImpl{
		service: service,
		logger:  logger,
	}
}

// decode reads and validates the body; it writes the 400 itself.
func decode[T any](w http.ResponseWriter, r *http.Request, dst *T) bool {
	if err := api.DecodeJSONBody(w, r, dst); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	if err := api.Validate(dst); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// Token handles the password grant.
func (h *HandlerImpl) Token(w http.ResponseWriter, r *http.Request) {
	var req PasswordGrantRequest
	if !decode(w, r, &req) {
		return
	}
	session, err := h.service.SignInWithPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		h.logger.InfoContext(r.Context(), "Password grant failed", slog.Any("error", err))
		api.ErrorFromDomain(w, r, err)
		return
	}
	api.WriteJSONResponse(w, r, http.StatusOK, session)
}

func (h *HandlerImpl) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if !decode(w, r, &req) {
		return
	}
	session, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		api.ErrorFromDomain(w, r, err)
		return
	}
	api.WriteJSONResponse(w, r, http.StatusOK, session)
}

func (h *HandlerImpl) SignUp(w http.ResponseWriter, r *http.Request) {
	var req SignUpRequest
	if !decode(w, r, &req) {
		return
	}
	identity, session, err := h.service.SignUp(r.Context(), req.Email, req.Password, req.Data)
	if err != nil {
		api.ErrorFromDomain(w, r, err)
		return
	}
	api.WriteJSONResponse(w, r, http.StatusCreated, SignUpResponse{User: *identity, Session: session})
}

func (h *HandlerImpl) Logout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.service.SignOut(r.Context(), req.RefreshToken); err != nil {
		api.ErrorFromDomain(w, r, err)
		return
	}
	api.WriteJSONResponse(w, r, http.StatusNoContent, nil)
}

func (h *HandlerImpl) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decode(w, r, &req) {
		return
	}
	session, err := h.service.VerifyEmail(r.Context(), req.Token)
	if err != nil {
		api.ErrorFromDomain(w, r, err)
		return
	}
	api.WriteJSONResponse(w, r, http.StatusOK, session)
}

func (h *HandlerImpl) Recover(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.service.ResetPasswordForEmail(r.Context(), req.Email, req.RedirectTo); err != nil {
		api.ErrorFromDomain(w, r, err)
		return
	}
	api.WriteJSONResponse(w, r, http.StatusOK, api.Response{Success: true})
}

func (h *HandlerImpl) RecoverConfirm(w http.ResponseWriter, r *http.Request) {
	var req RecoverConfirmRequest
	if !decode(w, r, &req) {
		return
	}
	session, err := h.service.RecoverPassword(r.Context(), req.Token, req.Password)
	if err != nil {
		api.ErrorFromDomain(w, r, err)
		return
	}
	api.WriteJSONResponse(w, r, http.StatusOK, session)
}

func (h *HandlerImpl) Resend(w http.ResponseWriter, r *http.Request) {
	var req ResendRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.service.ResendSignupVerification(r.Context(), req.Email); err != nil {
		api.ErrorFromDomain(w, r, err)
		return
	}
	api.WriteJSONResponse(w, r, http.StatusOK, api.Response{Success: true})
}

// GetUser runs behind Authenticate.
func (h *HandlerImpl) GetUser(w http.ResponseWriter, r *http.Request) {
	token, ok := GetAccessTokenFromContext(r.Context())
	if !ok {
		api.ErrorResponse(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	identity, err := h.service.GetIdentity(r.Context(), token)
	if err != nil {
		api.ErrorFromDomain(w, r, err)
		return
	}
	api.WriteJSONResponse(w, r, http.StatusOK, identity)
}

// UpdatePassword runs behind Authenticate.
func (h *HandlerImpl) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		api.ErrorResponse(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req UpdatePasswordRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.service.UpdatePassword(r.Context(), userID, req.Password); err != nil {
		api.ErrorFromDomain(w, r, err)
		return
	}
	api.WriteJSONResponse(w, r, http.StatusOK, api.Response{Success: true, Message: "Password updated"})
}

// Providers lists the configured OAuth providers so the login page only
// offers buttons that work.
func (h *HandlerImpl) Providers(w http.ResponseWriter, r *http.Request) {
	api.WriteJSONResponse(w, r, http.StatusOK, map[string][]string{"providers": h.service.OAuthProviders()})
}
