package profiles

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/go-property-portal/internal/api"
	"github.com/FACorreiaa/go-property-portal/internal/api/auth"
	"github.com/FACorreiaa/go-property-portal/internal/types"
)

var _ Handler = (*HandlerImpl)(nil)

type Handler interface {
	GetMyProfile(w http.ResponseWriter, r *http.Request)
	GetProfile(w http.ResponseWriter, r *http.Request)
}

type HandlerImpl struct {
	repo   ProfileRepo
	logger *slog.Logger
}

func NewHandlerImpl(repo ProfileRepo, logger *slog.Logger) *HandlerImpl {
	return &HandlerImpl{
		repo:   repo,
		logger: logger,
	}
}

// GetMyProfile returns the caller's own profile.
func (h *HandlerImpl) GetMyProfile(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("ProfileHandler").Start(r.Context(), "GetMyProfile", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/api/v1/profiles/me"),
	))
	defer span.End()

	callerID, ok := auth.GetUserIDFromContext(ctx)
	if !ok {
		api.ErrorResponse(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	profile, err := h.repo.GetProfile(ctx, callerID)
	if err != nil {
		api.ErrorFromDomain(w, r, err)
		return
	}
	api.WriteJSONResponse(w, r, http.StatusOK, profile)
}

// GetProfile returns any profile to a super_admin, otherwise only the caller's own.
func (h *HandlerImpl) GetProfile(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("ProfileHandler").Start(r.Context(), "GetProfile", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/api/v1/profiles/{id}"),
	))
	defer span.End()
	l := h.logger.With(slog.String("handler", "GetProfile"))

	callerID, ok := auth.GetUserIDFromContext(ctx)
	if !ok {
		api.ErrorResponse(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	targetID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, "invalid profile id")
		return
	}

	if targetID != callerID {
		caller, err := h.repo.GetProfile(ctx, callerID)
		if err != nil && !errors.Is(err, api.ErrNotFound) {
			api.ErrorFromDomain(w, r, err)
			return
		}
		if caller.RoleValue() != types.RoleSuperAdmin {
			l.WarnContext(ctx, "Profile access denied", slog.String("caller", callerID.String()), slog.String("target", targetID.String()))
			api.ErrorResponse(w, r, http.StatusForbidden, "not allowed to view this profile")
			return
		}
	}

	profile, err := h.repo.GetProfile(ctx, targetID)
	if err != nil {
		api.ErrorFromDomain(w, r, err)
		return
	}
	api.WriteJSONResponse(w, r, http.StatusOK, profile)
}
