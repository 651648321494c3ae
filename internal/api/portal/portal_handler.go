package portal

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/FACorreiaa/go-property-portal/config"
	"github.com/FACorreiaa/go-property-portal/internal/api"
	"github.com/FACorreiaa/go-property-portal/internal/identity"
	"github.com/FACorreiaa/go-property-portal/internal/types"
)

const (
	defaultCookieName = "portal_client"
	// loginPath receives failed OAuth and verification callbacks.
	loginPath = "/auth/login"
)

type clientKey struct{}

type HandlerImpl struct {
	registry *Registry
	cfg      config.PortalConfig
	logger   *slog.Logger
}

func NewHandlerImpl(registry *Registry, cfg config.PortalConfig, logger *slog.Logger) *HandlerImpl {
	if cfg.CookieName == "" {
		cfg.CookieName = defaultCookieName
	}
	return &HandlerImpl{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

// Routes mounts under /portal. limit guards the endpoints that hit the
// credential store.
func (h *HandlerImpl) Routes(limit func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(h.Client)

	r.Get("/session", h.Session)
	r.Get("/roles", h.Roles)
	r.Get("/permissions/{permission}", h.HasPermission)
	r.Get("/oauth/{provider}", h.SignInWithProvider)
	r.Post("/sign-out", h.SignOut)
	r.Patch("/profile", h.UpdateProfile)
	r.Post("/profile/bootstrap", h.Bootstrap)
	r.Post("/profile/refresh", h.RefreshUser)
	r.Put("/role", h.UpdateUserRole)
	r.Delete("/error", h.ClearError)

	r.Group(func(r chi.Router) {
		r.Use(limit)
		r.Post("/sign-in", h.SignIn)
		r.Post("/sign-up", h.SignUp)
		r.Post("/verification/resend", h.ResendVerification)
		r.Post("/password", h.UpdatePassword)
		r.Post("/password/reset", h.ResetPassword)
		r.Post("/password/recover", h.RecoverPassword)
	})
	return r
}

// Client resolves the browser's portal client from its cookie, issuing a new
// cookie when there is none, and holds the client for the whole request.
func (h *HandlerImpl) Client(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if c, err := r.Cookie(h.cfg.CookieName); err == nil {
			if _, perr := uuid.Parse(c.Value); perr == nil {
				id = c.Value
			}
		}
		if id == "" {
			id = uuid.NewString()
			h.setCookie(w, id)
		}

		pc := h.registry.Get(r.Context(), id)
		pc.mu.Lock()
		// The client may have moved to a new id while this request waited.
		for pc.id() != id {
			pc.mu.Unlock()
			pc = h.registry.Get(r.Context(), id)
			pc.mu.Lock()
		}
		defer pc.mu.Unlock()
		// Navigation left over from a background event is not this request's.
		pc.nav.take()

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientKey{}, pc)))
	})
}

func (h *HandlerImpl) setCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// renewClient gives a browser that just gained a session a cookie value it
// never had before, so an id planted ahead of sign-in is left with nothing.
// If the move fails the session is dropped.
func (h *HandlerImpl) renewClient(w http.ResponseWriter, r *http.Request, pc *portalClient) error {
	if pc.manager.Snapshot().Session == nil {
		return nil
	}
	id, err := h.registry.Rotate(r.Context(), pc)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Could not renew portal client after sign-in", slog.Any("error", err))
		pc.manager.SignOut(r.Context())
		pc.nav.take()
		return err
	}
	h.setCookie(w, id)
	return nil
}

func clientFrom(ctx context.Context) *portalClient {
	pc, _ := ctx.Value(clientKey{}).(*portalClient)
	return pc
}

func resultStatus(res identity.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Kind == identity.KindInvalidCredentials:
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, identity.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, identity.ErrInvalidRole):
		return http.StatusBadRequest
	case errors.Is(err, identity.ErrSuperseded):
		return http.StatusConflict
	default:
		return api.StatusForError(err)
	}
}

func (h *HandlerImpl) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "Portal operation failed", slog.Any("error", err))
		msg = "internal server error"
	}
	api.ErrorResponse(w, r, status, msg)
}

func (h *HandlerImpl) respond(w http.ResponseWriter, r *http.Request, pc *portalClient, res identity.Result) {
	api.WriteJSONResponse(w, r, resultStatus(res), h.response(pc, res))
}

func (h *HandlerImpl) response(pc *portalClient, res identity.Result) Response {
	return Response{
		Result:     res,
		RedirectTo: pc.nav.take(),
		Session:    newSessionView(pc.manager.Snapshot()),
	}
}

func (h *HandlerImpl) Session(w http.ResponseWriter, r *http.Request) {
	pc := clientFrom(r.Context())
	api.WriteJSONResponse(w, r, http.StatusOK, newSessionView(pc.manager.Snapshot()))
}

func (h *HandlerImpl) SignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pc := clientFrom(r.Context())
	res := pc.manager.SignIn(r.Context(), req.Email, req.Password)
	if res.Success {
		if err := h.renewClient(w, r, pc); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	h.respond(w, r, pc, res)
}

func (h *HandlerImpl) SignUp(w http.ResponseWriter, r *http.Request) {
	var req SignUpRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	data := identity.SignUpData{FullName: req.FullName, Phone: req.Phone}
	if req.Role != nil && *req.Role != "" {
		role := types.Role(*req.Role)
		data.Role = &role
	}
	pc := clientFrom(r.Context())
	res := pc.manager.SignUp(r.Context(), req.Email, req.Password, data)
	if res.Success {
		if err := h.renewClient(w, r, pc); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	h.respond(w, r, pc, res)
}

func (h *HandlerImpl) SignOut(w http.ResponseWriter, r *http.Request) {
	pc := clientFrom(r.Context())
	pc.manager.SignOut(r.Context())
	h.respond(w, r, pc, identity.Result{Success: true})
}

// SignInWithProvider redirects the browser to the provider's consent page.
func (h *HandlerImpl) SignInWithProvider(w http.ResponseWriter, r *http.Request) {
	pc := clientFrom(r.Context())
	res := pc.manager.SignInWithProvider(r.Context(), chi.URLParam(r, "provider"))
	if !res.Success {
		h.respond(w, r, pc, res.Result)
		return
	}
	http.Redirect(w, r, res.URL, http.StatusFound)
}

// OAuthCallback completes the provider redirect. The SIGNED_IN it causes
// makes the manager pick the destination.
func (h *HandlerImpl) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	pc := clientFrom(r.Context())
	params := r.URL.Query()
	if msg := params.Get("error_description"); msg != "" {
		h.redirectToLogin(w, r, msg)
		return
	}
	if msg := params.Get("error"); msg != "" {
		h.redirectToLogin(w, r, msg)
		return
	}

	if _, err := pc.auth.ExchangeOAuth(r.Context(), params); err != nil {
		h.logger.WarnContext(r.Context(), "OAuth callback failed", slog.Any("error", err))
		h.redirectToLogin(w, r, "Authentication failed")
		return
	}
	if err := h.renewClient(w, r, pc); err != nil {
		h.redirectToLogin(w, r, "Authentication failed")
		return
	}
	h.redirectAfterLogin(w, r, pc)
}

// ConfirmEmail consumes the verification link and signs the browser in.
func (h *HandlerImpl) ConfirmEmail(w http.ResponseWriter, r *http.Request) {
	pc := clientFrom(r.Context())
	token := r.URL.Query().Get("token")
	if token == "" {
		h.redirectToLogin(w, r, "Missing verification token")
		return
	}
	if _, err := pc.auth.VerifyEmail(r.Context(), token); err != nil {
		h.logger.InfoContext(r.Context(), "Email verification failed", slog.Any("error", err))
		h.redirectToLogin(w, r, err.Error())
		return
	}
	if err := h.renewClient(w, r, pc); err != nil {
		h.redirectToLogin(w, r, "Email verified, please sign in")
		return
	}
	h.redirectAfterLogin(w, r, pc)
}

func (h *HandlerImpl) redirectAfterLogin(w http.ResponseWriter, r *http.Request, pc *portalClient) {
	dest := pc.nav.take()
	if dest == "" {
		dest = identity.RouteRoot
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

func (h *HandlerImpl) redirectToLogin(w http.ResponseWriter, r *http.Request, msg string) {
	http.Redirect(w, r, loginPath+"?error="+url.QueryEscape(msg), http.StatusFound)
}

func (h *HandlerImpl) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pc := clientFrom(r.Context())
	if err := pc.manager.UpdateProfile(r.Context(), req.update()); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, r, pc, identity.Result{Success: true})
}

func (h *HandlerImpl) UpdateUserRole(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := api.Validate(req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := types.ParseRole(req.Role)
	if err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pc := clientFrom(r.Context())
	if err = pc.manager.UpdateUserRole(r.Context(), role); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, r, pc, identity.Result{Success: true})
}

func (h *HandlerImpl) Bootstrap(w http.ResponseWriter, r *http.Request) {
	pc := clientFrom(r.Context())
	res, err := pc.manager.Bootstrap(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteJSONResponse(w, r, http.StatusOK, BootstrapResponse{
		Response: h.response(pc, identity.Result{Success: true, Degraded: res.Degraded}),
		Created:  res.Created,
	})
}

func (h *HandlerImpl) RefreshUser(w http.ResponseWriter, r *http.Request) {
	pc := clientFrom(r.Context())
	if err := pc.manager.RefreshUser(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, r, pc, identity.Result{Success: true})
}

func (h *HandlerImpl) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pc := clientFrom(r.Context())
	h.respond(w, r, pc, pc.manager.ResendVerificationEmail(r.Context(), req.Email))
}

func (h *HandlerImpl) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	var req PasswordRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pc := clientFrom(r.Context())
	h.respond(w, r, pc, pc.manager.UpdatePassword(r.Context(), req.Password))
}

func (h *HandlerImpl) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pc := clientFrom(r.Context())
	h.respond(w, r, pc, pc.manager.ResetPassword(r.Context(), req.Email))
}

// RecoverPassword finishes the emailed recovery flow on the reset page.
func (h *HandlerImpl) RecoverPassword(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := api.Validate(req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pc := clientFrom(r.Context())
	if _, err := pc.auth.RecoverPassword(r.Context(), req.Token, req.Password); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, r, pc, identity.Result{Success: true})
}

func (h *HandlerImpl) ClearError(w http.ResponseWriter, r *http.Request) {
	clientFrom(r.Context()).manager.ClearError()
	w.WriteHeader(http.StatusNoContent)
}

func (h *HandlerImpl) Roles(w http.ResponseWriter, r *http.Request) {
	api.WriteJSONResponse(w, r, http.StatusOK, clientFrom(r.Context()).manager.AvailableRoles())
}

func (h *HandlerImpl) HasPermission(w http.ResponseWriter, r *http.Request) {
	perm := chi.URLParam(r, "permission")
	api.WriteJSONResponse(w, r, http.StatusOK, PermissionResponse{
		Permission: perm,
		Granted:    clientFrom(r.Context()).manager.HasPermission(perm),
	})
}
