package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	appMiddleware "github.com/FACorreiaa/go-property-portal/app/middleware"
	"github.com/FACorreiaa/go-property-portal/config"
	"github.com/FACorreiaa/go-property-portal/internal/api"
	authclient "github.com/FACorreiaa/go-property-portal/internal/api/auth/client"
	"github.com/FACorreiaa/go-property-portal/internal/identity"
	"github.com/FACorreiaa/go-property-portal/internal/types"
)

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) session(args mock.Arguments) (*types.AuthSession, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.AuthSession), args.Error(1)
}

func (m *MockBackend) SignInWithPassword(ctx context.Context, email, password string) (*types.AuthSession, error) {
	return m.session(m.Called(ctx, email, password))
}

func (m *MockBackend) SignUp(ctx context.Context, email, password string, metadata types.Metadata) (*types.Identity, *types.AuthSession, error) {
	args := m.Called(ctx, email, password, metadata)
	var identity *types.Identity
	if v := args.Get(0); v != nil {
		identity = v.(*types.Identity)
	}
	var session *types.AuthSession
	if v := args.Get(1); v != nil {
		session = v.(*types.AuthSession)
	}
	return identity, session, args.Error(2)
}

func (m *MockBackend) Refresh(ctx context.Context, refreshToken string) (*types.AuthSession, error) {
	return m.session(m.Called(ctx, refreshToken))
}

func (m *MockBackend) SignOut(ctx context.Context, refreshToken string) error {
	return m.Called(ctx, refreshToken).Error(0)
}

func (m *MockBackend) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	return m.Called(ctx, email, redirectTo).Error(0)
}

func (m *MockBackend) ResendSignupVerification(ctx context.Context, email string) error {
	return m.Called(ctx, email).Error(0)
}

func (m *MockBackend) VerifyEmail(ctx context.Context, token string) (*types.AuthSession, error) {
	return m.session(m.Called(ctx, token))
}

func (m *MockBackend) RecoverPassword(ctx context.Context, token, newPassword string) (*types.AuthSession, error) {
	return m.session(m.Called(ctx, token, newPassword))
}

func (m *MockBackend) UpdatePassword(ctx context.Context, userID uuid.UUID, newPassword string) error {
	return m.Called(ctx, userID, newPassword).Error(0)
}

func (m *MockBackend) BeginOAuth(ctx context.Context, provider string) (string, error) {
	args := m.Called(ctx, provider)
	return args.String(0), args.Error(1)
}

func (m *MockBackend) CompleteOAuth(ctx context.Context, params url.Values) (*types.AuthSession, error) {
	return m.session(m.Called(ctx, params))
}

type MockProfileStore struct {
	mock.Mock
}

func (s *MockProfileStore) GetProfile(ctx context.Context, id uuid.UUID) (*types.Profile, error) {
	args := s.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Profile), args.Error(1)
}

func (s *MockProfileStore) CreateProfile(ctx context.Context, p types.Profile) (*types.Profile, error) {
	args := s.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Profile), args.Error(1)
}

func (s *MockProfileStore) UpdateProfile(ctx context.Context, id uuid.UUID, params types.ProfileUpdate) error {
	return s.Called(ctx, id, params).Error(0)
}

type fixture struct {
	handler  http.Handler
	backend  *MockBackend
	store    *MockProfileStore
	registry *Registry
}

func setupPortal(t *testing.T, authPerMinute, burst int) *fixture {
	t.Helper()
	backend := new(MockBackend)
	store := new(MockProfileStore)
	logger := slog.Default()
	authCfg := config.AuthConfig{SiteURL: "http://portal.test", RefreshMargin: time.Minute}

	reg := NewRegistry(backend, authclient.NewMemoryStorage(time.Hour), store, authCfg, time.Hour, logger)
	t.Cleanup(reg.Close)
	h := NewHandlerImpl(reg, config.PortalConfig{}, logger)
	limiter := appMiddleware.NewRateLimiter(authPerMinute, burst, logger)

	r := chi.NewRouter()
	r.Mount("/portal", h.Routes(limiter.Middleware))
	r.With(h.Client).Get("/auth/callback", h.OAuthCallback)
	r.With(h.Client).Get("/auth/confirm", h.ConfirmEmail)

	return &fixture{handler: r, backend: backend, store: store, registry: reg}
}

// browser replays the portal cookie like a real one would.
type browser struct {
	t      *testing.T
	h      http.Handler
	cookie *http.Cookie
}

func (f *fixture) browser(t *testing.T) *browser {
	return &browser{t: t, h: f.handler}
}

func (b *browser) do(method, path string, body any) *httptest.ResponseRecorder {
	b.t.Helper()
	var rdr io.Reader = http.NoBody
	if body != nil {
		js, err := json.Marshal(body)
		require.NoError(b.t, err)
		rdr = bytes.NewReader(js)
	}
	req := httptest.NewRequest(method, path, rdr)
	if b.cookie != nil {
		req.AddCookie(b.cookie)
	}
	rr := httptest.NewRecorder()
	b.h.ServeHTTP(rr, req)
	for _, c := range rr.Result().Cookies() {
		if c.Name == defaultCookieName {
			b.cookie = c
		}
	}
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), rr.Body.String())
	return resp
}

func testSession(id uuid.UUID, email string) *types.AuthSession {
	return &types.AuthSession{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		TokenType:    "bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
		Identity:     types.Identity{ID: id, Email: email},
	}
}

func testProfile(id uuid.UUID, role *types.Role, approved bool) *types.Profile {
	return &types.Profile{ID: id, Email: "ada@example.com", Role: role, Approved: approved}
}

func roleRef(r types.Role) *types.Role { return &r }

// signIn signs b in as a user whose profile has role.
func (f *fixture) signIn(t *testing.T, b *browser, role *types.Role) uuid.UUID {
	t.Helper()
	id := uuid.New()
	f.backend.On("SignInWithPassword", mock.Anything, "ada@example.com", "secret1").
		Return(testSession(id, "ada@example.com"), nil).Once()
	f.store.On("GetProfile", mock.Anything, id).Return(testProfile(id, role, false), nil).Once()

	rr := b.do(http.MethodPost, "/portal/sign-in", SignInRequest{Email: "ada@example.com", Password: "secret1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return id
}

func TestSessionCookie(t *testing.T) {
	f := setupPortal(t, 60, 10)
	b := f.browser(t)

	rr := b.do(http.MethodGet, "/portal/session", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, b.cookie)
	assert.True(t, b.cookie.HttpOnly)
	_, err := uuid.Parse(b.cookie.Value)
	assert.NoError(t, err)

	var view SessionView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, identity.StatusUnauthenticated, view.Status)
	assert.Nil(t, view.Profile)
	assert.Empty(t, view.Permissions)

	rr = b.do(http.MethodGet, "/portal/session", nil)
	assert.Empty(t, rr.Result().Cookies())
	assert.Equal(t, 1, f.registry.Len())

	f.browser(t).do(http.MethodGet, "/portal/session", nil)
	assert.Equal(t, 2, f.registry.Len())
}

func TestSignIn(t *testing.T) {
	t.Run("routes by role", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		b := f.browser(t)
		id := uuid.New()
		f.backend.On("SignInWithPassword", mock.Anything, "ada@example.com", "secret1").
			Return(testSession(id, "ada@example.com"), nil).Once()
		f.store.On("GetProfile", mock.Anything, id).Return(testProfile(id, roleRef(types.RoleTenant), true), nil).Once()

		rr := b.do(http.MethodPost, "/portal/sign-in", SignInRequest{Email: "Ada@Example.com", Password: "secret1"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		resp := decodeResponse(t, rr)
		assert.True(t, resp.Success)
		assert.Equal(t, identity.RouteTenant, resp.RedirectTo)
		require.NotNil(t, resp.Session)
		assert.Equal(t, identity.StatusAuthenticated, resp.Session.Status)
		assert.Equal(t, identity.Approved, resp.Session.Authorization.Kind)
		assert.Contains(t, resp.Session.Permissions, "pay_rent")
		assert.NotNil(t, resp.Session.ExpiresAt)
		assert.NotContains(t, rr.Body.String(), "refresh-token")

		rr = b.do(http.MethodGet, "/portal/permissions/pay_rent", nil)
		var perm PermissionResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &perm))
		assert.True(t, perm.Granted)

		rr = b.do(http.MethodGet, "/portal/permissions/collect_rent", nil)
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &perm))
		assert.False(t, perm.Granted)
	})

	t.Run("a cookie held before sign-in carries no session", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		planted := f.browser(t)
		planted.do(http.MethodGet, "/portal/session", nil)
		require.NotNil(t, planted.cookie)

		victim := f.browser(t)
		victim.cookie = planted.cookie
		f.signIn(t, victim, roleRef(types.RoleTenant))
		require.NotEqual(t, planted.cookie.Value, victim.cookie.Value)

		var view SessionView
		rr := victim.do(http.MethodGet, "/portal/session", nil)
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
		assert.Equal(t, identity.StatusAuthenticated, view.Status)

		rr = planted.do(http.MethodGet, "/portal/session", nil)
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
		assert.Equal(t, identity.StatusUnauthenticated, view.Status)
		assert.Nil(t, view.Profile)
		assert.Equal(t, 2, f.registry.Len())
	})

	t.Run("failed sign-in keeps the cookie", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		b := f.browser(t)
		b.do(http.MethodGet, "/portal/session", nil)
		before := b.cookie.Value
		f.backend.On("SignInWithPassword", mock.Anything, "ada@example.com", "wrong").
			Return(nil, api.ErrInvalidCredentials).Once()

		rr := b.do(http.MethodPost, "/portal/sign-in", SignInRequest{Email: "ada@example.com", Password: "wrong"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Empty(t, rr.Result().Cookies())
		assert.Equal(t, before, b.cookie.Value)
	})

	t.Run("invalid credentials", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		f.backend.On("SignInWithPassword", mock.Anything, "ada@example.com", "wrong").
			Return(nil, api.ErrInvalidCredentials).Once()

		rr := f.browser(t).do(http.MethodPost, "/portal/sign-in", SignInRequest{Email: "ada@example.com", Password: "wrong"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		resp := decodeResponse(t, rr)
		assert.False(t, resp.Success)
		assert.Equal(t, identity.KindInvalidCredentials, resp.Kind)
		assert.Equal(t, identity.InvalidCredentialsMessage, resp.Error)
		assert.Empty(t, resp.RedirectTo)
	})

	t.Run("malformed body", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		req := httptest.NewRequest(http.MethodPost, "/portal/sign-in", bytes.NewBufferString(`{"email":`))
		rr := httptest.NewRecorder()
		f.handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		f.backend.AssertNotCalled(t, "SignInWithPassword", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rate limited", func(t *testing.T) {
		f := setupPortal(t, 1, 1)
		f.backend.On("SignInWithPassword", mock.Anything, "ada@example.com", "wrong").
			Return(nil, api.ErrInvalidCredentials).Once()
		b := f.browser(t)

		rr := b.do(http.MethodPost, "/portal/sign-in", SignInRequest{Email: "ada@example.com", Password: "wrong"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		rr = b.do(http.MethodPost, "/portal/sign-in", SignInRequest{Email: "ada@example.com", Password: "wrong"})
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		f.backend.AssertNumberOfCalls(t, "SignInWithPassword", 1)

		// Session reads are not limited.
		rr = b.do(http.MethodGet, "/portal/session", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestSignUp(t *testing.T) {
	t.Run("validation happens before the backend", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		rr := f.browser(t).do(http.MethodPost, "/portal/sign-up", SignUpRequest{Email: "bad-email", Password: "abc", FullName: "X"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		resp := decodeResponse(t, rr)
		assert.Equal(t, identity.KindValidation, resp.Kind)
		f.backend.AssertNotCalled(t, "SignUp", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("verification pending", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		role := "owner"
		meta := types.Metadata{types.MetaFullName: "Ada Lovelace", types.MetaRole: "owner"}
		f.backend.On("SignUp", mock.Anything, "new@x.com", "secret1", meta).
			Return(&types.Identity{ID: uuid.New(), Email: "new@x.com"}, nil, nil).Once()

		rr := f.browser(t).do(http.MethodPost, "/portal/sign-up", SignUpRequest{
			Email: "new@x.com", Password: "secret1", FullName: "Ada Lovelace", Role: &role,
		})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		resp := decodeResponse(t, rr)
		assert.Equal(t, identity.VerifyEmailMessage, resp.Message)
		assert.Equal(t, identity.StatusUnauthenticated, resp.Session.Status)
		f.store.AssertNotCalled(t, "CreateProfile", mock.Anything, mock.Anything)
	})
}

func TestOAuth(t *testing.T) {
	t.Run("redirects to the provider", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		f.backend.On("BeginOAuth", mock.Anything, "google").
			Return("https://accounts.google.com/o/oauth2/auth?state=abc", nil).Once()

		rr := f.browser(t).do(http.MethodGet, "/portal/oauth/google", nil)
		assert.Equal(t, http.StatusFound, rr.Code)
		assert.Equal(t, "https://accounts.google.com/o/oauth2/auth?state=abc", rr.Header().Get("Location"))
	})

	t.Run("unknown provider", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		f.backend.On("BeginOAuth", mock.Anything, "myspace").Return("", api.ErrUnknownProvider).Once()

		rr := f.browser(t).do(http.MethodGet, "/portal/oauth/myspace", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, api.ErrUnknownProvider.Error(), decodeResponse(t, rr).Error)
	})

	t.Run("callback bootstraps a first-time user", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		b := f.browser(t)
		id := uuid.New()
		f.backend.On("CompleteOAuth", mock.Anything, mock.MatchedBy(func(v url.Values) bool {
			return v.Get("state") == "abc" && v.Get("code") == "xyz"
		})).Return(testSession(id, "ada@gmail.com"), nil).Once()
		f.store.On("GetProfile", mock.Anything, id).Return(nil, api.ErrNotFound).Twice()
		f.store.On("CreateProfile", mock.Anything, mock.MatchedBy(func(p types.Profile) bool {
			return p.ID == id && p.Email == "ada@gmail.com"
		})).Return(testProfile(id, nil, false), nil).Once()

		b.do(http.MethodGet, "/portal/session", nil)
		before := b.cookie.Value

		rr := b.do(http.MethodGet, "/auth/callback?state=abc&code=xyz", nil)
		assert.Equal(t, http.StatusFound, rr.Code)
		assert.Equal(t, identity.RouteProfile, rr.Header().Get("Location"))
		assert.NotEqual(t, before, b.cookie.Value)

		var view SessionView
		rr = b.do(http.MethodGet, "/portal/session", nil)
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
		assert.Equal(t, identity.StatusAuthenticated, view.Status)
		f.store.AssertExpectations(t)
	})

	t.Run("callback error goes back to login", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		rr := f.browser(t).do(http.MethodGet, "/auth/callback?error=access_denied", nil)
		assert.Equal(t, http.StatusFound, rr.Code)
		assert.Equal(t, "/auth/login?error=access_denied", rr.Header().Get("Location"))
		f.backend.AssertNotCalled(t, "CompleteOAuth", mock.Anything, mock.Anything)
	})

	t.Run("failed exchange goes back to login", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		f.backend.On("CompleteOAuth", mock.Anything, mock.Anything).Return(nil, api.ErrInvalidToken).Once()

		rr := f.browser(t).do(http.MethodGet, "/auth/callback?state=stale&code=xyz", nil)
		assert.Equal(t, http.StatusFound, rr.Code)
		assert.Contains(t, rr.Header().Get("Location"), "/auth/login?error=")
	})
}

func TestConfirmEmail(t *testing.T) {
	f := setupPortal(t, 60, 10)
	id := uuid.New()
	f.backend.On("VerifyEmail", mock.Anything, "tok").Return(testSession(id, "ada@example.com"), nil).Once()
	f.store.On("GetProfile", mock.Anything, id).Return(testProfile(id, roleRef(types.RoleOwner), false), nil).Once()

	rr := f.browser(t).do(http.MethodGet, "/auth/confirm?token=tok", nil)
	assert.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, identity.RouteOwner, rr.Header().Get("Location"))

	rr = f.browser(t).do(http.MethodGet, "/auth/confirm", nil)
	assert.Contains(t, rr.Header().Get("Location"), loginPath)
}

func TestSignOut(t *testing.T) {
	f := setupPortal(t, 60, 10)
	b := f.browser(t)
	f.signIn(t, b, roleRef(types.RoleOwner))
	f.backend.On("SignOut", mock.Anything, "refresh-token").Return(errors.New("network unreachable")).Once()

	rr := b.do(http.MethodPost, "/portal/sign-out", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeResponse(t, rr)
	assert.Equal(t, identity.RouteRoot, resp.RedirectTo)
	assert.Equal(t, identity.StatusUnauthenticated, resp.Session.Status)
	assert.Nil(t, resp.Session.Profile)
	assert.Nil(t, resp.Session.User)
	f.backend.AssertExpectations(t)
}

func TestProfileOperations(t *testing.T) {
	t.Run("require a signed-in profile", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		b := f.browser(t)

		rr := b.do(http.MethodPut, "/portal/role", RoleRequest{Role: "tenant"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		phone := "555-0100"
		rr = b.do(http.MethodPatch, "/portal/profile", ProfileRequest{Phone: &phone})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		rr = b.do(http.MethodPost, "/portal/profile/bootstrap", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("role selection", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		b := f.browser(t)
		id := f.signIn(t, b, nil)

		role := types.RolePropertyManager
		approved := false
		f.store.On("UpdateProfile", mock.Anything, id, types.ProfileUpdate{Role: &role, Approved: &approved}).Return(nil).Once()
		f.store.On("GetProfile", mock.Anything, id).Return(testProfile(id, &role, false), nil).Once()

		rr := b.do(http.MethodPut, "/portal/role", RoleRequest{Role: "property_manager"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		resp := decodeResponse(t, rr)
		assert.Equal(t, identity.PendingApproval, resp.Session.Authorization.Kind)
		assert.Equal(t, types.RolePropertyManager, resp.Session.Authorization.Role)

		rr = b.do(http.MethodPut, "/portal/role", RoleRequest{Role: "landlord"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("role names are case-insensitive", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		b := f.browser(t)
		id := f.signIn(t, b, nil)

		role := types.RoleTenant
		approved := false
		f.store.On("UpdateProfile", mock.Anything, id, types.ProfileUpdate{Role: &role, Approved: &approved}).Return(nil).Once()
		f.store.On("GetProfile", mock.Anything, id).Return(testProfile(id, &role, false), nil).Once()

		rr := b.do(http.MethodPut, "/portal/role", RoleRequest{Role: " Tenant "})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, types.RoleTenant, decodeResponse(t, rr).Session.Authorization.Role)
	})

	t.Run("update profile", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		b := f.browser(t)
		id := f.signIn(t, b, roleRef(types.RoleTenant))

		phone := "555-0100"
		f.store.On("UpdateProfile", mock.Anything, id, types.ProfileUpdate{Phone: &phone}).Return(nil).Once()

		rr := b.do(http.MethodPatch, "/portal/profile", ProfileRequest{Phone: &phone})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		resp := decodeResponse(t, rr)
		require.NotNil(t, resp.Session.Profile.Phone)
		assert.Equal(t, phone, *resp.Session.Profile.Phone)
	})

	t.Run("self-service cannot approve", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		b := f.browser(t)
		f.signIn(t, b, roleRef(types.RoleTenant))

		req := httptest.NewRequest(http.MethodPatch, "/portal/profile", bytes.NewBufferString(`{"approved":true}`))
		req.AddCookie(b.cookie)
		rr := httptest.NewRecorder()
		f.handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		f.store.AssertNotCalled(t, "UpdateProfile", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestPasswordFlows(t *testing.T) {
	t.Run("reset uses the reset page", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		f.backend.On("ResetPasswordForEmail", mock.Anything, "ada@example.com", "http://portal.test/reset-password").Return(nil).Once()

		rr := f.browser(t).do(http.MethodPost, "/portal/password/reset", EmailRequest{Email: "ada@example.com"})
		require.Equal(t, http.StatusOK, rr.Code)
		assert.NotEmpty(t, decodeResponse(t, rr).Message)
	})

	t.Run("recover signs in", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		b := f.browser(t)
		id := uuid.New()
		f.backend.On("RecoverPassword", mock.Anything, "tok", "newsecret").Return(testSession(id, "ada@example.com"), nil).Once()
		f.store.On("GetProfile", mock.Anything, id).Return(testProfile(id, roleRef(types.RoleTenant), true), nil).Once()

		rr := b.do(http.MethodPost, "/portal/password/recover", RecoverRequest{Token: "tok", Password: "newsecret"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		resp := decodeResponse(t, rr)
		assert.Equal(t, identity.StatusAuthenticated, resp.Session.Status)
		assert.Empty(t, resp.RedirectTo)
	})

	t.Run("recover with a bad token", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		f.backend.On("RecoverPassword", mock.Anything, "stale", "newsecret").Return(nil, api.ErrInvalidToken).Once()

		rr := f.browser(t).do(http.MethodPost, "/portal/password/recover", RecoverRequest{Token: "stale", Password: "newsecret"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		rr = f.browser(t).do(http.MethodPost, "/portal/password/recover", RecoverRequest{Token: "stale", Password: "abc"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("update without session", func(t *testing.T) {
		f := setupPortal(t, 60, 10)
		rr := f.browser(t).do(http.MethodPost, "/portal/password", PasswordRequest{Password: "newsecret"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, api.ErrUnauthenticated.Error(), decodeResponse(t, rr).Error)
	})
}

func TestMisc(t *testing.T) {
	f := setupPortal(t, 60, 10)
	b := f.browser(t)

	rr := b.do(http.MethodGet, "/portal/roles", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var roles []types.RoleInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &roles))
	assert.Len(t, roles, 4)

	rr = b.do(http.MethodDelete, "/portal/error", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = b.do(http.MethodPost, "/portal/profile/refresh", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decodeResponse(t, rr).Success)

	f.backend.On("ResendSignupVerification", mock.Anything, "ada@example.com").Return(nil).Once()
	rr = b.do(http.MethodPost, "/portal/verification/resend", EmailRequest{Email: "ada@example.com"})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRegistryClose(t *testing.T) {
	f := setupPortal(t, 60, 10)
	f.browser(t).do(http.MethodGet, "/portal/session", nil)
	f.browser(t).do(http.MethodGet, "/portal/session", nil)
	require.Equal(t, 2, f.registry.Len())

	f.registry.Close()
	assert.Equal(t, 0, f.registry.Len())
}
