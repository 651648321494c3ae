package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/go-property-portal/app/observability/metrics"
	"github.com/FACorreiaa/go-property-portal/config"
	"github.com/FACorreiaa/go-property-portal/internal/api"
	"github.com/FACorreiaa/go-property-portal/internal/types"
)

const (
	InvalidCredentialsMessage = "Invalid email or password."
	VerifyEmailMessage        = "Please check your email to verify your account"
)

type signUpInput struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=6"`
}

type emailInput struct {
	Email string `validate:"required,email"`
}

type passwordInput struct {
	Password string `validate:"required,min=6"`
}

// Manager is the single writer of one client's session, identity and
// profile state. Every profile fetch takes a sequence number first; a result
// whose number is no longer the latest is dropped, so a slow fetch can never
// overwrite newer state or bring a profile back after sign-out.
type Manager struct {
	provider AuthProvider
	store    ProfileStore
	nav      Navigator
	cfg      config.AuthConfig
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	session     *types.AuthSession
	identity    *types.Identity
	profile     *types.Profile
	errMsg      string
	status      Status
	seq         uint64
	inflight    int
	interactive int
	lastRoute   string

	closeOnce   sync.Once
	unsubscribe func()
}

// NewManager subscribes to provider. Call Initialize to rehydrate the stored
// session and Close to unsubscribe.
func NewManager(provider AuthProvider, store ProfileStore, nav Navigator, cfg config.AuthConfig, logger *slog.Logger) *Manager {
	m := &Manager{
		provider: provider,
		store:    store,
		nav:      nav,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "identity")),
		now:      time.Now,
		status:   StatusUninitialized,
	}
	m.unsubscribe = provider.OnAuthStateChange(m.handleAuthEvent)
	return m
}

func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
	})
}

// begin marks an operation as in flight. An interactive operation owns the
// routing for the SIGNED_IN event it causes.
func (m *Manager) begin(ctx context.Context, op string, interactive bool) (context.Context, func()) {
	ctx, span := otel.Tracer("IdentityManager").Start(ctx, op, trace.WithAttributes(
		attribute.Bool("identity.interactive", interactive),
	))
	start := time.Now()

	m.mu.Lock()
	m.inflight++
	if interactive {
		m.interactive++
		m.errMsg = ""
		m.lastRoute = ""
	}
	m.mu.Unlock()

	return ctx, func() {
		m.mu.Lock()
		m.inflight--
		if interactive {
			m.interactive--
		}
		m.mu.Unlock()
		metrics.Get().AuthDurationSeconds.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("operation", op)))
		span.End()
	}
}

func (m *Manager) nextSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.status = StatusLoading
	return m.seq
}

func (m *Manager) statusLocked() Status {
	switch {
	case m.identity == nil:
		return StatusUnauthenticated
	case m.profile != nil:
		return StatusAuthenticated
	default:
		return StatusAuthenticatedNoProfile
	}
}

// commitProfile adopts p if seq is still the latest.
func (m *Manager) commitProfile(seq uint64, p *types.Profile) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq != m.seq {
		return false
	}
	m.profile = p.Clone()
	m.status = m.statusLocked()
	return true
}

// commitFailure records a failed fetch and leaves the current profile alone.
func (m *Manager) commitFailure(seq uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq != m.seq {
		return
	}
	m.errMsg = err.Error()
	m.status = m.statusLocked()
}

func (m *Manager) clearLocked() {
	m.seq++
	m.session = nil
	m.identity = nil
	m.profile = nil
	m.errMsg = ""
	m.lastRoute = ""
	m.status = StatusUnauthenticated
}

func (m *Manager) adoptSession(session *types.AuthSession) types.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *session
	id := s.Identity
	m.session = &s
	m.identity = &id
	if m.profile != nil && m.profile.ID != id.ID {
		m.profile = nil
	}
	return id
}

func (m *Manager) setError(msg string) {
	m.mu.Lock()
	m.errMsg = msg
	m.mu.Unlock()
}

func (m *Manager) fetchProfile(ctx context.Context, id uuid.UUID) (*types.Profile, error) {
	p, err := m.store.GetProfile(ctx, id)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// navigate skips a destination that was already issued since the last
// login or sign-out.
func (m *Manager) navigate(ctx context.Context, path string) {
	m.mu.Lock()
	if path == m.lastRoute {
		m.mu.Unlock()
		m.logger.DebugContext(ctx, "Skipping repeated navigation", slog.String("path", path))
		return
	}
	m.lastRoute = path
	m.mu.Unlock()
	m.nav.Navigate(ctx, path)
}

func (m *Manager) routeAfterLogin(ctx context.Context, p *types.Profile) {
	m.navigate(ctx, RouteFor(p))
}

func (m *Manager) invalid(msg string) Result {
	m.setError(msg)
	return Result{Error: msg, Kind: KindValidation}
}

func (m *Manager) fail(ctx context.Context, err error) Result {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, "provider error")

	r := Result{Error: err.Error(), Kind: KindProvider}
	if errors.Is(err, api.ErrInvalidCredentials) {
		r.Error = InvalidCredentialsMessage
		r.Kind = KindInvalidCredentials
	}
	m.setError(r.Error)
	return r
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func count(ctx context.Context, c metric.Int64Counter, outcome string) {
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Initialize rehydrates the persisted session. A profile found here is
// adopted without navigating; a reload must not move the user.
func (m *Manager) Initialize(ctx context.Context) error {
	ctx, done := m.begin(ctx, "Initialize", false)
	defer done()

	m.mu.Lock()
	m.status = StatusLoading
	m.mu.Unlock()

	session, err := m.provider.GetCurrentSession(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to rehydrate session", slog.Any("error", err))
		m.mu.Lock()
		m.clearLocked()
		m.mu.Unlock()
		return fmt.Errorf("rehydrating session: %w", err)
	}
	return m.applySession(ctx, types.EventInitialSession, session)
}

func (m *Manager) handleAuthEvent(ctx context.Context, event types.AuthEvent, session *types.AuthSession) {
	if session == nil {
		m.mu.Lock()
		m.clearLocked()
		m.mu.Unlock()
		m.logger.InfoContext(ctx, "Session ended", slog.String("event", string(event)))
		return
	}

	m.mu.Lock()
	owned := event == types.EventSignedIn && m.interactive > 0
	if event == types.EventSignedIn && !owned {
		m.lastRoute = ""
	}
	m.mu.Unlock()

	if owned {
		m.adoptSession(session)
		return
	}

	ctx, done := m.begin(ctx, "AuthStateChange", false)
	defer done()
	if err := m.applySession(ctx, event, session); err != nil {
		m.logger.WarnContext(ctx, "Auth state change not applied",
			slog.String("event", string(event)), slog.Any("error", err))
	}
}

// applySession records session and resolves its profile. Only SIGNED_IN
// navigates; a signed-in identity without a profile is bootstrapped.
func (m *Manager) applySession(ctx context.Context, event types.AuthEvent, session *types.AuthSession) error {
	if session == nil {
		m.mu.Lock()
		m.clearLocked()
		m.mu.Unlock()
		return nil
	}

	id := m.adoptSession(session)
	seq := m.nextSeq()
	p, err := m.fetchProfile(ctx, id.ID)
	if err != nil {
		m.commitFailure(seq, err)
		return fmt.Errorf("fetching profile: %w", err)
	}
	if !m.commitProfile(seq, p) {
		m.logger.DebugContext(ctx, "Discarding stale profile", slog.String("event", string(event)))
		return nil
	}
	if event != types.EventSignedIn {
		return nil
	}
	if p != nil {
		m.routeAfterLogin(ctx, p)
		return nil
	}
	_, err = m.bootstrapAndNavigate(ctx)
	return err
}

// SignIn never returns an error value; failures are reported in the Result.
func (m *Manager) SignIn(ctx context.Context, email, password string) Result {
	email = normalizeEmail(email)
	password = strings.TrimSpace(password)
	if email == "" || password == "" {
		return m.invalid("Email and password are required")
	}

	ctx, done := m.begin(ctx, "SignIn", true)
	defer done()
	l := m.logger.With(slog.String("method", "SignIn"))

	session, err := m.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		count(ctx, metrics.Get().SignInTotal, "failure")
		l.InfoContext(ctx, "Sign in rejected", slog.Any("error", err))
		return m.fail(ctx, err)
	}
	count(ctx, metrics.Get().SignInTotal, "success")

	id := m.adoptSession(session)
	seq := m.nextSeq()
	p, err := m.fetchProfile(ctx, id.ID)
	if err != nil {
		l.ErrorContext(ctx, "Failed to fetch profile after sign in", slog.Any("error", err))
		m.commitFailure(seq, err)
		return Result{Success: true}
	}
	if !m.commitProfile(seq, p) {
		return Result{Success: true}
	}
	if p != nil {
		m.routeAfterLogin(ctx, p)
		return Result{Success: true}
	}
	if _, err = m.bootstrapAndNavigate(ctx); err != nil {
		l.WarnContext(ctx, "Profile bootstrap after sign in failed", slog.Any("error", err))
	}
	return Result{Success: true}
}

// SignUp creates the identity. With an immediate session the profile is
// created and the user routed; otherwise the user must verify their email.
func (m *Manager) SignUp(ctx context.Context, email, password string, data SignUpData) Result {
	email = normalizeEmail(email)
	password = strings.TrimSpace(password)
	if err := api.Validate(signUpInput{Email: email, Password: password}); err != nil {
		return m.invalid(err.Error())
	}
	if data.Role != nil && !data.Role.Valid() {
		return m.invalid("Role is invalid")
	}

	ctx, done := m.begin(ctx, "SignUp", true)
	defer done()
	l := m.logger.With(slog.String("method", "SignUp"))

	_, session, err := m.provider.SignUp(ctx, email, password, data.metadata())
	if err != nil {
		count(ctx, metrics.Get().SignUpTotal, "failure")
		l.InfoContext(ctx, "Sign up rejected", slog.Any("error", err))
		return m.fail(ctx, err)
	}
	if session == nil {
		count(ctx, metrics.Get().SignUpTotal, "verification_required")
		return Result{Success: true, Message: VerifyEmailMessage}
	}
	count(ctx, metrics.Get().SignUpTotal, "success")

	m.adoptSession(session)
	res, err := m.bootstrap(ctx)
	if err != nil {
		l.WarnContext(ctx, "Profile bootstrap after sign up failed", slog.Any("error", err))
		return Result{Success: true}
	}
	m.routeAfterLogin(ctx, res.Profile)
	return Result{Success: true, Degraded: res.Degraded}
}

// SignInWithProvider starts the redirect flow. The session arrives later as
// a SIGNED_IN event once the provider calls back to {origin}/auth/callback.
func (m *Manager) SignInWithProvider(ctx context.Context, provider string) OAuthResult {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return OAuthResult{Result: m.invalid("Provider is required")}
	}

	ctx, done := m.begin(ctx, "SignInWithProvider", false)
	defer done()
	m.setError("")

	authURL, err := m.provider.SignInWithOAuth(ctx, provider)
	if err != nil {
		return OAuthResult{Result: m.fail(ctx, err)}
	}
	return OAuthResult{Result: Result{Success: true}, URL: authURL}
}

func (m *Manager) SignInWithGoogle(ctx context.Context) OAuthResult {
	return m.SignInWithProvider(ctx, "google")
}

// SignOut clears local state before contacting the provider, so no profile
// is observable once it returns, even if revocation fails.
func (m *Manager) SignOut(ctx context.Context) {
	ctx, done := m.begin(ctx, "SignOut", false)
	defer done()

	m.mu.Lock()
	m.clearLocked()
	m.mu.Unlock()

	if err := m.provider.SignOut(ctx); err != nil {
		m.logger.WarnContext(ctx, "Provider sign out failed", slog.Any("error", err))
		m.setError(err.Error())
	}
	m.navigate(ctx, RouteRoot)
}

// UpdateProfile persists u and merges it into the loaded profile.
func (m *Manager) UpdateProfile(ctx context.Context, u types.ProfileUpdate) error {
	m.mu.Lock()
	loaded := m.profile != nil
	var id uuid.UUID
	if loaded {
		id = m.profile.ID
	}
	m.mu.Unlock()
	if !loaded {
		return ErrUnauthenticated
	}
	if u.Role != nil && !u.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, *u.Role)
	}
	if u.IsEmpty() {
		return nil
	}

	ctx, done := m.begin(ctx, "UpdateProfile", false)
	defer done()
	m.setError("")

	if err := m.store.UpdateProfile(ctx, id, u); err != nil {
		m.setError(err.Error())
		return fmt.Errorf("updating profile: %w", err)
	}

	m.mu.Lock()
	if m.profile != nil && m.profile.ID == id {
		m.profile.Apply(u, m.now())
	}
	m.mu.Unlock()
	return nil
}

// UpdateUserRole sets role, approving only super_admin, and re-reads the row.
func (m *Manager) UpdateUserRole(ctx context.Context, role types.Role) error {
	m.mu.Lock()
	loaded := m.profile != nil
	var id uuid.UUID
	if loaded {
		id = m.profile.ID
	}
	m.mu.Unlock()
	if !loaded {
		return ErrUnauthenticated
	}
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	ctx, done := m.begin(ctx, "UpdateUserRole", false)
	defer done()

	approved := role == types.RoleSuperAdmin
	if err := m.store.UpdateProfile(ctx, id, types.ProfileUpdate{Role: &role, Approved: &approved}); err != nil {
		m.setError(err.Error())
		return fmt.Errorf("updating role: %w", err)
	}
	m.logger.InfoContext(ctx, "Role updated", slog.String("userID", id.String()), slog.String("role", role.String()))
	return m.RefreshUser(ctx)
}

// RefreshUser re-reads the profile of the signed-in identity. Without an
// identity it does nothing.
func (m *Manager) RefreshUser(ctx context.Context) error {
	m.mu.Lock()
	ident := m.identity
	m.mu.Unlock()
	if ident == nil {
		return nil
	}

	ctx, done := m.begin(ctx, "RefreshUser", false)
	defer done()

	seq := m.nextSeq()
	p, err := m.fetchProfile(ctx, ident.ID)
	if err != nil {
		m.commitFailure(seq, err)
		return fmt.Errorf("refreshing profile: %w", err)
	}
	m.commitProfile(seq, p)
	return nil
}

// CreateProfileIfMissing reports whether a profile, possibly a degraded
// one, is loaded afterwards.
func (m *Manager) CreateProfileIfMissing(ctx context.Context) bool {
	res, err := m.Bootstrap(ctx)
	return err == nil && res.Profile != nil
}

// Bootstrap adopts the existing profile or creates one from the identity's
// metadata and navigates to the profile screen. It is idempotent.
func (m *Manager) Bootstrap(ctx context.Context) (BootstrapResult, error) {
	ctx, done := m.begin(ctx, "Bootstrap", false)
	defer done()
	return m.bootstrapAndNavigate(ctx)
}

func (m *Manager) bootstrapAndNavigate(ctx context.Context) (BootstrapResult, error) {
	res, err := m.bootstrap(ctx)
	if err != nil {
		return res, err
	}
	if res.Created {
		m.navigate(ctx, RouteProfile)
	}
	return res, nil
}

func (m *Manager) bootstrap(ctx context.Context) (BootstrapResult, error) {
	l := m.logger.With(slog.String("method", "bootstrap"))

	m.mu.Lock()
	var ident *types.Identity
	if m.identity != nil {
		cp := *m.identity
		ident = &cp
	}
	m.mu.Unlock()
	if ident == nil {
		return BootstrapResult{}, ErrUnauthenticated
	}

	seq := m.nextSeq()
	existing, err := m.fetchProfile(ctx, ident.ID)
	if err != nil {
		m.commitFailure(seq, err)
		return BootstrapResult{Err: err}, fmt.Errorf("checking for profile: %w", err)
	}
	if existing != nil {
		if !m.commitProfile(seq, existing) {
			return BootstrapResult{}, ErrSuperseded
		}
		return BootstrapResult{Profile: existing.Clone()}, nil
	}

	draft := m.newProfile(ctx, *ident)
	res := BootstrapResult{Created: true}
	created, err := m.store.CreateProfile(ctx, draft)
	switch {
	case err == nil:
		res.Profile = created
	case errors.Is(err, api.ErrConflict):
		// Someone else bootstrapped the same identity first.
		if again, ferr := m.fetchProfile(ctx, ident.ID); ferr == nil && again != nil {
			res = BootstrapResult{Profile: again}
			break
		}
		fallthrough
	default:
		l.WarnContext(ctx, "Profile insert failed, continuing with unpersisted profile",
			slog.String("userID", ident.ID.String()), slog.Any("error", err))
		res.Profile = &draft
		res.Degraded = true
		res.Err = err
	}
	metrics.Get().ProfileBootstrapTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("degraded", res.Degraded)))

	if !m.commitProfile(seq, res.Profile) {
		return BootstrapResult{}, ErrSuperseded
	}
	res.Profile = res.Profile.Clone()
	return res, nil
}

// newProfile derives a first profile from identity metadata. An unknown role
// is dropped so the closed role set holds.
func (m *Manager) newProfile(ctx context.Context, ident types.Identity) types.Profile {
	first, last := types.SplitFullName(ident.FullName())
	if v := ident.Metadata.String(types.MetaLastName); v != "" {
		last = v
	}

	role := ident.Role()
	if role != nil && !role.Valid() {
		m.logger.WarnContext(ctx, "Ignoring unknown role in metadata", slog.String("role", role.String()))
		role = nil
	}
	status := ""
	if role != nil && *role != types.RoleSuperAdmin {
		status = types.StatusPending
	}
	admin := role != nil && *role == types.RoleSuperAdmin

	now := m.now()
	return types.Profile{
		ID:        ident.ID,
		Email:     ident.Email,
		FirstName: types.StringPtr(first),
		LastName:  types.StringPtr(last),
		Phone:     types.StringPtr(ident.Metadata.String(types.MetaPhone)),
		AvatarURL: types.StringPtr(ident.Metadata.String(types.MetaAvatarURL)),
		Role:      role,
		Status:    status,
		Approved:  admin,
		IsActive:  admin,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (m *Manager) ResendVerificationEmail(ctx context.Context, email string) Result {
	email = normalizeEmail(email)
	if err := api.Validate(emailInput{Email: email}); err != nil {
		return m.invalid(err.Error())
	}

	ctx, done := m.begin(ctx, "ResendVerificationEmail", false)
	defer done()
	if err := m.provider.ResendSignupVerification(ctx, email); err != nil {
		return m.fail(ctx, err)
	}
	return Result{Success: true}
}

func (m *Manager) UpdatePassword(ctx context.Context, newPassword string) Result {
	if err := api.Validate(passwordInput{Password: newPassword}); err != nil {
		return m.invalid(err.Error())
	}

	ctx, done := m.begin(ctx, "UpdatePassword", false)
	defer done()
	if err := m.provider.UpdateCurrentUserPassword(ctx, newPassword); err != nil {
		return m.fail(ctx, err)
	}
	return Result{Success: true}
}

// ResetPassword emails a recovery link pointing at {origin}/reset-password.
func (m *Manager) ResetPassword(ctx context.Context, email string) Result {
	email = normalizeEmail(email)
	if err := api.Validate(emailInput{Email: email}); err != nil {
		return m.invalid(err.Error())
	}

	ctx, done := m.begin(ctx, "ResetPassword", false)
	defer done()
	if err := m.provider.ResetPasswordForEmail(ctx, email, m.cfg.ResetPasswordURL()); err != nil {
		return m.fail(ctx, err)
	}
	return Result{Success: true, Message: "Password reset instructions have been sent to your email"}
}

func (m *Manager) ClearError() {
	m.setError("")
}

func (m *Manager) Authorization() Authorization {
	m.mu.Lock()
	defer m.mu.Unlock()
	return AuthorizationFor(m.profile)
}

func (m *Manager) IsAdmin() bool { return m.Authorization().IsAdmin() }

func (m *Manager) IsApproved() bool { return m.Authorization().IsApproved() }

func (m *Manager) HasPermission(permission string) bool {
	return m.Authorization().HasPermission(permission)
}

// GetUserRole returns nil when no role is set.
func (m *Manager) GetUserRole() *types.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profile == nil || m.profile.Role == nil {
		return nil
	}
	r := *m.profile.Role
	return &r
}

func (m *Manager) AvailableRoles() []types.RoleInfo {
	return slices.Clone(types.AvailableRoles)
}

func (m *Manager) IsLoading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight > 0
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := State{
		Profile:       m.profile.Clone(),
		Loading:       m.inflight > 0,
		Error:         m.errMsg,
		Status:        m.status,
		Authorization: AuthorizationFor(m.profile),
	}
	if m.session != nil {
		s := *m.session
		st.Session = &s
	}
	if m.identity != nil {
		id := *m.identity
		st.Identity = &id
	}
	return st
}
