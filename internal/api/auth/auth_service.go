package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/markbates/goth"
	"golang.org/x/crypto/bcrypt"

	"github.com/FACorreiaa/go-property-portal/config"
	"github.com/FACorreiaa/go-property-portal/internal/api"
	"github.com/FACorreiaa/go-property-portal/internal/types"
)

var _ AuthService = (*AuthServiceImpl)(nil)

// AuthService is the hosted-auth replacement: credentials, sessions,
// verification and recovery emails, and third-party sign-in.
type AuthService interface {
	SignInWithPassword(ctx context.Context, email, password string) (*types.AuthSession, error)
	// SignUp returns a nil session when the email has to be verified first.
	SignUp(ctx context.Context, email, password string, metadata types.Metadata) (*types.Identity, *types.AuthSession, error)
	// Refresh rotates the refresh token.
	Refresh(ctx context.Context, refreshToken string) (*types.AuthSession, error)
	SignOut(ctx context.Context, refreshToken string) error
	GetIdentity(ctx context.Context, accessToken string) (*types.Identity, error)
	ParseAccessToken(accessToken string) (*Claims, error)

	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	ResendSignupVerification(ctx context.Context, email string) error
	VerifyEmail(ctx context.Context, token string) (*types.AuthSession, error)
	RecoverPassword(ctx context.Context, token, newPassword string) (*types.AuthSession, error)
	UpdatePassword(ctx context.Context, userID uuid.UUID, newPassword string) error

	OAuthProviders() []string
	BeginOAuth(ctx context.Context, provider string) (string, error)
	CompleteOAuth(ctx context.Context, params url.Values) (*types.AuthSession, error)
}

type AuthServiceImpl struct {
	logger *slog.Logger
	repo   AuthRepo
	mailer Mailer
	oauth  *OAuthFlow
	jwtCfg config.JWTConfig
	cfg    config.AuthConfig
	now    func() time.Time
}

func NewAuthService(repo AuthRepo, mailer Mailer, oauth *OAuthFlow, cfg *config.Config, logger *slog.Logger) *AuthServiceImpl {
	return &AuthServiceImpl{
		logger: logger,
		repo:   repo,
		mailer: mailer,
		oauth:  oauth,
		jwtCfg: cfg.JWT,
		cfg:    cfg.Auth,
		now:    time.Now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *AuthServiceImpl) SignInWithPassword(ctx context.Context, email, password string) (*types.AuthSession, error) {
	l := s.logger.With(slog.String("method", "SignInWithPassword"))

	user, err := s.repo.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			l.InfoContext(ctx, "Sign-in for unknown email")
			return nil, api.ErrInvalidCredentials
		}
		return nil, err
	}
	if user.Password == "" {
		l.InfoContext(ctx, "Password sign-in for OAuth-only account", slog.String("userID", user.ID.String()))
		return nil, api.ErrInvalidCredentials
	}
	if err = bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		l.InfoContext(ctx, "Password mismatch", slog.String("userID", user.ID.String()))
		return nil, api.ErrInvalidCredentials
	}
	if s.cfg.RequireEmailVerification && user.EmailConfirmedAt == nil {
		return nil, api.ErrEmailNotConfirmed
	}

	return s.issueSession(ctx, user)
}

func (s *AuthServiceImpl) SignUp(ctx context.Context, email, password string, metadata types.Metadata) (*types.Identity, *types.AuthSession, error) {
	l := s.logger.With(slog.String("method", "SignUp"))

	if len(password) < MinPasswordLength {
		return nil, nil, api.ErrWeakPassword
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}

	var confirmedAt *time.Time
	if !s.cfg.RequireEmailVerification {
		now := s.now()
		confirmedAt = &now
	}

	user, err := s.repo.CreateUser(ctx, normalizeEmail(email), string(hashed), types.NormalizeMetadata(metadata), confirmedAt)
	if err != nil {
		return nil, nil, err
	}
	identity := user.Identity()

	if s.cfg.RequireEmailVerification {
		// The account exists either way; the user can ask for another mail.
		if err = s.sendVerification(ctx, user); err != nil {
			l.ErrorContext(ctx, "Verification email failed", slog.String("userID", user.ID.String()), slog.Any("error", err))
		}
		l.InfoContext(ctx, "User signed up, awaiting verification", slog.String("userID", user.ID.String()))
		return &identity, nil, nil
	}

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	l.InfoContext(ctx, "User signed up", slog.String("userID", user.ID.String()))
	return &identity, session, nil
}

func (s *AuthServiceImpl) Refresh(ctx context.Context, refreshToken string) (*types.AuthSession, error) {
	userID, err := s.repo.ConsumeRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.issueSession(ctx, user)
}

func (s *AuthServiceImpl) SignOut(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.repo.InvalidateRefreshToken(ctx, refreshToken)
}

func (s *AuthServiceImpl) ParseAccessToken(accessToken string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(accessToken, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtCfg.SecretKey), nil
	},
		jwt.WithIssuer(s.jwtCfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("access token rejected: %w", errors.Join(api.ErrInvalidToken, err))
	}
	if !api.VerifyAudience(claims.Audience, s.jwtCfg.Audience) {
		return nil, fmt.Errorf("access token audience mismatch: %w", api.ErrInvalidToken)
	}
	return claims, nil
}

func (s *AuthServiceImpl) GetIdentity(ctx context.Context, accessToken string) (*types.Identity, error) {
	claims, err := s.ParseAccessToken(accessToken)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("malformed uid claim: %w", api.ErrInvalidToken)
	}
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil, fmt.Errorf("token owner no longer exists: %w", api.ErrInvalidToken)
		}
		return nil, err
	}
	identity := user.Identity()
	return &identity, nil
}

func (s *AuthServiceImpl) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	l := s.logger.With(slog.String("method", "ResetPasswordForEmail"))

	user, err := s.repo.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			// Do not reveal whether the address is registered.
			l.InfoContext(ctx, "Recovery requested for unknown email")
			return nil
		}
		return err
	}
	if redirectTo == "" {
		redirectTo = s.cfg.ResetPasswordURL()
	}

	token := uuid.NewString()
	if err = s.repo.StoreOneTimeToken(ctx, user.ID, token, PurposeRecovery, s.now().Add(s.recoveryTTL())); err != nil {
		return err
	}
	link, err := withToken(redirectTo, token)
	if err != nil {
		return err
	}
	return s.mailer.SendRecovery(ctx, user.Email, link)
}

func (s *AuthServiceImpl) ResendSignupVerification(ctx context.Context, email string) error {
	user, err := s.repo.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil
		}
		return err
	}
	if user.EmailConfirmedAt != nil {
		s.logger.InfoContext(ctx, "Verification resend for confirmed email", slog.String("userID", user.ID.String()))
		return nil
	}
	return s.sendVerification(ctx, user)
}

func (s *AuthServiceImpl) VerifyEmail(ctx context.Context, token string) (*types.AuthSession, error) {
	userID, err := s.repo.ConsumeOneTimeToken(ctx, token, PurposeSignup)
	if err != nil {
		return nil, err
	}
	if err = s.repo.ConfirmEmail(ctx, userID, s.now()); err != nil {
		return nil, err
	}
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.issueSession(ctx, user)
}

func (s *AuthServiceImpl) RecoverPassword(ctx context.Context, token, newPassword string) (*types.AuthSession, error) {
	if len(newPassword) < MinPasswordLength {
		return nil, api.ErrWeakPassword
	}
	userID, err := s.repo.ConsumeOneTimeToken(ctx, token, PurposeRecovery)
	if err != nil {
		return nil, err
	}
	if err = s.setPassword(ctx, userID, newPassword); err != nil {
		return nil, err
	}
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.issueSession(ctx, user)
}

func (s *AuthServiceImpl) UpdatePassword(ctx context.Context, userID uuid.UUID, newPassword string) error {
	if len(newPassword) < MinPasswordLength {
		return api.ErrWeakPassword
	}
	return s.setPassword(ctx, userID, newPassword)
}

func (s *AuthServiceImpl) setPassword(ctx context.Context, userID uuid.UUID, newPassword string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash new password: %w", err)
	}
	if err = s.repo.UpdatePassword(ctx, userID, string(hashed)); err != nil {
		return err
	}
	if err = s.repo.InvalidateAllUserRefreshTokens(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "Failed to revoke refresh tokens after password change",
			slog.String("userID", userID.String()), slog.Any("error", err))
	}
	return nil
}

func (s *AuthServiceImpl) OAuthProviders() []string {
	if s.oauth == nil {
		return nil
	}
	return s.oauth.Providers()
}

func (s *AuthServiceImpl) BeginOAuth(ctx context.Context, provider string) (string, error) {
	if s.oauth == nil {
		return "", fmt.Errorf("%q: %w", provider, api.ErrUnknownProvider)
	}
	return s.oauth.Begin(ctx, provider)
}

func (s *AuthServiceImpl) CompleteOAuth(ctx context.Context, params url.Values) (*types.AuthSession, error) {
	if s.oauth == nil {
		return nil, api.ErrUnknownProvider
	}
	gu, err := s.oauth.Complete(ctx, params)
	if err != nil {
		return nil, err
	}
	user, err := s.findOrCreateOAuthUser(ctx, gu)
	if err != nil {
		return nil, err
	}
	return s.issueSession(ctx, user)
}

// findOrCreateOAuthUser links provider accounts to identities by email.
func (s *AuthServiceImpl) findOrCreateOAuthUser(ctx context.Context, gu goth.User) (*types.UserAuth, error) {
	email := normalizeEmail(gu.Email)
	if email == "" {
		return nil, fmt.Errorf("%s account has no email address", gu.Provider)
	}

	user, err := s.repo.GetUserByEmail(ctx, email)
	if err == nil {
		if user.EmailConfirmedAt == nil {
			if err = s.claimUnconfirmed(ctx, user, gu.Provider); err != nil {
				return nil, err
			}
		}
		return user, nil
	}
	if !errors.Is(err, api.ErrNotFound) {
		return nil, err
	}

	fullName := gu.Name
	if fullName == "" {
		fullName = strings.TrimSpace(gu.FirstName + " " + gu.LastName)
	}
	metadata := types.Metadata{"provider": gu.Provider}
	if fullName != "" {
		metadata[types.MetaFullName] = fullName
	}
	if gu.LastName != "" {
		metadata[types.MetaLastName] = gu.LastName
	}
	if gu.AvatarURL != "" {
		metadata[types.MetaAvatarURL] = gu.AvatarURL
	}

	now := s.now()
	user, err = s.repo.CreateUser(ctx, email, "", metadata, &now)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "Created user from OAuth provider",
		slog.String("provider", gu.Provider), slog.String("userID", user.ID.String()))
	return user, nil
}

// claimUnconfirmed hands an unverified account to the provider's verified
// owner of the email. A password set by whoever registered it first is
// dropped along with every session it issued.
func (s *AuthServiceImpl) claimUnconfirmed(ctx context.Context, user *types.UserAuth, provider string) error {
	if user.Password != "" {
		if err := s.repo.UpdatePassword(ctx, user.ID, ""); err != nil {
			return err
		}
		if err := s.repo.InvalidateAllUserRefreshTokens(ctx, user.ID); err != nil {
			return err
		}
		user.Password = ""
		s.logger.WarnContext(ctx, "Dropped password of unconfirmed account claimed via OAuth",
			slog.String("provider", provider), slog.String("userID", user.ID.String()))
	}
	now := s.now()
	if err := s.repo.ConfirmEmail(ctx, user.ID, now); err != nil {
		return err
	}
	user.EmailConfirmedAt = &now
	return nil
}

func (s *AuthServiceImpl) sendVerification(ctx context.Context, user *types.UserAuth) error {
	token := uuid.NewString()
	if err := s.repo.StoreOneTimeToken(ctx, user.ID, token, PurposeSignup, s.now().Add(s.verificationTTL())); err != nil {
		return err
	}
	link, err := withToken(s.cfg.ConfirmURL(), token)
	if err != nil {
		return err
	}
	return s.mailer.SendVerification(ctx, user.Email, link)
}

func (s *AuthServiceImpl) issueSession(ctx context.Context, user *types.UserAuth) (*types.AuthSession, error) {
	now := s.now()
	expiresAt := now.Add(s.accessTTL())

	claims := &Claims{
		UserID: user.ID.String(),
		Email:  user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID.String(),
			Issuer:    s.jwtCfg.Issuer,
			Audience:  jwt.ClaimStrings{s.jwtCfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.jwtCfg.SecretKey))
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshToken := uuid.NewString()
	if err = s.repo.StoreRefreshToken(ctx, user.ID, refreshToken, now.Add(s.refreshTTL())); err != nil {
		return nil, err
	}

	return &types.AuthSession{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresAt:    expiresAt,
		Identity:     user.Identity(),
	}, nil
}

func (s *AuthServiceImpl) accessTTL() time.Duration {
	if s.jwtCfg.AccessTokenTTL > 0 {
		return s.jwtCfg.AccessTokenTTL
	}
	return time.Hour
}

func (s *AuthServiceImpl) refreshTTL() time.Duration {
	if s.jwtCfg.RefreshTokenTTL > 0 {
		return s.jwtCfg.RefreshTokenTTL
	}
	return 30 * 24 * time.Hour
}

func (s *AuthServiceImpl) verificationTTL() time.Duration {
	if s.cfg.VerificationTokenTTL > 0 {
		return s.cfg.VerificationTokenTTL
	}
	return 24 * time.Hour
}

func (s *AuthServiceImpl) recoveryTTL() time.Duration {
	if s.cfg.RecoveryTokenTTL > 0 {
		return s.cfg.RecoveryTokenTTL
	}
	return time.Hour
}
