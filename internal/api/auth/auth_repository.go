package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	database "github.com/FACorreiaa/go-property-portal/app/db"
	"github.com/FACorreiaa/go-property-portal/internal/api"
	"github.com/FACorreiaa/go-property-portal/internal/types"
)

var _ AuthRepo = (*PostgresAuthRepo)(nil)

// AuthRepo persists credentials, refresh tokens and one-time tokens.
type AuthRepo interface {
	// GetUserByEmail returns api.ErrNotFound for unknown emails. Matching is case-insensitive.
	GetUserByEmail(ctx context.Context, email string) (*types.UserAuth, error)
	GetUserByID(ctx context.Context, userID uuid.UUID) (*types.UserAuth, error)
	// CreateUser returns api.ErrConflict when the email is taken. passwordHash
	// is empty for OAuth-only accounts.
	CreateUser(ctx context.Context, email, passwordHash string, metadata types.Metadata, confirmedAt *time.Time) (*types.UserAuth, error)
	ConfirmEmail(ctx context.Context, userID uuid.UUID, at time.Time) error
	// UpdatePassword stores NULL for an empty hash, leaving an OAuth-only account.
	UpdatePassword(ctx context.Context, userID uuid.UUID, newHashedPassword string) error

	StoreRefreshToken(ctx context.Context, userID uuid.UUID, token string, expiresAt time.Time) error
	// ConsumeRefreshToken revokes a live token and returns its owner, or
	// api.ErrInvalidToken when it is unknown, expired or already revoked.
	ConsumeRefreshToken(ctx context.Context, token string) (uuid.UUID, error)
	InvalidateRefreshToken(ctx context.Context, token string) error
	InvalidateAllUserRefreshTokens(ctx context.Context, userID uuid.UUID) error

	StoreOneTimeToken(ctx context.Context, userID uuid.UUID, token, purpose string, expiresAt time.Time) error
	// ConsumeOneTimeToken marks the token used and returns its owner, or api.ErrInvalidToken.
	ConsumeOneTimeToken(ctx context.Context, token, purpose string) (uuid.UUID, error)
}

type PostgresAuthRepo struct {
	logger *slog.Logger
	db     database.Querier
}

func NewPostgresAuthRepo(db database.Querier, logger *slog.Logger) *PostgresAuthRepo {
	return &PostgresAuthRepo{
		logger: logger,
		db:     db,
	}
}

const selectUserAuth = `SELECT id, email, password_hash, user_metadata, email_confirmed_at, created_at, updated_at
	FROM auth_users`

func scanUserAuth(row pgx.Row) (*types.UserAuth, error) {
	var (
		u           types.UserAuth
		password    pgtype.Text
		rawMetadata []byte
		confirmedAt pgtype.Timestamptz
	)
	if err := row.Scan(&u.ID, &u.Email, &password, &rawMetadata, &confirmedAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if password.Valid {
		u.Password = password.String
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		u.EmailConfirmedAt = &t
	}
	u.Metadata = types.Metadata{}
	if len(rawMetadata) > 0 {
		if err := json.Unmarshal(rawMetadata, &u.Metadata); err != nil {
			return nil, fmt.Errorf("decoding user_metadata: %w", err)
		}
	}
	return &u, nil
}

func (r *PostgresAuthRepo) GetUserByEmail(ctx context.Context, email string) (*types.UserAuth, error) {
	ctx, span := otel.Tracer("AuthRepo").Start(ctx, "GetUserByEmail", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "auth_users"),
	))
	defer span.End()

	u, err := scanUserAuth(r.db.QueryRow(ctx, selectUserAuth+` WHERE lower(email) = lower($1)`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "user not found")
			return nil, fmt.Errorf("user with email not found: %w", api.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		r.logger.ErrorContext(ctx, "Failed to fetch user by email", slog.Any("error", err))
		return nil, fmt.Errorf("fetching user by email: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return u, nil
}

func (r *PostgresAuthRepo) GetUserByID(ctx context.Context, userID uuid.UUID) (*types.UserAuth, error) {
	ctx, span := otel.Tracer("AuthRepo").Start(ctx, "GetUserByID", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "auth_users"),
		attribute.String("db.user.id", userID.String()),
	))
	defer span.End()

	u, err := scanUserAuth(r.db.QueryRow(ctx, selectUserAuth+` WHERE id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "user not found")
			return nil, fmt.Errorf("user %s not found: %w", userID, api.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("fetching user by id: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return u, nil
}

func (r *PostgresAuthRepo) CreateUser(ctx context.Context, email, passwordHash string, metadata types.Metadata, confirmedAt *time.Time) (*types.UserAuth, error) {
	ctx, span := otel.Tracer("AuthRepo").Start(ctx, "CreateUser", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "auth_users"),
	))
	defer span.End()
	l := r.logger.With(slog.String("method", "CreateUser"))

	if metadata == nil {
		metadata = types.Metadata{}
	}
	rawMetadata, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding user_metadata: %w", err)
	}

	hash := pgtype.Text{String: passwordHash, Valid: passwordHash != ""}
	confirmed := pgtype.Timestamptz{}
	if confirmedAt != nil {
		confirmed = pgtype.Timestamptz{Time: *confirmedAt, Valid: true}
	}

	u, err := scanUserAuth(r.db.QueryRow(ctx, `
		INSERT INTO auth_users (email, password_hash, user_metadata, email_confirmed_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, email, password_hash, user_metadata, email_confirmed_at, created_at, updated_at`,
		email, hash, rawMetadata, confirmed))
	if err != nil {
		if database.IsUniqueViolation(err) {
			span.SetStatus(codes.Error, "email already registered")
			return nil, fmt.Errorf("email already registered: %w", api.ErrConflict)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		l.ErrorContext(ctx, "Failed to insert user", slog.Any("error", err))
		return nil, fmt.Errorf("inserting user: %w", err)
	}

	span.SetAttributes(attribute.String("db.user.id", u.ID.String()))
	span.SetStatus(codes.Ok, "")
	l.InfoContext(ctx, "User created", slog.String("userID", u.ID.String()))
	return u, nil
}

func (r *PostgresAuthRepo) ConfirmEmail(ctx context.Context, userID uuid.UUID, at time.Time) error {
	ctx, span := otel.Tracer("AuthRepo").Start(ctx, "ConfirmEmail", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "auth_users"),
		attribute.String("db.user.id", userID.String()),
	))
	defer span.End()

	tag, err := r.db.Exec(ctx,
		`UPDATE auth_users SET email_confirmed_at = COALESCE(email_confirmed_at, $1), updated_at = $1 WHERE id = $2`,
		at, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return fmt.Errorf("confirming email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s not found: %w", userID, api.ErrNotFound)
	}
	return nil
}

func (r *PostgresAuthRepo) UpdatePassword(ctx context.Context, userID uuid.UUID, newHashedPassword string) error {
	ctx, span := otel.Tracer("AuthRepo").Start(ctx, "UpdatePassword", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "auth_users"),
		attribute.String("db.user.id", userID.String()),
	))
	defer span.End()

	hash := pgtype.Text{String: newHashedPassword, Valid: newHashedPassword != ""}
	tag, err := r.db.Exec(ctx,
		`UPDATE auth_users SET password_hash = $1, updated_at = $2 WHERE id = $3`,
		hash, time.Now(), userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return fmt.Errorf("update password: db update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s not found: %w", userID, api.ErrNotFound)
	}
	return nil
}

func (r *PostgresAuthRepo) StoreRefreshToken(ctx context.Context, userID uuid.UUID, token string, expiresAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO refresh_tokens (user_id, token, expires_at) VALUES ($1, $2, $3)`,
		userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("store refresh token: db insert failed: %w", err)
	}
	return nil
}

func (r *PostgresAuthRepo) ConsumeRefreshToken(ctx context.Context, token string) (uuid.UUID, error) {
	ctx, span := otel.Tracer("AuthRepo").Start(ctx, "ConsumeRefreshToken", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "refresh_tokens"),
	))
	defer span.End()

	var userID uuid.UUID
	err := r.db.QueryRow(ctx, `
		UPDATE refresh_tokens SET revoked_at = now()
		WHERE token = $1 AND revoked_at IS NULL AND expires_at > now()
		RETURNING user_id`,
		token).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "token invalid")
			return uuid.Nil, fmt.Errorf("refresh token unknown, expired or revoked: %w", api.ErrInvalidToken)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return uuid.Nil, fmt.Errorf("consume refresh token: %w", err)
	}
	return userID, nil
}

func (r *PostgresAuthRepo) InvalidateRefreshToken(ctx context.Context, token string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = $1 WHERE token = $2 AND revoked_at IS NULL`,
		time.Now(), token)
	if err != nil {
		return fmt.Errorf("invalidate refresh token: db update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.DebugContext(ctx, "Refresh token already revoked or unknown")
	}
	return nil
}

func (r *PostgresAuthRepo) InvalidateAllUserRefreshTokens(ctx context.Context, userID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = $1 WHERE user_id = $2 AND revoked_at IS NULL`,
		time.Now(), userID)
	if err != nil {
		return fmt.Errorf("invalidate all tokens: db update failed: %w", err)
	}
	r.logger.DebugContext(ctx, "Revoked refresh tokens",
		slog.String("userID", userID.String()), slog.Int64("count", tag.RowsAffected()))
	return nil
}

func (r *PostgresAuthRepo) StoreOneTimeToken(ctx context.Context, userID uuid.UUID, token, purpose string, expiresAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO auth_one_time_tokens (token, user_id, purpose, expires_at) VALUES ($1, $2, $3, $4)`,
		token, userID, purpose, expiresAt)
	if err != nil {
		return fmt.Errorf("store %s token: db insert failed: %w", purpose, err)
	}
	return nil
}

func (r *PostgresAuthRepo) ConsumeOneTimeToken(ctx context.Context, token, purpose string) (uuid.UUID, error) {
	ctx, span := otel.Tracer("AuthRepo").Start(ctx, "ConsumeOneTimeToken", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "auth_one_time_tokens"),
		attribute.String("token.purpose", purpose),
	))
	defer span.End()

	var userID uuid.UUID
	err := r.db.QueryRow(ctx, `
		UPDATE auth_one_time_tokens SET consumed_at = now()
		WHERE token = $1 AND purpose = $2 AND consumed_at IS NULL AND expires_at > now()
		RETURNING user_id`,
		token, purpose).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "token invalid")
			return uuid.Nil, fmt.Errorf("%s token not usable: %w", purpose, api.ErrInvalidToken)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return uuid.Nil, fmt.Errorf("consume %s token: %w", purpose, err)
	}
	return userID, nil
}
