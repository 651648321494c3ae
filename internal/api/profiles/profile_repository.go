package profiles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
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

var _ ProfileRepo = (*PostgresProfileRepo)(nil)

// ProfileRepo is the application-level user record store, keyed by identity id.
type ProfileRepo interface {
	// GetProfile returns api.ErrNotFound when no row exists for id.
	GetProfile(ctx context.Context, id uuid.UUID) (*types.Profile, error)
	// CreateProfile returns api.ErrConflict when a row already exists for the id.
	CreateProfile(ctx context.Context, p types.Profile) (*types.Profile, error)
	// UpdateProfile applies the non-nil fields and always refreshes updated_at.
	// An empty update is a no-op.
	UpdateProfile(ctx context.Context, id uuid.UUID, params types.ProfileUpdate) error
}

type PostgresProfileRepo struct {
	logger *slog.Logger
	db     database.Querier
}

func NewPostgresProfileRepo(db database.Querier, logger *slog.Logger) *PostgresProfileRepo {
	return &PostgresProfileRepo{
		logger: logger,
		db:     db,
	}
}

const profileColumns = `id, email, first_name, last_name, phone, avatar_url, role, status, approved, is_active, created_at, updated_at`

func scanProfile(row pgx.Row) (*types.Profile, error) {
	var (
		p                                        types.Profile
		firstName, lastName, phone, avatar, role pgtype.Text
	)
	err := row.Scan(&p.ID, &p.Email, &firstName, &lastName, &phone, &avatar, &role,
		&p.Status, &p.Approved, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.FirstName = textPtr(firstName)
	p.LastName = textPtr(lastName)
	p.Phone = textPtr(phone)
	p.AvatarURL = textPtr(avatar)
	if role.Valid && role.String != "" {
		r := types.Role(role.String)
		p.Role = &r
	}
	return &p, nil
}

func textPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	s := t.String
	return &s
}

func nullableText(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func nullableRole(r *types.Role) pgtype.Text {
	if r == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: string(*r), Valid: true}
}

func (r *PostgresProfileRepo) GetProfile(ctx context.Context, id uuid.UUID) (*types.Profile, error) {
	ctx, span := otel.Tracer("ProfileRepo").Start(ctx, "GetProfile", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "profiles"),
		attribute.String("db.user.id", id.String()),
	))
	defer span.End()

	p, err := scanProfile(r.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "profile not found")
			return nil, fmt.Errorf("profile %s: %w", id, api.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		r.logger.ErrorContext(ctx, "Failed to fetch profile", slog.String("userID", id.String()), slog.Any("error", err))
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return p, nil
}

func (r *PostgresProfileRepo) CreateProfile(ctx context.Context, p types.Profile) (*types.Profile, error) {
	ctx, span := otel.Tracer("ProfileRepo").Start(ctx, "CreateProfile", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "profiles"),
		attribute.String("db.user.id", p.ID.String()),
	))
	defer span.End()
	l := r.logger.With(slog.String("method", "CreateProfile"), slog.String("userID", p.ID.String()))

	role := nullableRole(p.Role)
	created, err := scanProfile(r.db.QueryRow(ctx, `
		INSERT INTO profiles (id, email, first_name, last_name, phone, avatar_url, role, user_type, status, approved, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8, $9, $10)
		RETURNING `+profileColumns,
		p.ID, p.Email, nullableText(p.FirstName), nullableText(p.LastName), nullableText(p.Phone),
		nullableText(p.AvatarURL), role, p.Status, p.Approved, p.IsActive))
	if err != nil {
		if database.IsUniqueViolation(err) {
			span.SetStatus(codes.Error, "profile exists")
			return nil, fmt.Errorf("profile %s already exists: %w", p.ID, api.ErrConflict)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		l.ErrorContext(ctx, "Failed to insert profile", slog.Any("error", err))
		return nil, fmt.Errorf("inserting profile: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	l.InfoContext(ctx, "Profile created", slog.String("role", string(created.RoleValue())))
	return created, nil
}

func (r *PostgresProfileRepo) UpdateProfile(ctx context.Context, id uuid.UUID, params types.ProfileUpdate) error {
	ctx, span := otel.Tracer("ProfileRepo").Start(ctx, "UpdateProfile", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "profiles"),
		attribute.String("db.user.id", id.String()),
	))
	defer span.End()
	l := r.logger.With(slog.String("method", "UpdateProfile"), slog.String("userID", id.String()))

	var setClauses []string
	var args []interface{}
	argID := 1

	set := func(column string, value any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, argID))
		args = append(args, value)
		argID++
		span.SetAttributes(attribute.Bool("update."+column, true))
	}

	if params.Email != nil {
		set("email", *params.Email)
	}
	if params.FirstName != nil {
		set("first_name", *params.FirstName)
	}
	if params.LastName != nil {
		set("last_name", *params.LastName)
	}
	if params.Phone != nil {
		set("phone", *params.Phone)
	}
	if params.AvatarURL != nil {
		set("avatar_url", *params.AvatarURL)
	}
	if params.Role != nil {
		set("role", string(*params.Role))
		set("user_type", string(*params.Role))
	}
	if params.Status != nil {
		set("status", *params.Status)
	}
	if params.Approved != nil {
		set("approved", *params.Approved)
	}
	if params.IsActive != nil {
		set("is_active", *params.IsActive)
	}

	if len(setClauses) == 0 {
		l.DebugContext(ctx, "UpdateProfile called with no fields to update")
		span.SetStatus(codes.Ok, "no update fields provided")
		return nil
	}

	set("updated_at", time.Now())
	args = append(args, id)
	query := fmt.Sprintf("UPDATE profiles SET %s WHERE id = $%d", strings.Join(setClauses, ", "), argID)

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		l.ErrorContext(ctx, "Failed to update profile", slog.Any("error", err))
		return fmt.Errorf("updating profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "profile not found")
		return fmt.Errorf("profile %s: %w", id, api.ErrNotFound)
	}

	span.SetStatus(codes.Ok, "")
	l.InfoContext(ctx, "Profile updated", slog.Int("fields", len(setClauses)-1))
	return nil
}
