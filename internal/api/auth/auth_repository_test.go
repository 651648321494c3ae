package auth

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/go-property-portal/internal/api"
	"github.com/FACorreiaa/go-property-portal/internal/types"
)

var userAuthColumns = []string{"id", "email", "password_hash", "user_metadata", "email_confirmed_at", "created_at", "updated_at"}

func setupRepo(t *testing.T) (*PostgresAuthRepo, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	return NewPostgresAuthRepo(mockPool, slog.Default()), mockPool
}

func TestPostgresAuthRepo_GetUserByEmail(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		repo, mockPool := setupRepo(t)
		id := uuid.New()
		now := time.Now()
		mockPool.ExpectQuery(`FROM auth_users WHERE lower\(email\) = lower\(\$1\)`).
			WithArgs("ada@example.com").
			WillReturnRows(pgxmock.NewRows(userAuthColumns).
				AddRow(id, "ada@example.com", "hash", []byte(`{"account_type":"owner"}`), now, now, now))

		u, err := repo.GetUserByEmail(ctx, "ada@example.com")
		require.NoError(t, err)
		assert.Equal(t, id, u.ID)
		assert.Equal(t, "hash", u.Password)
		require.NotNil(t, u.EmailConfirmedAt)
		assert.Equal(t, "owner", u.Metadata.String(types.MetaAccountType))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("oauth account without password or confirmation", func(t *testing.T) {
		repo, mockPool := setupRepo(t)
		now := time.Now()
		mockPool.ExpectQuery(`FROM auth_users WHERE lower\(email\)`).
			WithArgs("ada@example.com").
			WillReturnRows(pgxmock.NewRows(userAuthColumns).
				AddRow(uuid.New(), "ada@example.com", nil, []byte(`{}`), nil, now, now))

		u, err := repo.GetUserByEmail(ctx, "ada@example.com")
		require.NoError(t, err)
		assert.Empty(t, u.Password)
		assert.Nil(t, u.EmailConfirmedAt)
	})

	t.Run("not found", func(t *testing.T) {
		repo, mockPool := setupRepo(t)
		mockPool.ExpectQuery(`FROM auth_users WHERE lower\(email\)`).
			WithArgs("ghost@example.com").
			WillReturnError(pgx.ErrNoRows)

		_, err := repo.GetUserByEmail(ctx, "ghost@example.com")
		assert.ErrorIs(t, err, api.ErrNotFound)
	})
}

func TestPostgresAuthRepo_CreateUser(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts and returns the row", func(t *testing.T) {
		repo, mockPool := setupRepo(t)
		id := uuid.New()
		now := time.Now()
		mockPool.ExpectQuery(`INSERT INTO auth_users`).
			WithArgs("ada@example.com", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows(userAuthColumns).
				AddRow(id, "ada@example.com", "hash", []byte(`{"role":"tenant"}`), nil, now, now))

		u, err := repo.CreateUser(ctx, "ada@example.com", "hash", types.Metadata{"role": "tenant"}, nil)
		require.NoError(t, err)
		assert.Equal(t, id, u.ID)
		assert.Equal(t, "tenant", u.Identity().Metadata.String(types.MetaRole))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("duplicate email", func(t *testing.T) {
		repo, mockPool := setupRepo(t)
		mockPool.ExpectQuery(`INSERT INTO auth_users`).
			WithArgs("ada@example.com", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(&pgconn.PgError{Code: "23505"})

		_, err := repo.CreateUser(ctx, "ada@example.com", "hash", nil, nil)
		assert.ErrorIs(t, err, api.ErrConflict)
	})
}

func TestPostgresAuthRepo_RefreshTokens(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	t.Run("live token is consumed", func(t *testing.T) {
		repo, mockPool := setupRepo(t)
		mockPool.ExpectQuery(`UPDATE refresh_tokens SET revoked_at = now\(\)`).
			WithArgs("tok").
			WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow(userID))

		got, err := repo.ConsumeRefreshToken(ctx, "tok")
		require.NoError(t, err)
		assert.Equal(t, userID, got)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("revoked or expired token matches no row", func(t *testing.T) {
		repo, mockPool := setupRepo(t)
		mockPool.ExpectQuery(`UPDATE refresh_tokens SET revoked_at`).
			WithArgs("tok").
			WillReturnRows(pgxmock.NewRows([]string{"user_id"}))

		_, err := repo.ConsumeRefreshToken(ctx, "tok")
		assert.ErrorIs(t, err, api.ErrInvalidToken)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("query failure", func(t *testing.T) {
		repo, mockPool := setupRepo(t)
		mockPool.ExpectQuery(`UPDATE refresh_tokens`).
			WithArgs("tok").
			WillReturnError(errors.New("connection reset"))

		_, err := repo.ConsumeRefreshToken(ctx, "tok")
		require.Error(t, err)
		assert.NotErrorIs(t, err, api.ErrInvalidToken)
	})

	t.Run("revoke all", func(t *testing.T) {
		repo, mockPool := setupRepo(t)
		mockPool.ExpectExec(`UPDATE refresh_tokens SET revoked_at`).
			WithArgs(pgxmock.AnyArg(), userID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 3))

		require.NoError(t, repo.InvalidateAllUserRefreshTokens(ctx, userID))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresAuthRepo_OneTimeTokens(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	t.Run("consume", func(t *testing.T) {
		repo, mockPool := setupRepo(t)
		mockPool.ExpectQuery(`UPDATE auth_one_time_tokens SET consumed_at`).
			WithArgs("tok", PurposeRecovery).
			WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow(userID))

		got, err := repo.ConsumeOneTimeToken(ctx, "tok", PurposeRecovery)
		require.NoError(t, err)
		assert.Equal(t, userID, got)
	})

	t.Run("already used", func(t *testing.T) {
		repo, mockPool := setupRepo(t)
		mockPool.ExpectQuery(`UPDATE auth_one_time_tokens`).
			WithArgs("tok", PurposeSignup).
			WillReturnError(pgx.ErrNoRows)

		_, err := repo.ConsumeOneTimeToken(ctx, "tok", PurposeSignup)
		assert.ErrorIs(t, err, api.ErrInvalidToken)
	})

	t.Run("update password for missing user", func(t *testing.T) {
		repo, mockPool := setupRepo(t)
		mockPool.ExpectExec(`UPDATE auth_users SET password_hash`).
			WithArgs(pgtype.Text{String: "hash", Valid: true}, pgxmock.AnyArg(), userID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := repo.UpdatePassword(ctx, userID, "hash")
		assert.ErrorIs(t, err, api.ErrNotFound)
	})

	t.Run("empty hash clears the password", func(t *testing.T) {
		repo, mockPool := setupRepo(t)
		mockPool.ExpectExec(`UPDATE auth_users SET password_hash`).
			WithArgs(pgtype.Text{}, pgxmock.AnyArg(), userID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, repo.UpdatePassword(ctx, userID, ""))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("store failure is wrapped", func(t *testing.T) {
		repo, mockPool := setupRepo(t)
		mockPool.ExpectExec(`INSERT INTO auth_one_time_tokens`).
			WithArgs("tok", userID, PurposeSignup, pgxmock.AnyArg()).
			WillReturnError(errors.New("connection reset"))

		err := repo.StoreOneTimeToken(ctx, userID, "tok", PurposeSignup, time.Now())
		assert.ErrorContains(t, err, "connection reset")
	})
}
