package store

import (
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/billing-nowpayments/internal/common"
)

func TestEmbeddedMigrationsLoad(t *testing.T) {
	src, err := MigrationSource()
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	require.Equal(t, uint(1), first)

	up, _, err := src.ReadUp(first)
	require.NoError(t, err)
	defer up.Close()
	body, err := io.ReadAll(up)
	require.NoError(t, err)
	require.Contains(t, string(body), "CREATE TABLE payments")
	require.Contains(t, string(body), "UNIQUE (organization_id, provider_payment_id)")

	files, err := fs.Glob(migrationsFS, "migrations/*.down.sql")
	require.NoError(t, err)
	require.Len(t, files, 2)
}

func TestMigrateURLUsesPgxScheme(t *testing.T) {
	require.Equal(t, "pgx5://u:p@db:5432/billing?sslmode=disable", migrateURL("postgres://u:p@db:5432/billing?sslmode=disable"))
	require.Equal(t, "pgx5://db/billing", migrateURL("postgresql://db/billing"))
	require.Equal(t, "pgx5://db/billing", migrateURL("pgx5://db/billing"))
}

func TestNotFoundMapping(t *testing.T) {
	err := notFound(pgx.ErrNoRows, "payment")
	require.True(t, common.IsNotFound(err))
	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, "payment_not_found", appErr.Code)

	require.NoError(t, notFound(nil, "payment"))
	wrapped := notFound(errors.New("conn reset"), "payment")
	require.False(t, common.IsNotFound(wrapped))
	require.True(t, strings.HasPrefix(wrapped.Error(), "payment:"))
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	require.False(t, IsUniqueViolation(errors.New("boom")))
}
