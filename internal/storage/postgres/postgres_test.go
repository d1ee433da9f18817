package postgres

import (
	"context"
	"database/sql"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

func TestSplitFQN(t *testing.T) {
	t.Parallel()
	assert.Equal(t, pgx.Identifier{"public", "events"}, SplitFQN("public.events"))
	assert.Equal(t, pgx.Identifier{"events"}, SplitFQN(`"events"`))
	assert.Equal(t, pgx.Identifier{"s", "t"}, SplitFQN(`"s". t`))
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()
	err := errors.Wrap(&pgconn.PgError{Code: "23505"}, "insert")
	assert.True(t, IsUniqueViolation(err))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
}

func TestOpenRejectsBadDSN(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), storage.Config{Kind: "postgres", DSN: "postgres://u@host:notaport/db"})
	require.Error(t, err)
}

func TestRegistered(t *testing.T) {
	t.Parallel()
	assert.Contains(t, storage.ListKinds(), "postgres")
}

func TestOpenUsesHook(t *testing.T) {
	called := false
	orig := openDB
	openDB = func(driver, dsn string) (*sql.DB, error) {
		called = true
		assert.Equal(t, "pgx", driver)
		return nil, errors.New("no server in tests")
	}
	defer func() { openDB = orig }()

	_, err := Open(context.Background(), storage.Config{Kind: "postgres", DSN: "postgres://u:p@localhost:5432/db"})
	require.Error(t, err)
	assert.True(t, called)
}
