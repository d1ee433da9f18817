package mysql

import (
	"context"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

func TestMultiRowInsertSQL(t *testing.T) {
	t.Parallel()
	got := MultiRowInsertSQL("live.people", []string{"id", "name"}, 2)
	assert.Equal(t, "INSERT INTO `live`.`people` (`id`,`name`) VALUES (?,?),(?,?)", got)
}

func TestIsDuplicateKey(t *testing.T) {
	t.Parallel()
	assert.True(t, IsDuplicateKey(errors.Wrap(&mysql.MySQLError{Number: 1062}, "insert")))
	assert.False(t, IsDuplicateKey(&mysql.MySQLError{Number: 1146}))
	assert.False(t, IsDuplicateKey(nil))
}

func TestOpenRejectsBadDSN(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), storage.Config{Kind: "mysql", DSN: "not a dsn"})
	require.Error(t, err)
}
