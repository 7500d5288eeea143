package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatements(t *testing.T) {
	sql := `
-- ledger mirror
CREATE TABLE a (x String DEFAULT 'it''s');

CREATE TABLE b (y UInt8);
`
	stmts, err := statements(sql)
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x String DEFAULT 'it''s')", stmts[0])
	assert.Equal(t, "CREATE TABLE b (y UInt8)", stmts[1])
}

func TestStatements_RejectsQuotedSemicolon(t *testing.T) {
	_, err := statements(`INSERT INTO t VALUES ('a;b');`)
	assert.Error(t, err)
}

func TestEmbeddedMigrationsSplit(t *testing.T) {
	files, err := sqlFiles(ClickhouseFS, "clickhouse")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		data, err := fs.ReadFile(ClickhouseFS, "clickhouse/"+file)
		require.NoError(t, err)
		stmts, err := statements(string(data))
		require.NoError(t, err, file)
		for _, stmt := range stmts {
			assert.False(t, strings.HasSuffix(stmt, ";"), file)
		}
	}

	pg, err := sqlFiles(PostgresFS, "postgres")
	require.NoError(t, err)
	assert.Contains(t, pg, "001_init.sql")
}
