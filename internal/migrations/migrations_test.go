package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "migrations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestGetInitialSchema(t *testing.T) {
	schema, err := GetInitialSchema()
	require.NoError(t, err)

	for _, table := range []string{"messages", "queued_messages", "blacklist", "log_entries"} {
		assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func TestList_Sorted(t *testing.T) {
	all, err := List()
	require.NoError(t, err)
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Version, all[i].Version)
	}
}

func TestLoad_InvalidNames(t *testing.T) {
	tests := []struct {
		name  string
		files fstest.MapFS
	}{
		{"no prefix", fstest.MapFS{"sql/schema.sql": {Data: []byte("")}}},
		{"bad version", fstest.MapFS{"sql/abc_schema.sql": {Data: []byte("")}}},
		{"duplicate", fstest.MapFS{
			"sql/001_a.sql": {Data: []byte("")},
			"sql/1_b.sql":   {Data: []byte("")},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(tt.files)
			assert.Error(t, err)
		})
	}
}

func TestApply_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	applied, err := Apply(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, applied)

	applied, err = Apply(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, applied)

	version, err := CurrentVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='queued_messages'").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestApply_FailedMigrationNotRecorded(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	all := []Migration{
		{Version: 1, Name: "001_ok.sql", SQL: "CREATE TABLE a (id INTEGER)"},
		{Version: 2, Name: "002_bad.sql", SQL: "CREATE TABLE"},
	}

	applied, err := apply(ctx, db, all)
	require.Error(t, err)
	assert.Equal(t, []int{1}, applied)

	version, err := CurrentVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}
