package backend

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync-go/internal/fieldsync"
)

func newTestPostgresBackend(t *testing.T) *PostgresBackend {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("FIELDSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set FIELDSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	b, err := NewPostgresBackend(dsn)
	require.NoError(t, err)

	suffix := fmt.Sprintf("_%d", time.Now().UnixNano())
	b.tableName += suffix
	b.sequence += suffix
	t.Cleanup(func() {
		if b.db != nil {
			_, _ = b.db.Exec("DROP TABLE IF EXISTS " + postgresQuoteIdentifier(b.tableName))
			_, _ = b.db.Exec("DROP SEQUENCE IF EXISTS " + postgresQuoteIdentifier(b.sequence))
		}
		_ = b.Close()
	})
	return b
}

func TestPostgresBackend_PushPullCascade(t *testing.T) {
	b := newTestPostgresBackend(t)
	ctx := context.Background()

	_, err := b.Push(ctx, fieldsync.Files, []fieldsync.Change{{ID: "f1", FileID: "f1", Fields: map[string]any{"storageClass": "shared"}}})
	require.NoError(t, err)
	_, err = b.Push(ctx, fieldsync.Teams, []fieldsync.Change{{ID: "t1", FileID: "f1", Fields: map[string]any{"name": "Alpha", "status": "standby"}, SchemaVersion: 1}})
	require.NoError(t, err)
	acks, err := b.Push(ctx, fieldsync.Teams, []fieldsync.Change{{ID: "t1", FileID: "f1", Fields: map[string]any{"status": "deployed"}, SchemaVersion: 2}})
	require.NoError(t, err)

	batch, err := b.Pull(ctx, fieldsync.Teams, map[string]int64{"f1": 0}, 10)
	require.NoError(t, err)
	require.Len(t, batch.Documents, 1)
	doc := batch.Documents[0]
	assert.Equal(t, "Alpha", doc.Data["name"])
	assert.Equal(t, "deployed", doc.Data["status"])
	assert.Equal(t, 2, doc.SchemaVersion)
	assert.Equal(t, acks[0].Revision, batch.Cursors["f1"])

	_, err = b.Push(ctx, fieldsync.Files, []fieldsync.Change{{ID: "f1", FileID: "f1", Deleted: true}})
	require.NoError(t, err)
	batch, err = b.Pull(ctx, fieldsync.Teams, batch.Cursors, 10)
	require.NoError(t, err)
	require.Len(t, batch.Documents, 1)
	assert.True(t, batch.Documents[0].Deleted)
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"fieldsync_documents"`, postgresQuoteIdentifier("fieldsync_documents"))
	assert.Equal(t, `"odd""name"`, postgresQuoteIdentifier(`odd"name`))
	assert.Equal(t, `""`, postgresQuoteIdentifier("  "))
}
