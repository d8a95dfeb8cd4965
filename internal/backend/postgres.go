package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"fieldsync-go/internal/fieldsync"
)

const (
	postgresDocumentsTable   = "fieldsync_documents"
	postgresRevisionSequence = "fieldsync_revision"
	postgresNotifyChannel    = "fieldsync_changes"
	postgresOperationTimeout = 10 * time.Second
	postgresListenMinBackoff = 500 * time.Millisecond
	postgresListenMaxBackoff = 30 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores documents as jsonb rows. Pushes run in one
// transaction under an advisory lock so revisions commit in order, and every
// push announces the touched collections with NOTIFY.
type PostgresBackend struct {
	dsn       string
	tableName string
	sequence  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres backend requires a dsn")
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresDocumentsTable,
		sequence:  postgresRevisionSequence,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) ensureReady(ctx context.Context) error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()

		table := postgresQuoteIdentifier(b.tableName)
		stmts := []string{
			fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %s`, postgresQuoteIdentifier(b.sequence)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					collection TEXT NOT NULL,
					id TEXT NOT NULL,
					file_id TEXT NOT NULL,
					data JSONB NOT NULL DEFAULT '{}'::jsonb,
					schema_version INTEGER NOT NULL DEFAULT 0,
					revision BIGINT NOT NULL,
					updated TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					deleted BOOLEAN NOT NULL DEFAULT FALSE,
					PRIMARY KEY (collection, id)
				)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (collection, file_id, revision)`,
				postgresQuoteIdentifier(b.tableName+"_pull_idx"), table),
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = fmt.Errorf("preparing postgres schema: %w", err)
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

// Push merges changes with jsonb concatenation, which overwrites exactly the
// pushed top-level keys.
func (b *PostgresBackend) Push(ctx context.Context, c fieldsync.Collection, changes []fieldsync.Change) ([]fieldsync.PushAck, error) {
	if err := validate(c, changes); err != nil {
		return nil, err
	}
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting push: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresLockKey(b.tableName)); err != nil {
		return nil, fmt.Errorf("locking push: %w", err)
	}

	table := postgresQuoteIdentifier(b.tableName)
	upsert := fmt.Sprintf(`
		INSERT INTO %[1]s AS d (collection, id, file_id, data, schema_version, revision, updated, deleted)
		VALUES ($1, $2, $3, $4::jsonb, $5, nextval('%[2]s'), NOW(), $6)
		ON CONFLICT (collection, id) DO UPDATE SET
			data = d.data || EXCLUDED.data,
			schema_version = GREATEST(d.schema_version, EXCLUDED.schema_version),
			revision = EXCLUDED.revision,
			updated = EXCLUDED.updated,
			deleted = d.deleted OR EXCLUDED.deleted
		RETURNING revision, deleted`, table, b.sequence)

	touched := map[fieldsync.Collection]bool{c: true}
	acks := make([]fieldsync.PushAck, len(changes))
	for i, ch := range changes {
		fields := ch.Fields
		if fields == nil {
			fields = map[string]any{}
		}
		payload, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("encoding %s/%s: %w", c, ch.ID, err)
		}

		var rev int64
		var deleted bool
		if err := tx.QueryRowContext(ctx, upsert, string(c), ch.ID, ch.FileID, string(payload), ch.SchemaVersion, ch.Deleted).Scan(&rev, &deleted); err != nil {
			return nil, fmt.Errorf("pushing %s/%s: %w", c, ch.ID, err)
		}
		acks[i] = fieldsync.PushAck{ID: ch.ID, Revision: rev}

		if c == fieldsync.Files && deleted {
			cascaded, err := b.cascade(ctx, tx, ch.ID)
			if err != nil {
				return nil, err
			}
			for _, dep := range cascaded {
				touched[dep] = true
			}
		}
	}

	for col := range touched {
		if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", postgresNotifyChannel, string(col)); err != nil {
			return nil, fmt.Errorf("notifying %s: %w", col, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing push: %w", err)
	}
	return acks, nil
}

func (b *PostgresBackend) cascade(ctx context.Context, tx *sql.Tx, fileID string) ([]fieldsync.Collection, error) {
	deps := make([]string, len(fieldsync.Dependents))
	for i, d := range fieldsync.Dependents {
		deps[i] = string(d)
	}
	query := fmt.Sprintf(`
		UPDATE %s SET deleted = TRUE, revision = nextval('%s'), updated = NOW()
		WHERE collection = ANY($1) AND file_id = $2 AND NOT deleted
		RETURNING collection`, postgresQuoteIdentifier(b.tableName), b.sequence)
	rows, err := tx.QueryContext(ctx, query, pq.Array(deps), fileID)
	if err != nil {
		return nil, fmt.Errorf("cascading delete of %s: %w", fileID, err)
	}
	defer rows.Close()

	seen := map[fieldsync.Collection]bool{}
	var touched []fieldsync.Collection
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, err
		}
		if c := fieldsync.Collection(col); !seen[c] {
			seen[c] = true
			touched = append(touched, c)
		}
	}
	return touched, rows.Err()
}

func (b *PostgresBackend) Pull(ctx context.Context, c fieldsync.Collection, cursors map[string]int64, limit int) (fieldsync.PullBatch, error) {
	if !c.Valid() {
		return fieldsync.PullBatch{}, fmt.Errorf("unknown collection %q", c)
	}
	if len(cursors) == 0 {
		return page(nil, cursors, limit), nil
	}
	if err := b.ensureReady(ctx); err != nil {
		return fieldsync.PullBatch{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	files := sortedFiles(cursors)
	revs := make([]int64, len(files))
	for i, f := range files {
		revs[i] = cursors[f]
	}
	fetch := int64(math.MaxInt32)
	if limit > 0 {
		fetch = int64(limit) + 1
	}

	query := fmt.Sprintf(`
		SELECT d.id, d.file_id, d.data, d.schema_version, d.revision, d.updated, d.deleted
		FROM %s d
		JOIN unnest($2::text[], $3::bigint[]) AS cur(file_id, revision) ON d.file_id = cur.file_id
		WHERE d.collection = $1 AND d.revision > cur.revision
		ORDER BY d.revision
		LIMIT $4`, postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query, string(c), pq.Array(files), pq.Array(revs), fetch)
	if err != nil {
		return fieldsync.PullBatch{}, fmt.Errorf("pulling %s: %w", c, err)
	}
	defer rows.Close()

	var docs []*fieldsync.Document
	for rows.Next() {
		d := &fieldsync.Document{Collection: c}
		var data []byte
		if err := rows.Scan(&d.ID, &d.FileID, &data, &d.SchemaVersion, &d.Revision, &d.Updated, &d.Deleted); err != nil {
			return fieldsync.PullBatch{}, fmt.Errorf("scanning %s: %w", c, err)
		}
		if err := json.Unmarshal(data, &d.Data); err != nil {
			return fieldsync.PullBatch{}, fmt.Errorf("decoding %s/%s: %w", c, d.ID, err)
		}
		d.Updated = d.Updated.UTC()
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return fieldsync.PullBatch{}, err
	}
	return page(docs, cursors, limit), nil
}

// Subscribe listens for push notifications. After a reconnect every
// collection is announced since notifications may have been missed.
func (b *PostgresBackend) Subscribe(ctx context.Context) (<-chan fieldsync.Collection, error) {
	listener := pq.NewListener(b.dsn, postgresListenMinBackoff, postgresListenMaxBackoff, nil)
	if err := listener.Listen(postgresNotifyChannel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listening for changes: %w", err)
	}

	out := make(chan fieldsync.Collection, len(fieldsync.Collections))
	go func() {
		defer close(out)
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					for _, c := range fieldsync.Collections {
						send(ctx, out, c)
					}
					continue
				}
				if c, err := fieldsync.ParseCollection(n.Extra); err == nil {
					send(ctx, out, c)
				}
			}
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- fieldsync.Collection, c fieldsync.Collection) {
	select {
	case out <- c:
	case <-ctx.Done():
	}
}

func (b *PostgresBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresLockKey(tableName string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	return int64(hasher.Sum64())
}
