package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"fieldsync-go/internal/database/migrations"
	"fieldsync-go/internal/fieldsync"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const documentColumns = `collection, id, file_id, data, schema_version, revision, updated, deleted, dirty, local_seq`

// SQLiteStore implements fieldsync.DocumentStore on a single SQLite table of
// JSON documents.
type SQLiteStore struct {
	db   *sql.DB
	path string
	hub  *changeHub
	now  func() time.Time
}

var _ fieldsync.DocumentStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens the store at path (or ":memory:") and applies pending
// migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	s := NewSQLiteStoreFromDB(db)
	s.path = path
	return s, nil
}

// NewSQLiteStoreFromDB wraps an existing, already migrated connection.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db:  db,
		hub: newChangeHub(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// OpenConnection opens and configures a SQLite connection.
// path can be a file path or ":memory:".
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: serialises writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return db, nil
}

// CheckMigrations reports whether the schema is current.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Insert stores a new document with every field dirty. A tombstone with the
// same id is replaced.
func (s *SQLiteStore) Insert(ctx context.Context, doc *fieldsync.Document) error {
	data, err := json.Marshal(doc.Data)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", doc.Collection, doc.ID, err)
	}
	updated := doc.Updated
	if updated.IsZero() {
		updated = s.now()
	}
	version := max(doc.SchemaVersion, 1)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, 0, ?, 0, '["*"]', 1)
		ON CONFLICT (collection, id) DO UPDATE SET
			file_id = excluded.file_id,
			data = excluded.data,
			schema_version = excluded.schema_version,
			updated = excluded.updated,
			deleted = 0,
			dirty = '["*"]',
			local_seq = documents.local_seq + 1
		WHERE documents.deleted = 1`,
		string(doc.Collection), doc.ID, doc.FileID, string(data), version, updated.UTC())
	if err != nil {
		return fmt.Errorf("inserting %s/%s: %w", doc.Collection, doc.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("inserting %s/%s: document already exists", doc.Collection, doc.ID)
	}
	s.hub.notify(doc.Collection)
	return nil
}

// Get returns a live document, or nil, nil when it is missing or tombstoned.
func (s *SQLiteStore) Get(ctx context.Context, c fieldsync.Collection, id string) (*fieldsync.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE collection = ? AND id = ? AND deleted = 0`,
		string(c), id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("getting %s/%s: %w", c, id, err)
	}
	return doc, nil
}

func (s *SQLiteStore) Find(ctx context.Context, c fieldsync.Collection, q fieldsync.Query) ([]*fieldsync.Document, error) {
	where, args := buildWhere(c, q)
	docs, err := s.query(ctx, s.db, `SELECT `+documentColumns+` FROM documents WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("finding %s: %w", c, err)
	}
	return docs, nil
}

// Patch merges fields into a live document and marks them dirty.
func (s *SQLiteStore) Patch(ctx context.Context, c fieldsync.Collection, id string, fields map[string]any, schemaVersion int) (*fieldsync.Document, error) {
	var doc *fieldsync.Document
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+documentColumns+` FROM documents WHERE collection = ? AND id = ? AND deleted = 0`,
			string(c), id)
		current, err := scanDocument(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%s/%s: %w", c, id, fieldsync.ErrNotFound)
			}
			return err
		}

		current.Data = fieldsync.MergeFields(current.Data, fields)
		current.Dirty = addDirty(current.Dirty, fields)
		current.LocalSeq++
		current.Updated = s.now()
		if schemaVersion > 0 {
			current.SchemaVersion = schemaVersion
		}

		if err := updateDocument(ctx, tx, current); err != nil {
			return err
		}
		doc = current
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("patching %s/%s: %w", c, id, err)
	}
	s.hub.notify(c)
	return doc, nil
}

// Remove tombstones live documents matching q.
func (s *SQLiteStore) Remove(ctx context.Context, c fieldsync.Collection, q fieldsync.Query) (int, error) {
	q.IncludeDeleted, q.OnlyDeleted = false, false
	where, args := buildWhere(c, q)
	args = append([]any{s.now()}, args...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET deleted = 1, dirty = '["*"]', local_seq = local_seq + 1, updated = ?
		WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("removing %s: %w", c, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("removing %s: %w", c, err)
	}
	if n > 0 {
		s.hub.notify(c)
	}
	return int(n), nil
}

// Purge hard-deletes documents matching q, tombstones included.
func (s *SQLiteStore) Purge(ctx context.Context, c fieldsync.Collection, q fieldsync.Query) (int, error) {
	q.IncludeDeleted = true
	where, args := buildWhere(c, q)
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("purging %s: %w", c, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purging %s: %w", c, err)
	}
	if n > 0 {
		s.hub.notify(c)
	}
	return int(n), nil
}

func (s *SQLiteStore) Changes(c fieldsync.Collection) (<-chan struct{}, func()) {
	return s.hub.subscribe(c)
}

// PendingPush returns dirty documents matching q. Tombstones are included
// unless the query restricts them.
func (s *SQLiteStore) PendingPush(ctx context.Context, c fieldsync.Collection, q fieldsync.Query) ([]*fieldsync.Document, error) {
	if !q.OnlyDeleted {
		q.IncludeDeleted = true
	}
	where, args := buildWhere(c, q)
	docs, err := s.query(ctx, s.db,
		`SELECT `+documentColumns+` FROM documents WHERE `+where+` AND dirty <> '[]' ORDER BY local_seq, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pending %s: %w", c, err)
	}
	return docs, nil
}

// MarkPushed records server revisions. Dirty fields are cleared only for
// documents whose local sequence still matches the pushed one.
func (s *SQLiteStore) MarkPushed(ctx context.Context, c fieldsync.Collection, acks []fieldsync.PushAck) error {
	if len(acks) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE documents
			SET revision = MAX(revision, ?),
			    dirty = CASE WHEN local_seq = ? THEN '[]' ELSE dirty END
			WHERE collection = ? AND id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, a := range acks {
			if _, err := stmt.ExecContext(ctx, a.Revision, a.LocalSeq, string(c), a.ID); err != nil {
				return fmt.Errorf("%s: %w", a.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("marking %s pushed: %w", c, err)
	}
	return nil
}

// ApplyPulled merges remote documents. Remote tombstones delete the local
// row; local dirty fields win over the remote values of the same fields.
func (s *SQLiteStore) ApplyPulled(ctx context.Context, c fieldsync.Collection, docs []*fieldsync.Document, cursors map[string]int64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, remote := range docs {
			if err := s.applyRemote(ctx, tx, c, remote); err != nil {
				return fmt.Errorf("%s: %w", remote.ID, err)
			}
		}
		for fileID, rev := range cursors {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO pull_cursors (collection, file_id, revision) VALUES (?, ?, ?)
				ON CONFLICT (collection, file_id) DO UPDATE SET revision = MAX(revision, excluded.revision)`,
				string(c), fileID, rev)
			if err != nil {
				return fmt.Errorf("cursor %s: %w", fileID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("applying pulled %s: %w", c, err)
	}
	if len(docs) > 0 {
		s.hub.notify(c)
	}
	return nil
}

func (s *SQLiteStore) applyRemote(ctx context.Context, tx *sql.Tx, c fieldsync.Collection, remote *fieldsync.Document) error {
	row := tx.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE collection = ? AND id = ?`, string(c), remote.ID)
	local, err := scanDocument(row)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	exists := err == nil

	if remote.Deleted {
		if exists {
			_, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, string(c), remote.ID)
			return err
		}
		return nil
	}

	updated := remote.Updated
	if updated.IsZero() {
		updated = s.now()
	}

	if !exists {
		data, err := json.Marshal(remote.Data)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (`+documentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, '[]', 0)`,
			string(c), remote.ID, remote.FileID, string(data), max(remote.SchemaVersion, 1), remote.Revision, updated.UTC())
		return err
	}

	switch {
	case local.Deleted && local.IsDirty():
		// Pending local delete: only remember the revision.
		local.Revision = max(local.Revision, remote.Revision)
	case !local.IsDirty():
		local.Data = fieldsync.CloneData(remote.Data)
		local.FileID = remote.FileID
		local.SchemaVersion = max(remote.SchemaVersion, 1)
		local.Revision = remote.Revision
		local.Updated = updated
		local.Deleted = false
	case slices.Contains(local.Dirty, fieldsync.AllFields):
		local.Revision = max(local.Revision, remote.Revision)
	default:
		merged := fieldsync.CloneData(remote.Data)
		for _, f := range local.Dirty {
			if v, ok := local.Data[f]; ok {
				merged[f] = v
			} else {
				delete(merged, f)
			}
		}
		local.Data = merged
		local.Revision = max(local.Revision, remote.Revision)
		if updated.After(local.Updated) {
			local.Updated = updated
		}
	}
	return updateDocument(ctx, tx, local)
}

func (s *SQLiteStore) Cursors(ctx context.Context, c fieldsync.Collection, fileIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(fileIDs))
	for _, id := range fileIDs {
		out[id] = 0
	}
	if len(fileIDs) == 0 {
		return out, nil
	}
	in, args := inClause(fileIDs)
	args = append([]any{string(c)}, args...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id, revision FROM pull_cursors WHERE collection = ? AND file_id IN `+in, args...)
	if err != nil {
		return nil, fmt.Errorf("reading %s cursors: %w", c, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var rev int64
		if err := rows.Scan(&id, &rev); err != nil {
			return nil, fmt.Errorf("scanning %s cursor: %w", c, err)
		}
		out[id] = rev
	}
	return out, rows.Err()
}

// ResetCursors forgets pull cursors of the given files in every collection.
// A nil slice resets all cursors.
func (s *SQLiteStore) ResetCursors(ctx context.Context, fileIDs []string) error {
	var err error
	switch {
	case fileIDs == nil:
		_, err = s.db.ExecContext(ctx, `DELETE FROM pull_cursors`)
	case len(fileIDs) == 0:
		return nil
	default:
		in, args := inClause(fileIDs)
		_, err = s.db.ExecContext(ctx, `DELETE FROM pull_cursors WHERE file_id IN `+in, args...)
	}
	if err != nil {
		return fmt.Errorf("resetting cursors: %w", err)
	}
	return nil
}

// Compact drops tombstones that are already pushed, tombstones whose file no
// longer exists (except shared file tombstones awaiting push), then vacuums.
func (s *SQLiteStore) Compact(ctx context.Context) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM documents WHERE deleted = 1 AND dirty = '[]'`,
			`DELETE FROM documents WHERE deleted = 1 AND collection <> 'files'
				AND file_id NOT IN (SELECT id FROM documents WHERE collection = 'files' AND deleted = 0)`,
			`DELETE FROM documents WHERE deleted = 1 AND collection = 'files'
				AND COALESCE(json_extract(data, '$.storageClass'), '') <> 'shared'`,
			`DELETE FROM pull_cursors WHERE file_id NOT IN (SELECT id FROM documents WHERE collection = 'files')`,
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("compacting: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuuming: %w", err)
	}
	return nil
}

// Stats counts live documents, tombstones and dirty documents per collection.
func (s *SQLiteStore) Stats(ctx context.Context) (map[fieldsync.Collection]Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection,
		       SUM(CASE WHEN deleted = 0 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN deleted = 1 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN dirty <> '[]' THEN 1 ELSE 0 END)
		FROM documents GROUP BY collection`)
	if err != nil {
		return nil, fmt.Errorf("reading stats: %w", err)
	}
	defer rows.Close()

	out := make(map[fieldsync.Collection]Stats)
	for rows.Next() {
		var c string
		var st Stats
		if err := rows.Scan(&c, &st.Live, &st.Tombstones, &st.Dirty); err != nil {
			return nil, fmt.Errorf("scanning stats: %w", err)
		}
		out[fieldsync.Collection(c)] = st
	}
	return out, rows.Err()
}

// Stats summarises one collection of the store.
type Stats struct {
	Live       int
	Tombstones int
	Dirty      int
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) query(ctx context.Context, q queryer, query string, args ...any) ([]*fieldsync.Document, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*fieldsync.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*fieldsync.Document, error) {
	var (
		doc        fieldsync.Document
		collection string
		data       string
		dirty      string
	)
	err := row.Scan(&collection, &doc.ID, &doc.FileID, &data, &doc.SchemaVersion,
		&doc.Revision, &doc.Updated, &doc.Deleted, &dirty, &doc.LocalSeq)
	if err != nil {
		return nil, err
	}
	doc.Collection = fieldsync.Collection(collection)
	if err := json.Unmarshal([]byte(data), &doc.Data); err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", collection, doc.ID, err)
	}
	if err := json.Unmarshal([]byte(dirty), &doc.Dirty); err != nil {
		return nil, fmt.Errorf("decoding dirty set of %s/%s: %w", collection, doc.ID, err)
	}
	if len(doc.Dirty) == 0 {
		doc.Dirty = nil
	}
	return &doc, nil
}

func updateDocument(ctx context.Context, tx *sql.Tx, doc *fieldsync.Document) error {
	data, err := json.Marshal(doc.Data)
	if err != nil {
		return err
	}
	dirty := []byte("[]")
	if len(doc.Dirty) > 0 {
		if dirty, err = json.Marshal(doc.Dirty); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE documents
		SET file_id = ?, data = ?, schema_version = ?, revision = ?, updated = ?,
		    deleted = ?, dirty = ?, local_seq = ?
		WHERE collection = ? AND id = ?`,
		doc.FileID, string(data), doc.SchemaVersion, doc.Revision, doc.Updated.UTC(),
		doc.Deleted, string(dirty), doc.LocalSeq, string(doc.Collection), doc.ID)
	return err
}

func addDirty(dirty []string, fields map[string]any) []string {
	if slices.Contains(dirty, fieldsync.AllFields) {
		return dirty
	}
	for k := range fields {
		if !slices.Contains(dirty, k) {
			dirty = append(dirty, k)
		}
	}
	sort.Strings(dirty)
	return dirty
}

// buildWhere renders q as a WHERE clause for collection c.
func buildWhere(c fieldsync.Collection, q fieldsync.Query) (string, []any) {
	clauses := []string{"collection = ?"}
	args := []any{string(c)}

	if q.FileIDs != nil {
		if len(q.FileIDs) == 0 {
			clauses = append(clauses, "0")
		} else {
			in, inArgs := inClause(q.FileIDs)
			clauses = append(clauses, "file_id IN "+in)
			args = append(args, inArgs...)
		}
	}
	if q.IDs != nil {
		if len(q.IDs) == 0 {
			clauses = append(clauses, "0")
		} else {
			in, inArgs := inClause(q.IDs)
			clauses = append(clauses, "id IN "+in)
			args = append(args, inArgs...)
		}
	}

	for _, k := range sortedKeys(q.Where) {
		clauses = append(clauses, "json_extract(data, ?) = ?")
		args = append(args, jsonPath(k), q.Where[k])
	}
	for _, k := range sortedKeys(q.Contains) {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(data, ?) WHERE json_each.value = ?)")
		args = append(args, jsonPath(k), q.Contains[k])
	}

	switch {
	case q.OnlyDeleted:
		clauses = append(clauses, "deleted = 1")
	case !q.IncludeDeleted:
		clauses = append(clauses, "deleted = 0")
	}
	return strings.Join(clauses, " AND "), args
}

func inClause(values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(values)), ",") + ")", args
}

func jsonPath(field string) string {
	return `$."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
