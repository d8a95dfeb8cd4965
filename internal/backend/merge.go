// Package backend holds the shared document stores devices replicate
// against: an in-memory backend for tests, object-store backends on a local
// directory or S3, a Postgres backend and an HTTP client for a remote server.
package backend

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"fieldsync-go/internal/fieldsync"
)

var (
	// ErrInvalidChange is returned for a pushed change without an id or file id.
	ErrInvalidChange = errors.New("invalid change")

	// ErrClosed is returned by a backend after Close.
	ErrClosed = errors.New("backend closed")
)

func validate(c fieldsync.Collection, changes []fieldsync.Change) error {
	if !c.Valid() {
		return fmt.Errorf("unknown collection %q", c)
	}
	for i, ch := range changes {
		if ch.ID == "" || ch.FileID == "" {
			return fmt.Errorf("change %d in %s: %w", i, c, ErrInvalidChange)
		}
	}
	return nil
}

// apply merges one pushed change into the stored document, field by field.
// Tombstones are sticky: a later change can still update fields but never
// revives a deleted document.
func apply(prev *fieldsync.Document, c fieldsync.Collection, ch fieldsync.Change, rev int64, now time.Time) *fieldsync.Document {
	var doc *fieldsync.Document
	if prev == nil {
		doc = &fieldsync.Document{Collection: c, ID: ch.ID, FileID: ch.FileID}
	} else {
		doc = prev.Clone()
	}
	doc.Data = fieldsync.MergeFields(doc.Data, ch.Fields)
	doc.SchemaVersion = max(doc.SchemaVersion, ch.SchemaVersion)
	doc.Deleted = doc.Deleted || ch.Deleted
	doc.Revision = rev
	doc.Updated = now.UTC()
	doc.Dirty = nil
	doc.LocalSeq = 0
	return doc
}

// tombstone marks a dependent of a deleted file as deleted.
func tombstone(prev *fieldsync.Document, rev int64, now time.Time) *fieldsync.Document {
	return apply(prev, prev.Collection, fieldsync.Change{
		ID:            prev.ID,
		FileID:        prev.FileID,
		SchemaVersion: prev.SchemaVersion,
		Deleted:       true,
	}, rev, now)
}

// page orders candidate documents by revision, cuts them to limit and
// advances each file's cursor to the newest revision returned for it.
func page(docs []*fieldsync.Document, cursors map[string]int64, limit int) fieldsync.PullBatch {
	slices.SortFunc(docs, func(a, b *fieldsync.Document) int {
		if a.Revision != b.Revision {
			if a.Revision < b.Revision {
				return -1
			}
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})

	batch := fieldsync.PullBatch{Cursors: maps.Clone(cursors)}
	if batch.Cursors == nil {
		batch.Cursors = map[string]int64{}
	}
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
		batch.More = true
	}
	for _, d := range docs {
		if d.Revision > batch.Cursors[d.FileID] {
			batch.Cursors[d.FileID] = d.Revision
		}
	}
	batch.Documents = docs
	return batch
}

// sortedFiles returns the cursor keys in a stable order.
func sortedFiles(cursors map[string]int64) []string {
	return slices.Sorted(maps.Keys(cursors))
}

// broadcaster fans collection change announcements out to subscribers.
type broadcaster struct {
	subs map[chan fieldsync.Collection]struct{}
}

func (b *broadcaster) add() chan fieldsync.Collection {
	if b.subs == nil {
		b.subs = make(map[chan fieldsync.Collection]struct{})
	}
	ch := make(chan fieldsync.Collection, len(fieldsync.Collections))
	b.subs[ch] = struct{}{}
	return ch
}

func (b *broadcaster) remove(ch chan fieldsync.Collection) {
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *broadcaster) notify(cols ...fieldsync.Collection) {
	for ch := range b.subs {
		for _, c := range cols {
			select {
			case ch <- c:
			default:
			}
		}
	}
}
