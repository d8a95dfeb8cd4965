package fieldsync

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Collection names a replicated document collection.
type Collection string

const (
	Files     Collection = "files"
	Teams     Collection = "teams"
	People    Collection = "people"
	Equipment Collection = "equipment"
	Tasks     Collection = "tasks"
	Clues     Collection = "clues"
	Logs      Collection = "logs"
	Messages  Collection = "messages"
)

// Collections lists every replicated collection, root first.
var Collections = []Collection{Files, Teams, People, Equipment, Tasks, Clues, Logs, Messages}

// Dependents lists the collections whose documents belong to a file. Every
// cascade walks exactly these.
var Dependents = []Collection{Teams, People, Equipment, Tasks, Clues, Logs, Messages}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	return slices.Contains(Collections, c)
}

// ParseCollection validates a collection name.
func ParseCollection(s string) (Collection, error) {
	c := Collection(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown collection %q", s)
	}
	return c, nil
}

// AllFields marks a document whose every field is dirty (never pushed).
const AllFields = "*"

// Document is the store-level envelope around one JSON document.
type Document struct {
	Collection    Collection     `json:"collection"`
	ID            string         `json:"id"`
	FileID        string         `json:"fileId"`
	Data          map[string]any `json:"data"`
	SchemaVersion int            `json:"schemaVersion"`
	Revision      int64          `json:"revision"` // server-assigned, 0 = never synced
	Updated       time.Time      `json:"updated"`
	Deleted       bool           `json:"deleted,omitempty"`

	// Local replication state, never sent over the wire.
	Dirty    []string `json:"-"`
	LocalSeq int64    `json:"-"`
}

// String returns a string field or "".
func (d *Document) String(key string) string {
	s, _ := d.Data[key].(string)
	return s
}

// Bool returns a boolean field or false.
func (d *Document) Bool(key string) bool {
	b, _ := d.Data[key].(bool)
	return b
}

// Strings returns a string array field. Elements that are not strings are skipped.
func (d *Document) Strings(key string) []string {
	switch v := d.Data[key].(type) {
	case []string:
		return slices.Clone(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// IsDirty reports whether the document has local changes not yet pushed.
func (d *Document) IsDirty() bool {
	return len(d.Dirty) > 0
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	c := *d
	c.Data = CloneData(d.Data)
	c.Dirty = slices.Clone(d.Dirty)
	return &c
}

// Decode unmarshals the document data into a typed model value.
func Decode[T any](d *Document) (*T, error) {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s/%s: %w", d.Collection, d.ID, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", d.Collection, d.ID, err)
	}
	return &v, nil
}

// Encode converts a typed model value into document data.
func Encode(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return data, nil
}

// CloneData deep-copies JSON-shaped data.
func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneData(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}

// MergeFields overlays fields onto dst at top-level granularity and returns dst.
func MergeFields(dst, fields map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		dst[k] = cloneValue(v)
	}
	return dst
}

// Query selects documents within one collection. Zero values match everything.
type Query struct {
	// FileIDs restricts results to documents of these files. Nil matches all
	// files; an empty non-nil slice matches none.
	FileIDs []string

	// IDs restricts results to these document ids.
	IDs []string

	// Where matches top-level data fields by equality.
	Where map[string]any

	// Contains matches top-level array fields holding the given string.
	Contains map[string]string

	IncludeDeleted bool
	OnlyDeleted    bool
}

// Change is one document mutation pushed to the backend.
type Change struct {
	ID            string         `json:"id"`
	FileID        string         `json:"fileId"`
	Fields        map[string]any `json:"fields,omitempty"`
	SchemaVersion int            `json:"schemaVersion"`
	Deleted       bool           `json:"deleted,omitempty"`
}

// PushAck is the backend's acknowledgement of one pushed change.
type PushAck struct {
	ID       string `json:"id"`
	Revision int64  `json:"revision"`

	// LocalSeq is the local sequence the pushed change was read at; the store
	// only clears dirty fields if the document has not changed since.
	LocalSeq int64 `json:"-"`
}

// PullBatch is one page of remote documents.
type PullBatch struct {
	Documents []*Document      `json:"documents"`
	Cursors   map[string]int64 `json:"cursors"`
	More      bool             `json:"more"`
}
