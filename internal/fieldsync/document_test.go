package fieldsync

import (
	"errors"
	"strings"
	"testing"

	"fieldsync-go/internal/model"
)

func TestParseCollection(t *testing.T) {
	for _, c := range Collections {
		got, err := ParseCollection(string(c))
		if err != nil || got != c {
			t.Errorf("ParseCollection(%q) = %q, %v", c, got, err)
		}
	}
	if _, err := ParseCollection("vehicles"); err == nil {
		t.Error("ParseCollection(vehicles) expected error")
	}
	if len(Dependents) != len(Collections)-1 {
		t.Errorf("Dependents has %d collections, want every collection but files", len(Dependents))
	}
}

func TestMergeFields(t *testing.T) {
	dst := map[string]any{"name": "Alpha", "status": "staged"}
	teamIDs := []any{"t1"}

	got := MergeFields(dst, map[string]any{"status": "deployed", "teamIds": teamIDs})
	if got["name"] != "Alpha" || got["status"] != "deployed" {
		t.Fatalf("MergeFields() = %v", got)
	}

	// Merged values are copies.
	teamIDs[0] = "changed"
	if got["teamIds"].([]any)[0] != "t1" {
		t.Error("MergeFields() aliased the source slice")
	}

	if got := MergeFields(nil, map[string]any{"a": 1}); got["a"] != 1 {
		t.Errorf("MergeFields(nil) = %v", got)
	}
}

func TestDocument_CloneIsDeep(t *testing.T) {
	d := &Document{
		Collection: Equipment,
		ID:         "e1",
		Data:       map[string]any{"teamIds": []any{"t1"}, "meta": map[string]any{"k": "v"}},
		Dirty:      []string{"teamIds"},
	}
	c := d.Clone()
	c.Data["teamIds"].([]any)[0] = "t2"
	c.Data["meta"].(map[string]any)["k"] = "w"
	c.Dirty[0] = "x"

	if d.Strings("teamIds")[0] != "t1" || d.Data["meta"].(map[string]any)["k"] != "v" || d.Dirty[0] != "teamIds" {
		t.Errorf("Clone() shares state with the original: %+v", d)
	}
}

func TestEncodeDecode(t *testing.T) {
	team := model.Team{ID: "t1", FileID: "f1", Name: "Alpha", Status: "staged"}
	data, err := Encode(team)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if data["fileId"] != "f1" || data["removed"] != false {
		t.Fatalf("Encode() = %v", data)
	}

	got, err := Decode[model.Team](&Document{Collection: Teams, ID: "t1", Data: data})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if *got != team {
		t.Errorf("Decode() = %+v, want %+v", got, team)
	}

	d := &Document{Data: map[string]any{"name": "x", "ok": true, "ids": []string{"a"}}}
	if d.String("name") != "x" || !d.Bool("ok") || d.Strings("ids")[0] != "a" {
		t.Errorf("accessors = %q %v %v", d.String("name"), d.Bool("ok"), d.Strings("ids"))
	}
	if d.String("missing") != "" || d.Bool("name") || d.Strings("name") != nil {
		t.Error("accessors must return zero values for missing or mistyped fields")
	}
}

func TestCascadeError(t *testing.T) {
	boom := errors.New("disk full")
	err := &CascadeError{
		Op:     "delete file",
		FileID: "f1",
		Failures: map[Collection]error{
			Tasks: boom,
			Clues: errors.New("locked"),
		},
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "delete file f1: 2 collection(s) failed: clues: locked; tasks: disk full") {
		t.Errorf("Error() = %q", msg)
	}
	if !errors.Is(err, boom) {
		t.Error("errors.Is(CascadeError, cause) = false")
	}
}

func TestOpenState(t *testing.T) {
	tests := []struct {
		state    OpenState
		name     string
		terminal bool
	}{
		{Unloaded, "unloaded", false},
		{AuthPending, "auth-pending", false},
		{OptIn, "opt-in", false},
		{PollUntilReady, "poll-until-ready", false},
		{Loaded, "loaded", true},
		{NotFound, "not-found", true},
		{Unauthenticated, "unauthenticated", true},
		{OpenState(42), "OpenState(42)", false},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.name {
			t.Errorf("String() = %q, want %q", got, tt.name)
		}
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.name, got, tt.terminal)
		}
	}
}
