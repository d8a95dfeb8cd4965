package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sebdah/goldie/v2"

	"fieldsync-go/internal/auth"
	"fieldsync-go/internal/config"
	"fieldsync-go/internal/database"
	"fieldsync-go/internal/fieldsync"
	"fieldsync-go/internal/model"
)

var (
	day1 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	day2 = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
)

func assertGolden(t *testing.T, name string, render func(*bytes.Buffer)) {
	t.Helper()
	var buf bytes.Buffer
	render(&buf)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, buf.Bytes())
}

func TestRenderConfig(t *testing.T) {
	cfg := config.NewConfig("device-1", "/srv/fieldsync")
	assertGolden(t, "config", func(b *bytes.Buffer) { renderConfig(b, "/etc/fieldsync.toml", cfg) })
}

func TestBackendTarget(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.BackendConfig
		want string
	}{
		{name: "memory", cfg: config.BackendConfig{Type: "memory"}, want: "memory"},
		{name: "filesystem", cfg: config.BackendConfig{Type: "filesystem", FSRoot: "/mnt/share"}, want: "filesystem /mnt/share"},
		{name: "sealed s3", cfg: config.BackendConfig{Type: "s3", S3Bucket: "incidents", S3Prefix: "county", Seal: true}, want: "s3 s3://incidents/county [sealed]"},
		{name: "http", cfg: config.BackendConfig{Type: "http", URL: "https://sync.example.org"}, want: "http https://sync.example.org"},
		{name: "postgres hides dsn", cfg: config.BackendConfig{Type: "postgres", PostgresDSN: "postgres://u:secret@db/x"}, want: "postgres (dsn hidden)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := backendTarget(tt.cfg); got != tt.want {
				t.Errorf("backendTarget() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderFiles(t *testing.T) {
	files := []model.File{
		{ID: "f1", StorageClass: model.StorageLocal, Created: day1, Meta: map[string]any{"name": "Training day"}},
		{ID: "f2", StorageClass: model.StorageShared, Created: day2, Meta: map[string]any{"name": "River search"}},
	}
	assertGolden(t, "files", func(b *bytes.Buffer) { renderFiles(b, files) })
	assertGolden(t, "files_empty", func(b *bytes.Buffer) { renderFiles(b, nil) })
}

func TestRenderOpen(t *testing.T) {
	res := fieldsync.OpenResult{
		FileID: "f2",
		State:  fieldsync.Loaded,
		Trace:  []fieldsync.OpenState{fieldsync.AuthPending, fieldsync.OptIn, fieldsync.PollUntilReady, fieldsync.Loaded},
	}
	assertGolden(t, "open", func(b *bytes.Buffer) { renderOpen(b, res) })
}

func TestRenderCascade(t *testing.T) {
	report := fieldsync.CascadeReport{
		FileID:  "f2",
		Removed: map[fieldsync.Collection]int{fieldsync.Files: 1, fieldsync.Teams: 2, fieldsync.Logs: 3},
	}
	assertGolden(t, "cascade", func(b *bytes.Buffer) { renderCascade(b, report) })
}

func TestRenderTeamsAndLogs(t *testing.T) {
	teams := []model.Team{
		{ID: "t1", FileID: "f2", Name: "Alpha"},
		{ID: "t2", FileID: "f2", Name: "Bravo", Removed: true},
	}
	logs := []model.Log{
		{ID: "l1", FileID: "f2", FromTeam: model.OpsTeam, ToTeam: "t1", Type: model.LogNote, Message: "Alpha deployed", Created: day1.Add(5 * time.Minute)},
		{ID: "l2", FileID: "f2", FromTeam: "t2", ToTeam: model.OpsTeam, Type: model.LogRadio, Message: "found footprints", Created: day1.Add(40 * time.Minute)},
		{ID: "l3", FileID: "f2", FromTeam: "t9", ToTeam: model.OpsTeam, Type: model.LogStatus, Message: "unknown sender", Created: day1.Add(time.Hour)},
	}
	assertGolden(t, "teams", func(b *bytes.Buffer) { renderTeams(b, teams) })
	assertGolden(t, "logs", func(b *bytes.Buffer) { renderLogs(b, logs, teams) })
}

func TestRenderSession(t *testing.T) {
	claims := &auth.Claims{
		DeviceID: "tablet-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(day1.Add(12 * time.Hour)),
		},
	}
	assertGolden(t, "session", func(b *bytes.Buffer) { renderSession(b, claims) })
	assertGolden(t, "session_none", func(b *bytes.Buffer) { renderSession(b, nil) })
}

func TestRenderStatus(t *testing.T) {
	st := fieldsync.Status{
		Leader:   true,
		OptedIn:  []string{"f2"},
		Ready:    []string{"f2"},
		Watchdog: fieldsync.WatchdogStatus{Started: true, Synced: true},
		Channels: map[fieldsync.Collection]fieldsync.ChannelStats{
			fieldsync.Files: {Pushed: 1},
			fieldsync.Teams: {Pushed: 2, Pulled: 1, Errors: 1, LastError: "backend unavailable"},
		},
	}
	stats := map[fieldsync.Collection]database.Stats{
		fieldsync.Files: {Live: 2},
		fieldsync.Teams: {Live: 2, Tombstones: 1},
		fieldsync.Logs:  {Live: 2, Dirty: 1},
	}
	assertGolden(t, "status", func(b *bytes.Buffer) { renderStatus(b, st, stats) })

	follower := fieldsync.Status{Degraded: true}
	assertGolden(t, "status_follower", func(b *bytes.Buffer) { renderStatus(b, follower, nil) })
}

func TestRenderWatchdog(t *testing.T) {
	assertGolden(t, "watchdog", func(b *bytes.Buffer) {
		renderWatchdog(b, day1, fieldsync.WatchdogStatus{Started: true})
		renderWatchdog(b, day1.Add(time.Second), fieldsync.WatchdogStatus{Started: true, Synced: true})
	})
}
