package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"fieldsync-go/internal/auth"
	"fieldsync-go/internal/config"
	"fieldsync-go/internal/database"
	"fieldsync-go/internal/fieldsync"
	"fieldsync-go/internal/model"
)

const timeLayout = "2006-01-02 15:04"

func renderConfig(w io.Writer, path string, cfg *config.Config) {
	fmt.Fprintf(w, "Configuration from %s:\n\n", path)
	fmt.Fprintf(w, "Device ID:  %s\n", cfg.DeviceID)
	fmt.Fprintf(w, "Base Dir:   %s\n", cfg.BaseDir)
	fmt.Fprintf(w, "Log Dir:    %s\n", cfg.LogDir)
	fmt.Fprintf(w, "Store:      %s\n", cfg.Store.Type)
	fmt.Fprintf(w, "Sync Sets:  %s\n", cfg.SyncSets.Type)
	fmt.Fprintf(w, "Backend:    %s\n", backendTarget(cfg.Backend))
	fmt.Fprintf(w, "Encryption: %s\n", cfg.Encryption.Type)
	fmt.Fprintf(w, "Session:    %s\n", cfg.Session.TokenPath)
}

func backendTarget(b config.BackendConfig) string {
	target := ""
	switch b.Type {
	case "filesystem":
		target = b.FSRoot
	case "s3":
		target = "s3://" + b.S3Bucket + "/" + b.S3Prefix
	case "http":
		target = b.URL
	case "postgres":
		target = "(dsn hidden)"
	}
	out := b.Type
	if target != "" {
		out += " " + target
	}
	if b.Seal {
		out += " [sealed]"
	}
	return out
}

func renderFiles(w io.Writer, files []model.File) {
	if len(files) == 0 {
		fmt.Fprintln(w, "No files.")
		return
	}
	for _, f := range files {
		fmt.Fprintf(w, "%s  %-6s  %s  %s\n", f.ID, f.StorageClass, f.Created.UTC().Format(timeLayout), f.Name())
	}
}

func renderOpen(w io.Writer, res fieldsync.OpenResult) {
	fmt.Fprintf(w, "File %s: %s\n", res.FileID, res.State)
	steps := make([]string, len(res.Trace))
	for i, s := range res.Trace {
		steps[i] = s.String()
	}
	fmt.Fprintf(w, "Trace: %s\n", strings.Join(steps, " -> "))
}

func renderCascade(w io.Writer, report fieldsync.CascadeReport) {
	fmt.Fprintf(w, "Deleted file %s (%d documents)\n", report.FileID, report.Total())
	for _, c := range fieldsync.Collections {
		if n := report.Removed[c]; n > 0 {
			fmt.Fprintf(w, "  %-9s %d\n", c, n)
		}
	}
}

func renderTeams(w io.Writer, teams []model.Team) {
	if len(teams) == 0 {
		fmt.Fprintln(w, "No teams.")
		return
	}
	for _, t := range teams {
		removed := ""
		if t.Removed {
			removed = "  [removed]"
		}
		fmt.Fprintf(w, "%s  %s%s\n", t.ID, t.Name, removed)
	}
}

// renderLogs resolves team ids to names so entries from removed teams stay
// readable.
func renderLogs(w io.Writer, logs []model.Log, teams []model.Team) {
	if len(logs) == 0 {
		fmt.Fprintln(w, "No log entries.")
		return
	}
	names := map[string]string{model.OpsTeam: model.OpsTeam}
	for _, t := range teams {
		names[t.ID] = t.Name
	}
	name := func(id string) string {
		if n, ok := names[id]; ok {
			return n
		}
		return id
	}
	for _, l := range logs {
		fmt.Fprintf(w, "%s  %-6s  %s -> %s: %s\n",
			l.Created.UTC().Format(timeLayout), l.Type, name(l.FromTeam), name(l.ToTeam), l.Message)
	}
}

func renderSession(w io.Writer, claims *auth.Claims) {
	if claims == nil {
		fmt.Fprintln(w, "Not signed in.")
		return
	}
	fmt.Fprintf(w, "Signed in as %s", claims.Subject)
	if claims.DeviceID != "" {
		fmt.Fprintf(w, " on %s", claims.DeviceID)
	}
	if claims.ExpiresAt != nil {
		fmt.Fprintf(w, " until %s", claims.ExpiresAt.Time.UTC().Format(timeLayout))
	}
	fmt.Fprintln(w)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func renderStatus(w io.Writer, st fieldsync.Status, stats map[fieldsync.Collection]database.Stats) {
	fmt.Fprintf(w, "Leader:    %s\n", yesNo(st.Leader))
	fmt.Fprintf(w, "Watchdog:  %s\n", st.Watchdog)
	fmt.Fprintf(w, "Opted in:  %d\n", len(st.OptedIn))
	fmt.Fprintf(w, "Ready:     %d\n", len(st.Ready))
	if st.Degraded {
		fmt.Fprintln(w, "Sync sets are held in memory only; opt-ins will not survive a restart.")
	}
	fmt.Fprintln(w)
	for _, c := range fieldsync.Collections {
		s := stats[c]
		fmt.Fprintf(w, "%-9s live=%d tombstones=%d dirty=%d", c, s.Live, s.Tombstones, s.Dirty)
		if ch, ok := st.Channels[c]; ok {
			fmt.Fprintf(w, " pushed=%d pulled=%d errors=%d", ch.Pushed, ch.Pulled, ch.Errors)
			if ch.LastError != "" {
				fmt.Fprintf(w, " last_error=%q", ch.LastError)
			}
		}
		fmt.Fprintln(w)
	}
}

func renderWatchdog(w io.Writer, at time.Time, s fieldsync.WatchdogStatus) {
	fmt.Fprintf(w, "%s  watchdog %s\n", at.UTC().Format(time.RFC3339), s)
}
