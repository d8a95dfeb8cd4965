package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"fieldsync-go/internal/model"
)

// CascadeReport counts the documents a cascade removed per collection.
type CascadeReport struct {
	FileID  string
	Removed map[Collection]int
}

// Total returns the number of documents removed across all collections.
func (r CascadeReport) Total() int {
	n := 0
	for _, v := range r.Removed {
		n += v
	}
	return n
}

// CreateFile inserts a new file. Only shared files are ever pushed.
func (s *Service) CreateFile(ctx context.Context, shared bool, meta map[string]any) (string, error) {
	class := model.StorageLocal
	if shared {
		class = model.StorageShared
	}
	if meta == nil {
		meta = map[string]any{}
	}
	now := s.clock.Now().UTC()
	f := model.File{
		ID:           s.ids.New(),
		StorageClass: class,
		Created:      now,
		Updated:      now,
		Meta:         meta,
	}
	if _, err := s.insert(ctx, Files, f.ID, f.ID, f); err != nil {
		return "", fmt.Errorf("creating file: %w", err)
	}
	s.logger.Info("file created", "file", f.ID, "storage", class)
	return f.ID, nil
}

// DeleteFile removes a file and every document that belongs to it. The
// dependents are removed in parallel and best-effort; the file row goes last
// even if some collections failed, which are reported in a CascadeError.
// Shared files leave tombstones so the deletion reaches the backend; local
// files are removed outright.
func (s *Service) DeleteFile(ctx context.Context, fileID string) (CascadeReport, error) {
	report := CascadeReport{FileID: fileID}
	file, err := s.file(ctx, fileID)
	if err != nil {
		return report, err
	}
	shared := file.Shared()

	remove := s.store.Purge
	if shared {
		remove = s.store.Remove
	}
	byFile := Query{FileIDs: []string{fileID}}

	counts, cascadeErr := s.fanOut(ctx, "delete file", fileID, Dependents, func(ctx context.Context, c Collection) (int, error) {
		return remove(ctx, c, byFile)
	})
	report.Removed = counts

	if err := s.sets.RemoveFromBothSets(ctx, fileID); err != nil {
		s.logger.Warn("removing file from sync sets", "file", fileID, "error", err)
	}

	n, err := remove(ctx, Files, Query{IDs: []string{fileID}})
	if err != nil {
		return report, errors.Join(cascadeErr, fmt.Errorf("removing file %s: %w", fileID, err))
	}
	report.Removed[Files] = n

	if shared {
		if err := s.supervisor.PushFileTombstones(ctx); err != nil && !errors.Is(err, ErrNotLeader) {
			s.logger.Warn("pushing file deletion, will retry with replication", "file", fileID, "error", err)
		}
	}
	s.logger.Info("file deleted", "file", fileID, "documents", report.Total())
	return report, cascadeErr
}

// RemoveTeam unassigns everything that references the team and then marks
// it removed. The team document itself stays so logs can still name it.
func (s *Service) RemoveTeam(ctx context.Context, fileID, teamID string) error {
	team, err := s.team(ctx, teamID)
	if err != nil {
		return err
	}
	if team.FileID != fileID {
		return fmt.Errorf("team %s in file %s: %w", teamID, fileID, ErrNotFound)
	}

	inFile := []string{fileID}
	_, cascadeErr := s.fanOut(ctx, "remove team", fileID, []Collection{People, Equipment, Tasks}, func(ctx context.Context, c Collection) (int, error) {
		if c == People {
			docs, err := s.store.Find(ctx, People, Query{FileIDs: inFile, Where: map[string]any{"teamId": teamID}})
			if err != nil {
				return 0, err
			}
			for _, d := range docs {
				if _, err := s.patch(ctx, d, map[string]any{"teamId": ""}); err != nil {
					return 0, err
				}
			}
			return len(docs), nil
		}

		docs, err := s.store.Find(ctx, c, Query{FileIDs: inFile, Contains: map[string]string{"teamIds": teamID}})
		if err != nil {
			return 0, err
		}
		for _, d := range docs {
			kept := slices.DeleteFunc(d.Strings("teamIds"), func(id string) bool { return id == teamID })
			if _, err := s.patch(ctx, d, map[string]any{"teamIds": kept}); err != nil {
				return 0, err
			}
		}
		return len(docs), nil
	})

	doc, err := s.load(ctx, Teams, teamID)
	if err != nil {
		return errors.Join(cascadeErr, err)
	}
	if _, err := s.patch(ctx, doc, map[string]any{"removed": true, "assignmentId": ""}); err != nil {
		return errors.Join(cascadeErr, fmt.Errorf("marking team %s removed: %w", teamID, err))
	}
	s.logger.Info("team removed", "file", fileID, "team", teamID)
	return cascadeErr
}

// SignOutPurge stops replication and deletes every shared file and its
// documents from the local store only, leaving local files untouched. Pull
// cursors and sync sets are reset and the store is compacted so nothing
// purged comes back from a stale tombstone on the next sign-in.
func (s *Service) SignOutPurge(ctx context.Context) error {
	s.supervisor.Stop()
	s.watchdog.Stop()

	files, err := s.store.Find(ctx, Files, Query{Where: map[string]any{"storageClass": string(model.StorageShared)}, IncludeDeleted: true})
	if err != nil {
		return fmt.Errorf("listing shared files: %w", err)
	}
	ids := make([]string, len(files))
	for i, f := range files {
		ids[i] = f.ID
	}

	var errs []error
	if len(ids) > 0 {
		byFile := Query{FileIDs: ids}
		if _, err := s.fanOut(ctx, "sign-out purge", "*", Dependents, func(ctx context.Context, c Collection) (int, error) {
			return s.store.Purge(ctx, c, byFile)
		}); err != nil {
			errs = append(errs, err)
		}
		if _, err := s.store.Purge(ctx, Files, Query{IDs: ids}); err != nil {
			errs = append(errs, fmt.Errorf("purging shared files: %w", err))
		}
		if err := s.store.ResetCursors(ctx, ids); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.sets.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clearing sync sets: %w", err))
	}
	if err := s.store.Compact(ctx); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("signed out, shared files purged", "files", len(ids))
	return errors.Join(errs...)
}

// SignInRestart rebuilds replication from the persisted OptedIn set after an
// authentication change.
func (s *Service) SignInRestart(ctx context.Context) error {
	if err := s.sets.Reload(ctx); err != nil {
		return fmt.Errorf("reloading sync sets: %w", err)
	}

	token, runCtx := s.currentToken()
	if runCtx != nil && runCtx.Err() == nil {
		s.watchdog.Start(runCtx)
	}
	if !tokenLive(token) {
		s.logger.Debug("sign-in restart: not leader, nothing to reconfigure")
		return nil
	}
	if s.supervisor.Running() {
		return s.supervisor.Reconfigure(ctx)
	}
	return s.supervisor.Start(runCtx, token)
}
