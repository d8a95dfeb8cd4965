package fieldsync

import (
	"context"
	"fmt"
	"sync"

	"fieldsync-go/internal/model"
)

// Watch is a live query. Updates delivers the full result set after every
// change to the underlying collection; a slow reader only sees the latest.
type Watch[T any] struct {
	updates chan []T
	errs    chan error
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// Updates streams result sets, starting with the current one. It is closed
// when the watch ends.
func (w *Watch[T]) Updates() <-chan []T { return w.updates }

// Err reports the error that ended the watch, if any.
func (w *Watch[T]) Err() <-chan error { return w.errs }

func (w *Watch[T]) Close() {
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

func watch[T any](ctx context.Context, s *Service, c Collection, q Query, keep func(*T) bool) *Watch[T] {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watch[T]{
		updates: make(chan []T, 1),
		errs:    make(chan error, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	changes, unsubscribe := s.store.Changes(c)

	go func() {
		defer close(w.done)
		defer close(w.updates)
		defer unsubscribe()
		for {
			items, err := find(ctx, s, c, q, keep)
			if err != nil {
				if ctx.Err() == nil {
					w.errs <- err
				}
				return
			}
			select {
			case <-w.updates:
			default:
			}
			w.updates <- items

			select {
			case <-ctx.Done():
				return
			case <-changes:
			}
		}
	}()
	return w
}

// find runs q and decodes every match at the current schema version.
func find[T any](ctx context.Context, s *Service, c Collection, q Query, keep func(*T) bool) ([]T, error) {
	docs, err := s.store.Find(ctx, c, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		d, err := s.upgrade(d)
		if err != nil {
			return nil, err
		}
		v, err := Decode[T](d)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", c, err)
		}
		if keep != nil && !keep(v) {
			continue
		}
		out = append(out, *v)
	}
	return out, nil
}

func byFile(fileID string) Query {
	return Query{FileIDs: []string{fileID}}
}

func activeTeam(t *model.Team) bool { return !t.Removed }

// WatchFiles watches every live file.
func (s *Service) WatchFiles(ctx context.Context) *Watch[model.File] {
	return watch[model.File](ctx, s, Files, Query{}, nil)
}

// WatchTeams watches the teams of a file that have not been removed.
func (s *Service) WatchTeams(ctx context.Context, fileID string) *Watch[model.Team] {
	return watch(ctx, s, Teams, byFile(fileID), activeTeam)
}

// WatchPeople watches the people of a file, or only those on teamID when it
// is not empty.
func (s *Service) WatchPeople(ctx context.Context, fileID, teamID string) *Watch[model.Person] {
	q := byFile(fileID)
	if teamID != "" {
		q.Where = map[string]any{"teamId": teamID}
	}
	return watch[model.Person](ctx, s, People, q, nil)
}

// WatchEquipment watches the equipment of a file, or only items with units
// held by teamID when it is not empty.
func (s *Service) WatchEquipment(ctx context.Context, fileID, teamID string) *Watch[model.Equipment] {
	q := byFile(fileID)
	if teamID != "" {
		q.Contains = map[string]string{"teamIds": teamID}
	}
	return watch[model.Equipment](ctx, s, Equipment, q, nil)
}

func (s *Service) WatchTasks(ctx context.Context, fileID string) *Watch[model.Task] {
	return watch[model.Task](ctx, s, Tasks, byFile(fileID), nil)
}

func (s *Service) WatchClues(ctx context.Context, fileID string) *Watch[model.Clue] {
	return watch[model.Clue](ctx, s, Clues, byFile(fileID), nil)
}

func (s *Service) WatchLogs(ctx context.Context, fileID string) *Watch[model.Log] {
	return watch[model.Log](ctx, s, Logs, byFile(fileID), nil)
}

func (s *Service) WatchMessages(ctx context.Context, fileID string) *Watch[model.MessageQueueItem] {
	return watch[model.MessageQueueItem](ctx, s, Messages, byFile(fileID), nil)
}

// Files lists every live file.
func (s *Service) Files(ctx context.Context) ([]model.File, error) {
	return find[model.File](ctx, s, Files, Query{}, nil)
}

// Teams lists a file's teams. Removed teams are included when asked for so
// historical entries can still be named.
func (s *Service) Teams(ctx context.Context, fileID string, includeRemoved bool) ([]model.Team, error) {
	keep := activeTeam
	if includeRemoved {
		keep = nil
	}
	return find(ctx, s, Teams, byFile(fileID), keep)
}

func (s *Service) Logs(ctx context.Context, fileID string) ([]model.Log, error) {
	return find[model.Log](ctx, s, Logs, byFile(fileID), nil)
}

// Team returns a team, removed or not.
func (s *Service) Team(ctx context.Context, teamID string) (*model.Team, error) {
	return s.team(ctx, teamID)
}

// File returns a live file.
func (s *Service) File(ctx context.Context, fileID string) (*model.File, error) {
	return s.file(ctx, fileID)
}
