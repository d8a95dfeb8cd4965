package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"fieldsync-go/internal/model"
)

// AddTeam creates a team in fileID.
func (s *Service) AddTeam(ctx context.Context, fileID, name string) (*model.Team, error) {
	t := model.Team{ID: s.ids.New(), FileID: fileID, Name: name}
	if err := s.addToFile(ctx, Teams, fileID, t.ID, t); err != nil {
		return nil, err
	}
	return &t, nil
}

// SetTeamStatus records a team's field status.
func (s *Service) SetTeamStatus(ctx context.Context, teamID, status string) error {
	doc, err := s.load(ctx, Teams, teamID)
	if err != nil {
		return err
	}
	_, err = s.patch(ctx, doc, map[string]any{"status": status})
	return err
}

func (s *Service) AddPerson(ctx context.Context, fileID, name string) (*model.Person, error) {
	p := model.Person{ID: s.ids.New(), FileID: fileID, Name: name}
	if err := s.addToFile(ctx, People, fileID, p.ID, p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Service) AddEquipment(ctx context.Context, fileID, name string, quantity int) (*model.Equipment, error) {
	e := model.Equipment{ID: s.ids.New(), FileID: fileID, Name: name, Quantity: quantity, TeamIDs: []string{}}
	if err := s.addToFile(ctx, Equipment, fileID, e.ID, e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Service) AddTask(ctx context.Context, fileID, name string) (*model.Task, error) {
	t := model.Task{ID: s.ids.New(), FileID: fileID, Name: name, TeamIDs: []string{}}
	if err := s.addToFile(ctx, Tasks, fileID, t.ID, t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Service) AddClue(ctx context.Context, fileID, name, foundByTeamID string) (*model.Clue, error) {
	c := model.Clue{ID: s.ids.New(), FileID: fileID, Name: name, State: model.ClueNew, FoundByTeamID: foundByTeamID}
	if err := s.addToFile(ctx, Clues, fileID, c.ID, c); err != nil {
		return nil, err
	}
	return &c, nil
}

// AppendLog adds an entry to the file's log. Empty routing fields default
// to the operator.
func (s *Service) AppendLog(ctx context.Context, entry model.Log) (*model.Log, error) {
	entry.ID = s.ids.New()
	entry.Created = s.clock.Now().UTC()
	if entry.FromTeam == "" {
		entry.FromTeam = model.OpsTeam
	}
	if entry.ToTeam == "" {
		entry.ToTeam = model.OpsTeam
	}
	if entry.Type == "" {
		entry.Type = model.LogNote
	}
	if err := s.addToFile(ctx, Logs, entry.FileID, entry.ID, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Service) QueueMessage(ctx context.Context, msg model.MessageQueueItem) (*model.MessageQueueItem, error) {
	msg.ID = s.ids.New()
	msg.Closed, msg.Acknowledged = false, false
	if err := s.addToFile(ctx, Messages, msg.FileID, msg.ID, msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// AssignPerson puts a person on a team in the same file.
func (s *Service) AssignPerson(ctx context.Context, personID, teamID string) error {
	doc, err := s.load(ctx, People, personID)
	if err != nil {
		return err
	}
	if _, err := s.liveTeam(ctx, doc.FileID, teamID); err != nil {
		return err
	}
	_, err = s.patch(ctx, doc, map[string]any{"teamId": teamID})
	return err
}

func (s *Service) UnassignPerson(ctx context.Context, personID string) error {
	doc, err := s.load(ctx, People, personID)
	if err != nil {
		return err
	}
	_, err = s.patch(ctx, doc, map[string]any{"teamId": ""})
	return err
}

// AssignEquipment gives one unit to a team. It returns ErrCapacity when
// every unit is already assigned.
func (s *Service) AssignEquipment(ctx context.Context, equipmentID, teamID string) error {
	doc, err := s.load(ctx, Equipment, equipmentID)
	if err != nil {
		return err
	}
	if _, err := s.liveTeam(ctx, doc.FileID, teamID); err != nil {
		return err
	}
	e, err := Decode[model.Equipment](doc)
	if err != nil {
		return err
	}
	if e.Available() <= 0 {
		return fmt.Errorf("equipment %s: %w", equipmentID, ErrCapacity)
	}
	_, err = s.patch(ctx, doc, map[string]any{"teamIds": append(e.TeamIDs, teamID)})
	return err
}

// UnassignEquipment returns one unit held by teamID.
func (s *Service) UnassignEquipment(ctx context.Context, equipmentID, teamID string) error {
	doc, err := s.load(ctx, Equipment, equipmentID)
	if err != nil {
		return err
	}
	ids := doc.Strings("teamIds")
	i := slices.Index(ids, teamID)
	if i < 0 {
		return fmt.Errorf("equipment %s held by team %s: %w", equipmentID, teamID, ErrNotFound)
	}
	_, err = s.patch(ctx, doc, map[string]any{"teamIds": slices.Delete(ids, i, i+1)})
	return err
}

// AssignTeamToTask adds the team to the task and makes it the team's
// current assignment.
func (s *Service) AssignTeamToTask(ctx context.Context, taskID, teamID string) error {
	task, err := s.load(ctx, Tasks, taskID)
	if err != nil {
		return err
	}
	team, err := s.liveTeam(ctx, task.FileID, teamID)
	if err != nil {
		return err
	}
	if ids := task.Strings("teamIds"); !slices.Contains(ids, teamID) {
		if _, err := s.patch(ctx, task, map[string]any{"teamIds": append(ids, teamID)}); err != nil {
			return err
		}
	}
	_, err = s.patch(ctx, team, map[string]any{"assignmentId": taskID})
	return err
}

func (s *Service) CompleteTask(ctx context.Context, taskID string) error {
	doc, err := s.load(ctx, Tasks, taskID)
	if err != nil {
		return err
	}
	_, err = s.patch(ctx, doc, map[string]any{
		"completed":   true,
		"completedAt": s.clock.Now().UTC().Format(time.RFC3339Nano),
	})
	return err
}

func (s *Service) SetClueState(ctx context.Context, clueID string, state model.ClueState) error {
	if !slices.Contains(model.ClueStates, state) {
		return fmt.Errorf("unknown clue state %q", state)
	}
	doc, err := s.load(ctx, Clues, clueID)
	if err != nil {
		return err
	}
	_, err = s.patch(ctx, doc, map[string]any{"state": string(state)})
	return err
}

func (s *Service) AcknowledgeMessage(ctx context.Context, messageID string) error {
	doc, err := s.load(ctx, Messages, messageID)
	if err != nil {
		return err
	}
	_, err = s.patch(ctx, doc, map[string]any{"acknowledged": true})
	return err
}

func (s *Service) CloseMessage(ctx context.Context, messageID string) error {
	doc, err := s.load(ctx, Messages, messageID)
	if err != nil {
		return err
	}
	_, err = s.patch(ctx, doc, map[string]any{"closed": true})
	return err
}

// DeletePerson removes an unassigned person.
func (s *Service) DeletePerson(ctx context.Context, personID string) error {
	doc, err := s.load(ctx, People, personID)
	if err != nil {
		return err
	}
	if doc.String("teamId") != "" {
		return fmt.Errorf("person %s: %w", personID, ErrAssigned)
	}
	return s.removeDoc(ctx, doc)
}

// DeleteEquipment removes equipment with no units assigned.
func (s *Service) DeleteEquipment(ctx context.Context, equipmentID string) error {
	doc, err := s.load(ctx, Equipment, equipmentID)
	if err != nil {
		return err
	}
	if len(doc.Strings("teamIds")) > 0 {
		return fmt.Errorf("equipment %s: %w", equipmentID, ErrAssigned)
	}
	return s.removeDoc(ctx, doc)
}

// Patch applies a partial update. Identity fields and a file's storage
// class cannot change, and logs are append-only.
func (s *Service) Patch(ctx context.Context, c Collection, id string, fields map[string]any) (*Document, error) {
	for _, k := range []string{"id", "fileId", "storageClass"} {
		if _, ok := fields[k]; ok {
			return nil, fmt.Errorf("patching %s/%s: field %q: %w", c, id, k, ErrImmutable)
		}
	}
	doc, err := s.load(ctx, c, id)
	if err != nil {
		return nil, err
	}
	return s.patch(ctx, doc, fields)
}

// Get returns a live document at the current schema version.
func (s *Service) Get(ctx context.Context, c Collection, id string) (*Document, error) {
	return s.load(ctx, c, id)
}

// addToFile inserts a document that belongs to a live file.
func (s *Service) addToFile(ctx context.Context, c Collection, fileID, id string, v any) error {
	if _, err := s.file(ctx, fileID); err != nil {
		return fmt.Errorf("adding to %s: %w", c, err)
	}
	if _, err := s.insert(ctx, c, fileID, id, v); err != nil {
		return fmt.Errorf("adding to %s: %w", c, err)
	}
	s.touchFile(ctx, fileID)
	return nil
}

func (s *Service) insert(ctx context.Context, c Collection, fileID, id string, v any) (*Document, error) {
	data, err := Encode(v)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Prepare(string(c), data); err != nil {
		return nil, err
	}
	doc := &Document{
		Collection:    c,
		ID:            id,
		FileID:        fileID,
		Data:          data,
		SchemaVersion: s.registry.Version(string(c)),
		Updated:       s.clock.Now().UTC(),
	}
	if err := s.store.Insert(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// load reads a live document and upgrades it in memory to the current
// schema version. The upgraded form is written on the next patch.
func (s *Service) load(ctx context.Context, c Collection, id string) (*Document, error) {
	doc, err := s.store.Get(ctx, c, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%s/%s: %w", c, id, ErrNotFound)
	}
	return s.upgrade(doc)
}

func (s *Service) upgrade(doc *Document) (*Document, error) {
	return upgradeDocument(s.registry, doc)
}

// upgradeDocument returns doc migrated in memory to the current schema
// version, or doc itself when it is already current.
func upgradeDocument(registry SchemaRegistry, doc *Document) (*Document, error) {
	data, version, err := registry.Upgrade(string(doc.Collection), doc.SchemaVersion, doc.Data)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", doc.Collection, doc.ID, err)
	}
	if version == doc.SchemaVersion {
		return doc, nil
	}
	out := doc.Clone()
	out.Data = data
	out.SchemaVersion = version
	return out, nil
}

// patch validates the merged result and writes the changed fields. A
// document read at an older schema version is written whole so the upgrade
// sticks.
func (s *Service) patch(ctx context.Context, doc *Document, fields map[string]any) (*Document, error) {
	c := doc.Collection
	if s.registry.Immutable(string(c)) {
		return nil, fmt.Errorf("patching %s/%s: %w", c, doc.ID, ErrImmutable)
	}
	stored, err := s.store.Get(ctx, c, doc.ID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("%s/%s: %w", c, doc.ID, ErrNotFound)
	}

	now := s.clock.Now().UTC()
	merged := MergeFields(CloneData(doc.Data), fields)
	if c == Files {
		merged["updated"] = now.Format(time.RFC3339Nano)
	}
	if err := s.registry.Prepare(string(c), merged); err != nil {
		return nil, err
	}

	changed := make(map[string]any, len(fields)+1)
	if stored.SchemaVersion != doc.SchemaVersion {
		changed = merged
	} else {
		for k := range fields {
			changed[k] = merged[k]
		}
		if c == Files {
			changed["updated"] = merged["updated"]
		}
	}

	out, err := s.store.Patch(ctx, c, doc.ID, changed, doc.SchemaVersion)
	if err != nil {
		return nil, err
	}
	if c != Files {
		s.touchFile(ctx, doc.FileID)
	}
	return out, nil
}

// removeDoc tombstones a document of a shared file and hard-deletes one of
// a local file, which is never pushed.
func (s *Service) removeDoc(ctx context.Context, doc *Document) error {
	if s.registry.Immutable(string(doc.Collection)) {
		return fmt.Errorf("removing %s/%s: %w", doc.Collection, doc.ID, ErrImmutable)
	}
	file, err := s.file(ctx, doc.FileID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	q := Query{IDs: []string{doc.ID}}
	if file != nil && file.Shared() {
		_, err = s.store.Remove(ctx, doc.Collection, q)
	} else {
		_, err = s.store.Purge(ctx, doc.Collection, q)
	}
	if err != nil {
		return err
	}
	s.touchFile(ctx, doc.FileID)
	return nil
}

// touchFile bumps the file's updated timestamp after a descendant change.
func (s *Service) touchFile(ctx context.Context, fileID string) {
	_, err := s.store.Patch(ctx, Files, fileID, map[string]any{"updated": s.clock.Now().UTC().Format(time.RFC3339Nano)}, 0)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn("bumping file updated", "file", fileID, "error", err)
	}
}

func (s *Service) file(ctx context.Context, fileID string) (*model.File, error) {
	doc, err := s.load(ctx, Files, fileID)
	if err != nil {
		return nil, err
	}
	return Decode[model.File](doc)
}

func (s *Service) team(ctx context.Context, teamID string) (*model.Team, error) {
	doc, err := s.load(ctx, Teams, teamID)
	if err != nil {
		return nil, err
	}
	return Decode[model.Team](doc)
}

// liveTeam loads a team of fileID that has not been removed.
func (s *Service) liveTeam(ctx context.Context, fileID, teamID string) (*Document, error) {
	doc, err := s.load(ctx, Teams, teamID)
	if err != nil {
		return nil, err
	}
	if doc.FileID != fileID || doc.Bool("removed") {
		return nil, fmt.Errorf("team %s in file %s: %w", teamID, fileID, ErrNotFound)
	}
	return doc, nil
}
