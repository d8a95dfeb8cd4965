package model

import "time"

// StorageClass decides whether a file's documents ever leave this device.
type StorageClass string

const (
	StorageLocal  StorageClass = "local"
	StorageShared StorageClass = "shared"
)

// OpsTeam is the sentinel team id used in logs and messages for the operator.
const OpsTeam = "OPS"

// File is the root aggregate: one incident.
type File struct {
	ID           string         `json:"id"`
	StorageClass StorageClass   `json:"storageClass"`
	Created      time.Time      `json:"created"`
	Updated      time.Time      `json:"updated"` // bumped by every descendant mutation
	Meta         map[string]any `json:"meta,omitempty"`
}

// Shared reports whether the file replicates to the backend.
func (f *File) Shared() bool {
	return f.StorageClass == StorageShared
}

// Name returns the display name stored in the file metadata, if any.
func (f *File) Name() string {
	if f.Meta == nil {
		return ""
	}
	name, _ := f.Meta["name"].(string)
	return name
}

// Team is a field team. Removed teams are tombstoned, never deleted, so
// historical logs can still resolve their names.
type Team struct {
	ID             string     `json:"id"`
	FileID         string     `json:"fileId"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	AssignmentID   string     `json:"assignmentId"`
	TimerStarted   *time.Time `json:"timerStarted,omitempty"`
	ElapsedSeconds int64      `json:"elapsedSeconds"`
	Removed        bool       `json:"removed"`
}

// Person is a responder, optionally assigned to one team.
type Person struct {
	ID     string `json:"id"`
	FileID string `json:"fileId"`
	Name   string `json:"name"`
	TeamID string `json:"teamId"`
}

// Equipment tracks a quantity of identical items; each entry in TeamIDs is
// one unit assigned to that team.
type Equipment struct {
	ID       string   `json:"id"`
	FileID   string   `json:"fileId"`
	Name     string   `json:"name"`
	Quantity int      `json:"quantity"`
	TeamIDs  []string `json:"teamIds"`
}

// Available returns the number of unassigned units.
func (e *Equipment) Available() int {
	return e.Quantity - len(e.TeamIDs)
}

// Task is an assignment given to one or more teams.
type Task struct {
	ID          string     `json:"id"`
	FileID      string     `json:"fileId"`
	Name        string     `json:"name"`
	TeamIDs     []string   `json:"teamIds"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// ClueState is the investigation state of a clue.
type ClueState string

const (
	ClueNew           ClueState = "New"
	ClueInvestigating ClueState = "Investigating"
	ClueEscalated     ClueState = "Escalated"
	ClueClosed        ClueState = "Closed"
	ClueIgnored       ClueState = "Ignored"
)

// ClueStates lists every valid clue state in workflow order.
var ClueStates = []ClueState{ClueNew, ClueInvestigating, ClueEscalated, ClueClosed, ClueIgnored}

// Clue is something found in the field.
type Clue struct {
	ID            string    `json:"id"`
	FileID        string    `json:"fileId"`
	Name          string    `json:"name"`
	State         ClueState `json:"state"`
	FoundByTeamID string    `json:"foundByTeamId"`
	AssignmentID  string    `json:"assignmentId"`
}

// LogType classifies a log entry.
type LogType string

const (
	LogRadio  LogType = "radio"
	LogStatus LogType = "status"
	LogNote   LogType = "note"
	LogSystem LogType = "system"
)

// Log is an append-only radio/operations log entry.
type Log struct {
	ID       string    `json:"id"`
	FileID   string    `json:"fileId"`
	FromTeam string    `json:"fromTeam"`
	ToTeam   string    `json:"toTeam"`
	Type     LogType   `json:"type"`
	Message  string    `json:"message"`
	Created  time.Time `json:"created"`
}

// MessageQueueItem is a message routed between the operator and field teams.
type MessageQueueItem struct {
	ID            string `json:"id"`
	FileID        string `json:"fileId"`
	Type          string `json:"type"`
	Subtype       string `json:"subtype"`
	ToOpsTeam     bool   `json:"toOpsTeam"`
	ToFieldTeamID string `json:"toFieldTeamId"`
	Closed        bool   `json:"closed"`
	Acknowledged  bool   `json:"acknowledged"`
}
