package queue

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/cuemby/mergequeue/pkg/queuestate"
)

// entryDTO is the JSON-on-disk shape for Entry. Kept distinct from Entry so
// that storage encoding can evolve without touching the in-memory type's
// field order or zero-value semantics.
type entryDTO struct {
	ID               int64             `json:"id"`
	Workspace        string            `json:"workspace"`
	BeadID           string            `json:"bead_id,omitempty"`
	Priority         int32             `json:"priority"`
	Status           queuestate.Status `json:"status"`
	AddedAt          time.Time         `json:"added_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	AgentID          string            `json:"agent_id,omitempty"`
	DedupeKey        string            `json:"dedupe_key,omitempty"`
	HeadSHA          string            `json:"head_sha,omitempty"`
	TestedAgainstSHA string            `json:"tested_against_sha,omitempty"`
	AttemptCount     int               `json:"attempt_count"`
	MaxAttempts      int               `json:"max_attempts"`
	RebaseCount      int               `json:"rebase_count"`
	LastRebaseAt     *time.Time        `json:"last_rebase_at,omitempty"`
	ParentWorkspace  string            `json:"parent_workspace,omitempty"`
	StackDepth       int               `json:"stack_depth"`
	Dependents       []string          `json:"dependents,omitempty"`
	StackRoot        string            `json:"stack_root,omitempty"`
	StackMergeState  string            `json:"stack_merge_state,omitempty"`
}

func toDTO(e *Entry) entryDTO {
	return entryDTO{
		ID: e.ID, Workspace: e.Workspace, BeadID: e.BeadID, Priority: e.Priority,
		Status: e.Status, AddedAt: e.AddedAt, StartedAt: e.StartedAt, CompletedAt: e.CompletedAt,
		ErrorMessage: e.ErrorMessage, AgentID: e.AgentID, DedupeKey: e.DedupeKey,
		HeadSHA: e.HeadSHA, TestedAgainstSHA: e.TestedAgainstSHA,
		AttemptCount: e.AttemptCount, MaxAttempts: e.MaxAttempts,
		RebaseCount: e.RebaseCount, LastRebaseAt: e.LastRebaseAt,
		ParentWorkspace: e.ParentWorkspace, StackDepth: e.StackDepth,
		Dependents: e.Dependents, StackRoot: e.StackRoot, StackMergeState: e.StackMergeState,
	}
}

func fromDTO(d entryDTO) *Entry {
	return &Entry{
		ID: d.ID, Workspace: d.Workspace, BeadID: d.BeadID, Priority: d.Priority,
		Status: d.Status, AddedAt: d.AddedAt, StartedAt: d.StartedAt, CompletedAt: d.CompletedAt,
		ErrorMessage: d.ErrorMessage, AgentID: d.AgentID, DedupeKey: d.DedupeKey,
		HeadSHA: d.HeadSHA, TestedAgainstSHA: d.TestedAgainstSHA,
		AttemptCount: d.AttemptCount, MaxAttempts: d.MaxAttempts,
		RebaseCount: d.RebaseCount, LastRebaseAt: d.LastRebaseAt,
		ParentWorkspace: d.ParentWorkspace, StackDepth: d.StackDepth,
		Dependents: d.Dependents, StackRoot: d.StackRoot, StackMergeState: d.StackMergeState,
	}
}

func marshalEntry(e *Entry) ([]byte, error) {
	return json.Marshal(toDTO(e))
}

func unmarshalEntry(data []byte) (*Entry, error) {
	var d entryDTO
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return fromDTO(d), nil
}

// idKey encodes id as an 8-byte big-endian key so bbolt's natural byte-order
// iteration matches ascending id order.
func idKey(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func keyID(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}
