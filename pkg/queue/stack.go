package queue

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/mergequeue/pkg/mqerr"
	"github.com/cuemby/mergequeue/pkg/queuestate"
	"github.com/cuemby/mergequeue/pkg/storage"
)

// childrenIndexValue is the JSON list of workspace names stored under a
// parent workspace's key in BucketChildrenIndex.
type childrenIndexValue struct {
	Children []string `json:"children"`
}

func getChildrenIndex(tx *bolt.Tx, parent string) ([]string, error) {
	data := tx.Bucket(storage.BucketChildrenIndex).Get([]byte(parent))
	if data == nil {
		return nil, nil
	}
	var v childrenIndexValue
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v.Children, nil
}

func putChildrenIndex(tx *bolt.Tx, parent string, children []string) error {
	data, err := json.Marshal(childrenIndexValue{Children: children})
	if err != nil {
		return err
	}
	return tx.Bucket(storage.BucketChildrenIndex).Put([]byte(parent), data)
}

func addChildIndex(tx *bolt.Tx, parent, child string) error {
	children, err := getChildrenIndex(tx, parent)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c == child {
			return nil
		}
	}
	return putChildrenIndex(tx, parent, append(children, child))
}

// SetParent records workspace as stacked on top of parentWorkspace, updating
// both the entry's own parent_workspace field and parentWorkspace's children
// index. stackDepth and stackRoot are derived from the parent's own values.
func (r *Repository) SetParent(workspace, parentWorkspace string) (*Entry, error) {
	var result *Entry
	err := r.store.DB().Update(func(tx *bolt.Tx) error {
		entry, err := entryForWorkspace(tx, workspace)
		if err != nil {
			return err
		}
		parent, err := entryForWorkspace(tx, parentWorkspace)
		if err != nil {
			return err
		}

		entry.ParentWorkspace = parentWorkspace
		entry.StackDepth = parent.StackDepth + 1
		if parent.StackRoot != "" {
			entry.StackRoot = parent.StackRoot
		} else {
			entry.StackRoot = parent.Workspace
		}

		if err := putEntry(tx, entry); err != nil {
			return err
		}
		if err := addChildIndex(tx, parentWorkspace, workspace); err != nil {
			return err
		}

		parent.Dependents = appendUnique(parent.Dependents, workspace)
		if err := putEntry(tx, parent); err != nil {
			return err
		}

		result = entry
		return nil
	})
	return result, err
}

func appendUnique(list []string, v string) []string {
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}

// GetChildren returns the workspaces directly stacked on top of workspace,
// via the children index rather than a full table scan.
func (r *Repository) GetChildren(workspace string) ([]*Entry, error) {
	var children []*Entry
	err := r.store.DB().View(func(tx *bolt.Tx) error {
		names, err := getChildrenIndex(tx, workspace)
		if err != nil {
			return err
		}
		for _, name := range names {
			e, err := entryForWorkspace(tx, name)
			if err != nil {
				return err
			}
			children = append(children, e)
		}
		return nil
	})
	return children, err
}

// GetStackRoot returns the base workspace of the stack workspace belongs to,
// or workspace itself if it has no parent.
func (r *Repository) GetStackRoot(workspace string) (string, error) {
	entry, err := r.GetByWorkspace(workspace)
	if err != nil {
		return "", err
	}
	if entry.StackRoot != "" {
		return entry.StackRoot, nil
	}
	return entry.Workspace, nil
}

// UpdateDependents overwrites the full dependents list recorded against
// workspace's entry. Used when a stack is restructured (a rebase inserts or
// removes a layer).
func (r *Repository) UpdateDependents(workspace string, dependents []string) error {
	return r.store.DB().Update(func(tx *bolt.Tx) error {
		entry, err := entryForWorkspace(tx, workspace)
		if err != nil {
			return err
		}
		entry.Dependents = dependents
		return putEntry(tx, entry)
	})
}

// TransitionStackState applies status to every workspace in the stack rooted
// at root (root included), stopping and returning the first transition
// error encountered so that a stack never ends up partially migrated.
func (r *Repository) TransitionStackState(root string, status queuestate.Status) ([]*Entry, error) {
	var updated []*Entry
	err := r.store.DB().Update(func(tx *bolt.Tx) error {
		members, err := collectStackMembers(tx, root)
		if err != nil {
			return err
		}
		for _, e := range members {
			if err := e.Status.ValidateTransition(status); err != nil {
				return mqerr.ValidationErrorf("status", "every stack member must accept the target state",
					"stack member %s cannot move from %s to %s", e.Workspace, e.Status, status)
			}
		}
		now := r.clock.Now()
		for _, e := range members {
			e.Status = status
			if err := applyTerminalEffectsAndSave(tx, e, status, now); err != nil {
				return err
			}
			if err := appendEvent(tx, now, e.ID, EventTransitioned, map[string]any{"to": string(status), "reason": "stack-cascade"}); err != nil {
				return err
			}
			updated = append(updated, e)
		}
		return nil
	})
	return updated, err
}

func collectStackMembers(tx *bolt.Tx, root string) ([]*Entry, error) {
	rootEntry, err := entryForWorkspace(tx, root)
	if err != nil {
		return nil, err
	}
	members := []*Entry{rootEntry}

	queue := []string{root}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		children, err := getChildrenIndex(tx, current)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			e, err := entryForWorkspace(tx, child)
			if err != nil {
				return nil, err
			}
			members = append(members, e)
			queue = append(queue, child)
		}
	}
	return members, nil
}

// FindBlocked returns every entry whose parent workspace has not yet reached
// a mergeable state (ready_to_merge, merging, or merged) — i.e. descendants
// that cannot be scheduled ahead of their stack base.
func (r *Repository) FindBlocked() ([]*Entry, error) {
	var blocked []*Entry
	err := r.store.DB().View(func(tx *bolt.Tx) error {
		return tx.Bucket(storage.BucketQueueEntries).ForEach(func(_, v []byte) error {
			e, err := unmarshalEntry(v)
			if err != nil {
				return err
			}
			if e.ParentWorkspace == "" || e.Status.IsTerminal() {
				return nil
			}
			parent, err := entryForWorkspace(tx, e.ParentWorkspace)
			if err != nil {
				if mqerr.Is(err, mqerr.NotFound) {
					return nil
				}
				return err
			}
			if !isStackMergeable(parent.Status) {
				blocked = append(blocked, e)
			}
			return nil
		})
	})
	return blocked, err
}

func isStackMergeable(s queuestate.Status) bool {
	switch s {
	case queuestate.ReadyToMerge, queuestate.Merging, queuestate.Merged:
		return true
	default:
		return false
	}
}

// CascadeUnblock is called once root's own entry reaches merged; it returns
// root's direct children so the caller can re-evaluate them for scheduling
// now that their parent is out of the way.
func (r *Repository) CascadeUnblock(root string) ([]*Entry, error) {
	entry, err := r.GetByWorkspace(root)
	if err != nil {
		return nil, err
	}
	if entry.Status != queuestate.Merged {
		return nil, mqerr.PreconditionFailedf("cannot cascade-unblock %s: not merged (status=%s)", root, entry.Status)
	}
	return r.GetChildren(root)
}
