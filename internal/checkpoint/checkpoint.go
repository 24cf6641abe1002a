// Package checkpoint records the state of a mounted image tree so a
// transaction can return to any earlier point.
//
// The first checkpoint of a transaction is a full record of every path.
// Later checkpoints store only the change set against their parent, except
// every FullEvery-th which is full again to bound restore cost. Manifests
// live in the state database; file contents live in a content addressed
// blob pool keyed by SHA-256. Blobs written by an open transaction stay in
// its private staging namespace until the transaction is sealed.
package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"time"
)

// Kind distinguishes full records from change sets.
type Kind string

const (
	KindFull Kind = "full"
	KindDiff Kind = "diff"
)

// EntryKind is the type of a path in the tree.
type EntryKind string

const (
	EntryFile    EntryKind = "file"
	EntryDir     EntryKind = "dir"
	EntrySymlink EntryKind = "symlink"
)

// Op is the change an entry records against the parent state.
type Op string

const (
	OpAdd    Op = "add"
	OpModify Op = "modify"
	OpDelete Op = "delete"
)

// Entry is one path of a checkpoint. Hash is the SHA-256 of a file's content
// or of a symlink's target and is empty for directories and deletions.
type Entry struct {
	Path string      `json:"path"`
	Kind EntryKind   `json:"kind"`
	Op   Op          `json:"op"`
	Mode fs.FileMode `json:"mode"`
	Size int64       `json:"size"`
	Hash string      `json:"hash,omitempty"`
}

// Checkpoint is one node of a transaction's checkpoint chain.
type Checkpoint struct {
	ID        string
	ParentID  string
	TxnID     string
	ImageID   string
	Seq       int
	Kind      Kind
	Label     string
	Digest    string
	CreatedAt time.Time
	Entries   []Entry

	// StoredBytes counts blob bytes newly written for this checkpoint
	StoredBytes int64
}

// IsRoot reports whether the checkpoint starts its chain.
func (c *Checkpoint) IsRoot() bool {
	return c.ParentID == ""
}

var (
	// ErrCorrupt matches every *CorruptionError via errors.Is
	ErrCorrupt = errors.New("checkpoint corrupt")

	// ErrNotFound indicates an unknown checkpoint ID
	ErrNotFound = errors.New("checkpoint not found")

	// ErrForeignParent indicates a parent that belongs to another transaction
	ErrForeignParent = errors.New("parent checkpoint belongs to another transaction")
)

// CorruptionError reports a checkpoint whose manifest or blobs no longer
// match their recorded digests.
type CorruptionError struct {
	CheckpointID string
	Path         string
	Reason       string
}

func (e *CorruptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("checkpoint %s corrupt at %s: %s", e.CheckpointID, e.Path, e.Reason)
	}
	return fmt.Sprintf("checkpoint %s corrupt: %s", e.CheckpointID, e.Reason)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorrupt
}
