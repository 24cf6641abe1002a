package store

import "time"

// TxnRecord is the persisted journal row of one transaction
type TxnRecord struct {
	ID               string
	ImageID          string
	ImagePath        string
	Format           string
	ImageIndex       int
	State            string
	Generation       int64
	MountPoint       string
	ActionCount      int
	StartedAt        time.Time
	EndedAt          *time.Time
	FailedAction     int
	FailedActionName string
	Error            string
	// OwnerPID is the process that ran the transaction, 0 if unknown
	OwnerPID int
}

// TxnOutcome is written when a transaction reaches a terminal state
type TxnOutcome struct {
	FailedAction     int
	FailedActionName string
	Error            string
}

// CheckpointRecord is the manifest header of one checkpoint
type CheckpointRecord struct {
	ID        string
	TxnID     string
	ParentID  string // empty for the root checkpoint
	ImageID   string
	Seq       int
	Kind      string
	Label     string
	Digest    string
	CreatedAt time.Time
}

// EntryRecord is one path of a checkpoint change set
type EntryRecord struct {
	Path string
	Kind string
	Op   string
	Mode uint32
	Size int64
	Hash string
}

// ObjectRecord is one stored blob. Owner is the staging transaction ID,
// or empty once the blob is in the shared pool.
type ObjectRecord struct {
	Hash  string
	Owner string
	Size  int64
}

func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
