package checkpoint

import (
	"context"
	"encoding/json"
	"time"
)

// Manifest is the audit export of one checkpoint.
type Manifest struct {
	ID        string          `json:"id"`
	ParentID  *string         `json:"parent_id"`
	TxnID     string          `json:"txn_id"`
	ImageID   string          `json:"image_id"`
	Seq       int             `json:"seq"`
	Kind      Kind            `json:"kind"`
	Label     string          `json:"label"`
	Digest    string          `json:"digest"`
	CreatedAt time.Time       `json:"created_at"`
	ChangeSet []ManifestEntry `json:"change_set"`
}

// ManifestEntry is one changed path in a Manifest.
type ManifestEntry struct {
	Path string    `json:"path"`
	Hash string    `json:"hash,omitempty"`
	Kind EntryKind `json:"kind"`
	Op   Op        `json:"op"`
}

// Manifest exports checkpoint id as indented JSON.
func (s *Store) Manifest(ctx context.Context, id string) ([]byte, error) {
	cp, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(NewManifest(cp), "", "  ")
}

// NewManifest converts a loaded checkpoint to its export form.
func NewManifest(cp *Checkpoint) Manifest {
	m := Manifest{
		ID:        cp.ID,
		TxnID:     cp.TxnID,
		ImageID:   cp.ImageID,
		Seq:       cp.Seq,
		Kind:      cp.Kind,
		Label:     cp.Label,
		Digest:    cp.Digest,
		CreatedAt: cp.CreatedAt,
		ChangeSet: make([]ManifestEntry, len(cp.Entries)),
	}
	if cp.ParentID != "" {
		parent := cp.ParentID
		m.ParentID = &parent
	}
	for i, e := range cp.Entries {
		m.ChangeSet[i] = ManifestEntry{Path: e.Path, Hash: e.Hash, Kind: e.Kind, Op: e.Op}
	}
	return m
}
