package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/RevCBH/winforge/internal/image"
	"github.com/RevCBH/winforge/internal/logging"
	"github.com/RevCBH/winforge/internal/store"
)

// Options configures a Store.
type Options struct {
	// Root holds the objects/ and staging/ blob directories
	Root string

	// FullEvery stores a full record every N checkpoints (0 = root only)
	FullEvery int

	// HashWorkers bounds concurrent hashing (0 = number of CPUs)
	HashWorkers int

	Logger *slog.Logger
}

// Store creates, verifies and restores checkpoints.
type Store struct {
	db        *store.DB
	root      string
	fullEvery int
	workers   int
	logger    *slog.Logger

	// gc holds the write lock; everything else that touches the shared pool
	// holds the read lock.
	gc sync.RWMutex
}

// NewStore opens the blob directories under opts.Root.
func NewStore(db *store.DB, opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("checkpoint root is required")
	}
	for _, dir := range []string{filepath.Join(opts.Root, "objects"), filepath.Join(opts.Root, "staging")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	workers := opts.HashWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Store{
		db:        db,
		root:      opts.Root,
		fullEvery: opts.FullEvery,
		workers:   workers,
		logger:    logging.OrNop(opts.Logger),
	}, nil
}

// Create records the current state of mountPoint as a child of parentID.
// An empty parentID creates the root checkpoint of the transaction.
func (s *Store) Create(ctx context.Context, txnID string, img image.Image, mountPoint, parentID, label string) (*Checkpoint, error) {
	s.gc.RLock()
	defer s.gc.RUnlock()

	cur, err := scan(ctx, mountPoint, s.workers)
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		ID:        ulid.Make().String(),
		ParentID:  parentID,
		TxnID:     txnID,
		ImageID:   img.ID(),
		Seq:       1,
		Kind:      KindFull,
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}

	if parentID == "" {
		cp.Entries = cur.entries()
	} else {
		parent, err := s.header(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent.TxnID != txnID {
			return nil, fmt.Errorf("%w: %s", ErrForeignParent, parentID)
		}
		cp.Seq = parent.Seq + 1
		if s.fullEvery > 0 && (cp.Seq-1)%s.fullEvery == 0 {
			cp.Entries = cur.entries()
		} else {
			prev, err := s.materialize(ctx, parentID)
			if err != nil {
				return nil, err
			}
			cp.Kind = KindDiff
			cp.Entries = diff(prev, cur)
		}
	}

	objects, written, err := s.stageBlobs(ctx, txnID, mountPoint, cp.Entries)
	if err != nil {
		return nil, err
	}
	cp.StoredBytes = written
	cp.Digest = digest(cp)

	if err := s.db.InsertCheckpoint(ctx, toRecord(cp), toEntryRecords(cp.Entries), objects); err != nil {
		return nil, err
	}

	s.logger.Debug("checkpoint created",
		"checkpoint", cp.ID, "txn", txnID, "seq", cp.Seq, "kind", cp.Kind,
		"entries", len(cp.Entries), "stored_bytes", written)
	return cp, nil
}

// Get loads a checkpoint with its entries.
func (s *Store) Get(ctx context.Context, id string) (*Checkpoint, error) {
	cp, err := s.header(ctx, id)
	if err != nil {
		return nil, err
	}
	recs, err := s.db.ListEntries(ctx, id)
	if err != nil {
		return nil, err
	}
	cp.Entries = fromEntryRecords(recs)
	return cp, nil
}

// Chain returns the checkpoint headers of a transaction, root first.
func (s *Store) Chain(ctx context.Context, txnID string) ([]*Checkpoint, error) {
	recs, err := s.db.ListCheckpoints(ctx, txnID)
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, len(recs))
	for i, r := range recs {
		out[i] = fromRecord(r)
	}
	return out, nil
}

// Ancestors returns id followed by its parents up to the root.
func (s *Store) Ancestors(ctx context.Context, id string) ([]*Checkpoint, error) {
	var out []*Checkpoint
	for id != "" {
		cp, err := s.header(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
		id = cp.ParentID
	}
	return out, nil
}

func (s *Store) header(ctx context.Context, id string) (*Checkpoint, error) {
	rec, err := s.db.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fromRecord(rec), nil
}

// restorePath returns the checkpoints needed to rebuild id: the nearest full
// ancestor first, then every diff up to and including id.
func (s *Store) restorePath(ctx context.Context, id string) ([]*Checkpoint, error) {
	var path []*Checkpoint
	for {
		cp, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		path = append(path, cp)
		if cp.Kind == KindFull {
			break
		}
		if cp.ParentID == "" {
			return nil, &CorruptionError{CheckpointID: cp.ID, Reason: "diff checkpoint without parent"}
		}
		id = cp.ParentID
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// materialize rebuilds the tree state recorded by id.
func (s *Store) materialize(ctx context.Context, id string) (state, error) {
	path, err := s.restorePath(ctx, id)
	if err != nil {
		return nil, err
	}
	st := make(state)
	for _, cp := range path {
		apply(st, cp.Entries)
	}
	return st, nil
}

// manifestBody is the digest input. Field order is part of the format.
type manifestBody struct {
	ID        string  `json:"id"`
	ParentID  string  `json:"parent_id"`
	TxnID     string  `json:"txn_id"`
	ImageID   string  `json:"image_id"`
	Seq       int     `json:"seq"`
	Kind      Kind    `json:"kind"`
	Label     string  `json:"label"`
	CreatedAt int64   `json:"created_at"`
	Entries   []Entry `json:"entries"`
}

func digest(cp *Checkpoint) string {
	entries := cp.Entries
	if entries == nil {
		entries = []Entry{}
	}
	data, _ := json.Marshal(manifestBody{
		ID:        cp.ID,
		ParentID:  cp.ParentID,
		TxnID:     cp.TxnID,
		ImageID:   cp.ImageID,
		Seq:       cp.Seq,
		Kind:      cp.Kind,
		Label:     cp.Label,
		CreatedAt: cp.CreatedAt.UnixNano(),
		Entries:   entries,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func toRecord(cp *Checkpoint) *store.CheckpointRecord {
	return &store.CheckpointRecord{
		ID:        cp.ID,
		TxnID:     cp.TxnID,
		ParentID:  cp.ParentID,
		ImageID:   cp.ImageID,
		Seq:       cp.Seq,
		Kind:      string(cp.Kind),
		Label:     cp.Label,
		Digest:    cp.Digest,
		CreatedAt: cp.CreatedAt,
	}
}

func fromRecord(r *store.CheckpointRecord) *Checkpoint {
	return &Checkpoint{
		ID:        r.ID,
		ParentID:  r.ParentID,
		TxnID:     r.TxnID,
		ImageID:   r.ImageID,
		Seq:       r.Seq,
		Kind:      Kind(r.Kind),
		Label:     r.Label,
		Digest:    r.Digest,
		CreatedAt: r.CreatedAt,
	}
}

func toEntryRecords(entries []Entry) []store.EntryRecord {
	out := make([]store.EntryRecord, len(entries))
	for i, e := range entries {
		out[i] = store.EntryRecord{
			Path: e.Path,
			Kind: string(e.Kind),
			Op:   string(e.Op),
			Mode: uint32(e.Mode),
			Size: e.Size,
			Hash: e.Hash,
		}
	}
	return out
}

func fromEntryRecords(recs []store.EntryRecord) []Entry {
	out := make([]Entry, len(recs))
	for i, r := range recs {
		out[i] = Entry{
			Path: r.Path,
			Kind: EntryKind(r.Kind),
			Op:   Op(r.Op),
			Mode: fs.FileMode(r.Mode),
			Size: r.Size,
			Hash: r.Hash,
		}
	}
	return out
}
