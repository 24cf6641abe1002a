package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/RevCBH/winforge/internal/store"
)

// sharedPath is the location of a sealed blob.
func (s *Store) sharedPath(hash string) string {
	return filepath.Join(s.root, "objects", hash[:2], hash)
}

// stagedPath is the location of a blob still private to txnID.
func (s *Store) stagedPath(txnID, hash string) string {
	return filepath.Join(s.stagingDir(txnID), hash[:2], hash)
}

func (s *Store) stagingDir(txnID string) string {
	return filepath.Join(s.root, "staging", txnID)
}

// blobPath resolves a blob as seen by txnID: its own staged copy first,
// then the shared pool.
func (s *Store) blobPath(txnID, hash string) string {
	staged := s.stagedPath(txnID, hash)
	if _, err := os.Stat(staged); err == nil {
		return staged
	}
	return s.sharedPath(hash)
}

// stageBlobs copies the content of every added or modified file and link
// that neither the shared pool nor txnID's staging area holds yet.
func (s *Store) stageBlobs(ctx context.Context, txnID, mountPoint string, entries []Entry) ([]store.ObjectRecord, int64, error) {
	var (
		objects []store.ObjectRecord
		written int64
		seen    = make(map[string]bool)
	)
	for _, e := range entries {
		if e.Op == OpDelete || e.Hash == "" || seen[e.Hash] {
			continue
		}
		seen[e.Hash] = true
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		shared, err := s.db.HasObject(ctx, e.Hash, "")
		if err != nil {
			return nil, 0, err
		}
		if shared {
			continue
		}
		if _, err := os.Stat(s.stagedPath(txnID, e.Hash)); err == nil {
			continue
		}

		src, err := joinUnder(mountPoint, e.Path)
		if err != nil {
			return nil, 0, err
		}
		var n int64
		if e.Kind == EntrySymlink {
			target, err := os.Readlink(src)
			if err != nil {
				return nil, 0, fmt.Errorf("read link %s: %w", e.Path, err)
			}
			n, err = s.writeBlob(txnID, e.Hash, strings.NewReader(target))
			if err != nil {
				return nil, 0, fmt.Errorf("store %s: %w", e.Path, err)
			}
		} else {
			f, err := os.Open(src)
			if err != nil {
				return nil, 0, fmt.Errorf("open %s: %w", e.Path, err)
			}
			n, err = s.writeBlob(txnID, e.Hash, f)
			f.Close()
			if err != nil {
				return nil, 0, fmt.Errorf("store %s: %w", e.Path, err)
			}
		}
		written += n
		objects = append(objects, store.ObjectRecord{Hash: e.Hash, Owner: txnID, Size: n})
	}
	return objects, written, nil
}

// writeBlob streams r into txnID's staging area, checking that the content
// still hashes to hash.
func (s *Store) writeBlob(txnID, hash string, r io.Reader) (int64, error) {
	dst := s.stagedPath(txnID, hash)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".blob-*")
	if err != nil {
		return 0, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != hash {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("content changed while checkpointing (want %s, got %s)", hash, got)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

// Seal promotes txnID's staged blobs into the shared pool, where other
// transactions may deduplicate against them.
func (s *Store) Seal(ctx context.Context, txnID string) error {
	s.gc.RLock()
	defer s.gc.RUnlock()

	staged, err := s.db.ListObjectsByOwner(ctx, txnID)
	if err != nil {
		return err
	}
	for _, o := range staged {
		src := s.stagedPath(txnID, o.Hash)
		dst := s.sharedPath(o.Hash)
		if got, _, err := hashFile(src); err != nil || got != o.Hash {
			// Never share a blob that no longer matches its name.
			s.logger.Warn("dropping damaged staged blob", "txn", txnID, "hash", o.Hash, "err", err)
			os.Remove(src)
			if err := s.db.DeleteObject(ctx, o.Hash, txnID); err != nil {
				return err
			}
			continue
		}
		if _, err := os.Stat(dst); err != nil {
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			if err := os.Rename(src, dst); err != nil {
				return fmt.Errorf("promote %s: %w", o.Hash, err)
			}
		}
		if err := s.db.PromoteObject(ctx, o.Hash, txnID, o.Size); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(s.stagingDir(txnID)); err != nil {
		return err
	}
	s.logger.Debug("checkpoint namespace sealed", "txn", txnID, "objects", len(staged))
	return nil
}

// Discard drops txnID's checkpoints and its private staging area.
func (s *Store) Discard(ctx context.Context, txnID string) error {
	s.gc.RLock()
	defer s.gc.RUnlock()
	return s.discardLocked(ctx, txnID)
}

func (s *Store) discardLocked(ctx context.Context, txnID string) error {
	if _, err := s.db.DeleteCheckpoints(ctx, txnID); err != nil {
		return err
	}
	staged, err := s.db.ListObjectsByOwner(ctx, txnID)
	if err != nil {
		return err
	}
	for _, o := range staged {
		if err := s.db.DeleteObject(ctx, o.Hash, txnID); err != nil {
			return err
		}
	}
	return os.RemoveAll(s.stagingDir(txnID))
}

// joinUnder resolves the slash path rel inside root. Symlinks in the parent
// directories are resolved within root; the final element is left alone so
// links themselves can be read, replaced or removed.
func joinUnder(root, rel string) (string, error) {
	rel = filepath.FromSlash(rel)
	dir, err := securejoin.SecureJoin(root, filepath.Dir(rel))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(rel)), nil
}
