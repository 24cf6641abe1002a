package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Restore reconciles mountPoint to the state recorded by id. Paths absent
// from that state are removed, differing files rewritten from blobs, and
// directories and links recreated with their recorded modes.
func (s *Store) Restore(ctx context.Context, id, mountPoint string) error {
	s.gc.RLock()
	defer s.gc.RUnlock()

	path, err := s.restorePath(ctx, id)
	if err != nil {
		return err
	}
	target := make(state)
	for _, cp := range path {
		apply(target, cp.Entries)
	}
	txnID := path[len(path)-1].TxnID

	cur, err := scan(ctx, mountPoint, s.workers)
	if err != nil {
		return err
	}

	// Remove extra paths and paths whose kind changed, deepest first.
	var stale []string
	for p, e := range cur {
		if t, ok := target[p]; !ok || t.Kind != e.Kind {
			stale = append(stale, p)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(stale)))
	for _, p := range stale {
		full, err := joinUnder(mountPoint, p)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(full); err != nil {
			return fmt.Errorf("remove %s: %w", p, err)
		}
		delete(cur, p)
	}

	var dirs []string
	for _, p := range target.sortedPaths() {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := target[p]
		full, err := joinUnder(mountPoint, p)
		if err != nil {
			return err
		}
		c, exists := cur[p]

		switch t.Kind {
		case EntryDir:
			if err := os.MkdirAll(full, 0o755); err != nil {
				return err
			}
			dirs = append(dirs, p)
		case EntrySymlink:
			if exists && c.Hash == t.Hash {
				continue
			}
			link, err := s.readBlob(txnID, id, t)
			if err != nil {
				return err
			}
			os.Remove(full)
			if err := os.Symlink(string(link), full); err != nil {
				return fmt.Errorf("link %s: %w", p, err)
			}
		case EntryFile:
			if exists && c.Hash == t.Hash {
				if c.Mode != t.Mode {
					if err := os.Chmod(full, t.Mode); err != nil {
						return err
					}
				}
				continue
			}
			if err := s.restoreFile(txnID, id, t, full); err != nil {
				return err
			}
		}
	}

	// Directory modes last, so read-only directories do not block their children.
	for i := len(dirs) - 1; i >= 0; i-- {
		full, err := joinUnder(mountPoint, dirs[i])
		if err != nil {
			return err
		}
		if err := os.Chmod(full, target[dirs[i]].Mode); err != nil {
			return err
		}
	}

	s.logger.Debug("checkpoint restored", "checkpoint", id, "mount_point", mountPoint, "paths", len(target))
	return nil
}

// restoreFile writes the blob of e to full through a temp file and rename.
func (s *Store) restoreFile(txnID, cpID string, e Entry, full string) error {
	src, err := os.Open(s.blobPath(txnID, e.Hash))
	if err != nil {
		return &CorruptionError{CheckpointID: cpID, Path: e.Path, Reason: "blob missing"}
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(full), ".restore-*")
	if err != nil {
		return err
	}
	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(tmp, h), src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if hex.EncodeToString(h.Sum(nil)) != e.Hash {
		os.Remove(tmp.Name())
		return &CorruptionError{CheckpointID: cpID, Path: e.Path, Reason: "blob content does not match hash"}
	}
	if err := os.Chmod(tmp.Name(), e.Mode); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("restore %s: %w", e.Path, err)
	}
	return nil
}

func (s *Store) readBlob(txnID, cpID string, e Entry) ([]byte, error) {
	data, err := os.ReadFile(s.blobPath(txnID, e.Hash))
	if err != nil {
		return nil, &CorruptionError{CheckpointID: cpID, Path: e.Path, Reason: "blob missing"}
	}
	if hashBytes(data) != e.Hash {
		return nil, &CorruptionError{CheckpointID: cpID, Path: e.Path, Reason: "blob content does not match hash"}
	}
	return data, nil
}
