package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
)

// state maps slash paths relative to the tree root to their entries. Op is
// unused inside a state.
type state map[string]Entry

// scan records every path under root, hashing files and link targets with up
// to workers goroutines.
func scan(ctx context.Context, root string, workers int) (state, error) {
	st := make(state)
	var toHash []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			st[rel] = Entry{Path: rel, Kind: EntrySymlink, Size: int64(len(target)), Hash: hashBytes([]byte(target))}
		case d.IsDir():
			st[rel] = Entry{Path: rel, Kind: EntryDir, Mode: info.Mode().Perm()}
		case info.Mode().IsRegular():
			st[rel] = Entry{Path: rel, Kind: EntryFile, Mode: info.Mode().Perm(), Size: info.Size()}
			toHash = append(toHash, rel)
		default:
			return fmt.Errorf("unsupported file type at %s", rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	hashes := make([]string, len(toHash))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, rel := range toHash {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			h, _, err := hashFile(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return fmt.Errorf("hash %s: %w", rel, err)
			}
			hashes[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, rel := range toHash {
		e := st[rel]
		e.Hash = hashes[i]
		st[rel] = e
	}
	return st, nil
}

// sortedPaths returns the keys of st in lexical order, so parents come
// before their children.
func (st state) sortedPaths() []string {
	paths := make([]string, 0, len(st))
	for p := range st {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// entries returns st as a sorted list of add entries.
func (st state) entries() []Entry {
	out := make([]Entry, 0, len(st))
	for _, p := range st.sortedPaths() {
		e := st[p]
		e.Op = OpAdd
		out = append(out, e)
	}
	return out
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
