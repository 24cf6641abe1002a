package checkpoint

import (
	"context"
	"os"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Verify checks that id can be restored faithfully: the manifest digest of
// every checkpoint on its restore path, and the content of every blob the
// restored tree needs. Returns *CorruptionError on any mismatch.
func (s *Store) Verify(ctx context.Context, id string) error {
	s.gc.RLock()
	defer s.gc.RUnlock()

	path, err := s.restorePath(ctx, id)
	if err != nil {
		return err
	}
	target := make(state)
	for _, cp := range path {
		if digest(cp) != cp.Digest {
			return &CorruptionError{CheckpointID: cp.ID, Reason: "manifest digest mismatch"}
		}
		apply(target, cp.Entries)
	}

	txnID := path[len(path)-1].TxnID
	blobs := make(map[string]string)
	for _, e := range target {
		if e.Hash != "" {
			blobs[e.Hash] = e.Path
		}
	}
	hashes := make([]string, 0, len(blobs))
	for h := range blobs {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, h := range hashes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			got, _, err := hashFile(s.blobPath(txnID, h))
			if os.IsNotExist(err) {
				return &CorruptionError{CheckpointID: id, Path: blobs[h], Reason: "blob missing"}
			}
			if err != nil {
				return err
			}
			if got != h {
				return &CorruptionError{CheckpointID: id, Path: blobs[h], Reason: "blob content does not match hash"}
			}
			return nil
		})
	}
	return g.Wait()
}
