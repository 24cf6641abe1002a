package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// CleanupReport summarizes what Cleanup removed.
type CleanupReport struct {
	Transactions int
	Checkpoints  int
	Objects      int
	Bytes        int64
}

// Cleanup drops the checkpoints of transactions that ended more than
// olderThan ago and garbage-collects blobs nothing references any more.
// Transactions that have not ended are never touched.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	s.gc.Lock()
	defer s.gc.Unlock()

	var report CleanupReport
	cutoff := time.Now().Add(-olderThan)

	ended, err := s.db.ListEndedTxnsBefore(ctx, cutoff)
	if err != nil {
		return report, err
	}
	expired := make(map[string]bool, len(ended))
	for _, txn := range ended {
		expired[txn.ID] = true
		n, err := s.db.DeleteCheckpoints(ctx, txn.ID)
		if err != nil {
			return report, err
		}
		if err := s.discardLocked(ctx, txn.ID); err != nil {
			return report, err
		}
		if n > 0 {
			report.Transactions++
			report.Checkpoints += n
		}
	}

	// Staging directories left behind by transactions the journal no longer knows.
	dirs, err := os.ReadDir(filepath.Join(s.root, "staging"))
	if err != nil && !os.IsNotExist(err) {
		return report, err
	}
	for _, d := range dirs {
		if !d.IsDir() || expired[d.Name()] {
			continue
		}
		txn, err := s.db.GetTxn(ctx, d.Name())
		if err != nil {
			return report, err
		}
		if txn == nil {
			if err := s.discardLocked(ctx, d.Name()); err != nil {
				return report, err
			}
		}
	}

	orphans, err := s.db.UnreferencedSharedObjects(ctx)
	if err != nil {
		return report, err
	}
	for _, o := range orphans {
		if err := os.Remove(s.sharedPath(o.Hash)); err != nil && !os.IsNotExist(err) {
			return report, err
		}
		if err := s.db.DeleteObject(ctx, o.Hash, ""); err != nil {
			return report, err
		}
		report.Objects++
		report.Bytes += o.Size
	}

	s.logger.Info("checkpoint cleanup finished",
		"transactions", report.Transactions, "checkpoints", report.Checkpoints,
		"objects", report.Objects, "bytes", report.Bytes)
	return report, nil
}
