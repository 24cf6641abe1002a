package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestTxn(t *testing.T, db *DB, id, state string) *TxnRecord {
	t.Helper()
	txn := &TxnRecord{
		ID:         id,
		ImageID:    "/images/install.wim#1",
		ImagePath:  "/images/install.wim",
		Format:     "wim",
		ImageIndex: 1,
		State:      state,
	}
	require.NoError(t, db.CreateTxn(context.Background(), txn))
	return txn
}

func TestOpenWALMode(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "nested", "state.db"))
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.conn.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpenMigration(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"transactions", "checkpoints", "checkpoint_entries", "objects", "generations"} {
		var name string
		err := db.conn.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "table %s", table)
	}
}

func TestOpenAddsOwnerPIDToOldJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	old, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = old.Exec(`CREATE TABLE transactions (
		id TEXT PRIMARY KEY, image_id TEXT NOT NULL, image_path TEXT NOT NULL,
		format TEXT NOT NULL, image_index INTEGER NOT NULL, state TEXT NOT NULL,
		generation INTEGER NOT NULL DEFAULT 0, mount_point TEXT,
		action_count INTEGER NOT NULL DEFAULT 0, started_at INTEGER NOT NULL,
		ended_at INTEGER, failed_action INTEGER NOT NULL DEFAULT 0,
		failed_action_name TEXT, error TEXT)`)
	require.NoError(t, err)
	_, err = old.Exec(`INSERT INTO transactions (id, image_id, image_path, format, image_index, state, started_at)
		VALUES ('legacy', 'c:/images/install.wim#1', 'C:/images/install.wim', 'wim', 1, 'applying', 1)`)
	require.NoError(t, err)
	require.NoError(t, old.Close())

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	rec, err := db.GetTxn(context.Background(), "legacy")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 0, rec.OwnerPID)

	// Reopening must not try to add the column twice.
	require.NoError(t, db.migrate())
}

func TestTxnOwnerPID(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.CreateTxn(ctx, &TxnRecord{
		ID: "owned", ImageID: "c:/images/install.wim#1", ImagePath: "C:/images/install.wim",
		Format: "wim", ImageIndex: 1, State: "applying", OwnerPID: 4242,
	}))

	open, err := db.ListOpenTxns(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 4242, open[0].OwnerPID)
}

func TestTxnLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createTestTxn(t, db, "t1", "idle")

	require.NoError(t, db.UpdateTxnState(ctx, "t1", "mounting"))
	require.NoError(t, db.SetTxnMount(ctx, "t1", "/mnt/t1", 3, 5))
	require.NoError(t, db.FinishTxn(ctx, "t1", "rolled_back", TxnOutcome{
		FailedAction:     2,
		FailedActionName: "install-drivers",
		Error:            "exit status 1",
	}))

	got, err := db.GetTxn(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "rolled_back", got.State)
	assert.Equal(t, "/mnt/t1", got.MountPoint)
	assert.Equal(t, int64(3), got.Generation)
	assert.Equal(t, 5, got.ActionCount)
	assert.Equal(t, 2, got.FailedAction)
	assert.Equal(t, "install-drivers", got.FailedActionName)
	assert.Equal(t, "exit status 1", got.Error)
	require.NotNil(t, got.EndedAt)
}

func TestGetTxnMissing(t *testing.T) {
	db := openTestDB(t)
	got, err := db.GetTxn(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateTxnStateMissing(t *testing.T) {
	db := openTestDB(t)
	err := db.UpdateTxnState(context.Background(), "nope", "mounted")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTxnsByState(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createTestTxn(t, db, "a", "applying")
	createTestTxn(t, db, "b", "committed")
	createTestTxn(t, db, "c", "mounted")

	live, err := db.ListTxnsByState(ctx, "applying", "mounted")
	require.NoError(t, err)
	ids := []string{}
	for _, txn := range live {
		ids = append(ids, txn.ID)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, ids)

	none, err := db.ListTxnsByState(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListEndedTxnsBefore(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createTestTxn(t, db, "done", "committed")
	createTestTxn(t, db, "live", "applying")
	require.NoError(t, db.FinishTxn(ctx, "done", "committed", TxnOutcome{}))

	old, err := db.ListEndedTxnsBefore(ctx, time.Now().Add(time.Hour), "committed", "rolled_back")
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "done", old[0].ID)

	old, err = db.ListEndedTxnsBefore(ctx, time.Now().Add(-time.Hour), "committed")
	require.NoError(t, err)
	assert.Empty(t, old)
}

func TestCheckpointInsertAndList(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createTestTxn(t, db, "t1", "applying")

	now := time.Now()
	root := &CheckpointRecord{ID: "c1", TxnID: "t1", ImageID: "img", Seq: 1, Kind: "full", Label: "baseline", Digest: "d1", CreatedAt: now}
	require.NoError(t, db.InsertCheckpoint(ctx, root,
		[]EntryRecord{
			{Path: "Windows", Kind: "dir", Op: "add", Mode: 0o755},
			{Path: "Windows/win.ini", Kind: "file", Op: "add", Mode: 0o644, Size: 4, Hash: "h1"},
		},
		[]ObjectRecord{{Hash: "h1", Owner: "t1", Size: 4}},
	))

	diff := &CheckpointRecord{ID: "c2", TxnID: "t1", ParentID: "c1", ImageID: "img", Seq: 2, Kind: "diff", Digest: "d2", CreatedAt: now}
	require.NoError(t, db.InsertCheckpoint(ctx, diff,
		[]EntryRecord{{Path: "Windows/win.ini", Kind: "file", Op: "delete"}}, nil))

	cps, err := db.ListCheckpoints(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, "", cps[0].ParentID)
	assert.Equal(t, "baseline", cps[0].Label)
	assert.Equal(t, "c1", cps[1].ParentID)

	entries, err := db.ListEntries(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Windows", entries[0].Path)
	assert.Equal(t, "h1", entries[1].Hash)

	got, err := db.GetCheckpoint(ctx, "c2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "diff", got.Kind)

	staged, err := db.ListObjectsByOwner(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, staged, 1)
}

func TestCheckpointDuplicateSeqRollsBack(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createTestTxn(t, db, "t1", "applying")

	cp := &CheckpointRecord{ID: "c1", TxnID: "t1", ImageID: "img", Seq: 1, Kind: "full", Digest: "d", CreatedAt: time.Now()}
	require.NoError(t, db.InsertCheckpoint(ctx, cp, nil, nil))

	dup := &CheckpointRecord{ID: "c2", TxnID: "t1", ImageID: "img", Seq: 1, Kind: "full", Digest: "d", CreatedAt: time.Now()}
	err := db.InsertCheckpoint(ctx, dup, []EntryRecord{{Path: "x", Kind: "file", Op: "add", Hash: "h"}}, nil)
	require.Error(t, err)

	entries, err := db.ListEntries(ctx, "c2")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeleteTxnCascades(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createTestTxn(t, db, "t1", "committed")
	cp := &CheckpointRecord{ID: "c1", TxnID: "t1", ImageID: "img", Seq: 1, Kind: "full", Digest: "d", CreatedAt: time.Now()}
	require.NoError(t, db.InsertCheckpoint(ctx, cp, []EntryRecord{{Path: "a", Kind: "file", Op: "add", Hash: "h"}}, nil))

	require.NoError(t, db.DeleteTxn(ctx, "t1"))

	got, err := db.GetCheckpoint(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)
	entries, err := db.ListEntries(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestObjectPromotionAndGC(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createTestTxn(t, db, "t1", "applying")

	cp := &CheckpointRecord{ID: "c1", TxnID: "t1", ImageID: "img", Seq: 1, Kind: "full", Digest: "d", CreatedAt: time.Now()}
	require.NoError(t, db.InsertCheckpoint(ctx, cp,
		[]EntryRecord{{Path: "a", Kind: "file", Op: "add", Hash: "h1", Size: 1}},
		[]ObjectRecord{{Hash: "h1", Owner: "t1", Size: 1}, {Hash: "h2", Owner: "t1", Size: 2}},
	))

	require.NoError(t, db.PromoteObject(ctx, "h1", "t1", 1))
	require.NoError(t, db.PromoteObject(ctx, "h2", "t1", 2))

	shared, err := db.HasObject(ctx, "h1", "")
	require.NoError(t, err)
	assert.True(t, shared)
	staged, err := db.ListObjectsByOwner(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, staged)

	orphans, err := db.UnreferencedSharedObjects(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "h2", orphans[0].Hash)

	require.NoError(t, db.DeleteObject(ctx, "h2", ""))
	orphans, err = db.UnreferencedSharedObjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestGenerations(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	gen, err := db.CurrentGeneration(ctx, "img")
	require.NoError(t, err)
	assert.Equal(t, int64(0), gen)

	for want := int64(1); want <= 3; want++ {
		gen, err := db.NextGeneration(ctx, "img")
		require.NoError(t, err)
		assert.Equal(t, want, gen)
	}

	gen, err = db.CurrentGeneration(ctx, "img")
	require.NoError(t, err)
	assert.Equal(t, int64(3), gen)
}

func TestDeleteCheckpoints(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createTestTxn(t, db, "t1", "committed")
	for i, id := range []string{"c1", "c2"} {
		cp := &CheckpointRecord{ID: id, TxnID: "t1", ImageID: "img", Seq: i + 1, Kind: "full", Digest: "d", CreatedAt: time.Now()}
		require.NoError(t, db.InsertCheckpoint(ctx, cp, nil, nil))
	}

	n, err := db.DeleteCheckpoints(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cps, err := db.ListCheckpoints(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, cps)

	txn, err := db.GetTxn(ctx, "t1")
	require.NoError(t, err)
	assert.NotNil(t, txn)
}

func TestListOpenTxns(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createTestTxn(t, db, "open", "applying")
	createTestTxn(t, db, "closed", "applying")
	require.NoError(t, db.FinishTxn(ctx, "closed", "failed", TxnOutcome{Error: "boom"}))

	open, err := db.ListOpenTxns(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "open", open[0].ID)
}
