package logwarden

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func makeRecords(log Log, msgs ...string) []Record {
	recs := make([]Record, len(msgs))
	for i, msg := range msgs {
		recs[i] = Record{Log: log, Timestamp: time.Now(), Message: msg}
	}
	return recs
}

func TestSQLiteStore_AppendAndRead(t *testing.T) {
	st := openTestStore(t)
	log := Log{Name: "auth"}

	if err := st.AppendRecords(log, 0, makeRecords(log, "a", "b", "c")); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendRecords(log, 3, makeRecords(log, "d")); err != nil {
		t.Fatal(err)
	}

	recs, err := st.Records(log, 1, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[0].Message != "b" || recs[2].Message != "d" {
		t.Errorf("unexpected records: %v", recs)
	}
}

func TestSQLiteStore_RejectsGappedAppend(t *testing.T) {
	st := openTestStore(t)
	log := Log{Name: "auth"}
	if err := st.AppendRecords(log, 0, makeRecords(log, "a", "b")); err != nil {
		t.Fatal(err)
	}
	// Appending at 5 would leave indices 2-4 missing.
	if err := st.AppendRecords(log, 5, makeRecords(log, "f")); err == nil {
		t.Error("expected error for non-contiguous append")
	}
}

func TestSQLiteStore_OverlappingAppendIdempotent(t *testing.T) {
	st := openTestStore(t)
	log := Log{Name: "auth"}
	if err := st.AppendRecords(log, 0, makeRecords(log, "a", "b", "c")); err != nil {
		t.Fatal(err)
	}
	// Re-delivery of [1, 4) keeps the stored prefix and extends the tail.
	if err := st.AppendRecords(log, 1, makeRecords(log, "b", "c", "d")); err != nil {
		t.Fatal(err)
	}
	recs, err := st.Records(log, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 4 || recs[3].Message != "d" {
		t.Errorf("unexpected records after overlap: %v", recs)
	}
}

func TestSQLiteStore_PositionsPersist(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "state.db")

	st, err := OpenSQLiteStore(dsn)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SavePosition(Log{Name: "auth"}, 17); err != nil {
		t.Fatal(err)
	}
	if err := st.SavePosition(Log{Name: "auth"}, 42); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen and check the upserted position survived.
	st, err = OpenSQLiteStore(dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	positions, err := st.Positions()
	if err != nil {
		t.Fatal(err)
	}
	if positions["auth"] != 42 {
		t.Errorf("expected persisted position 42, got %d", positions["auth"])
	}
}

func TestPersistentCursor_ResumesFromStore(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "state.db")

	st, err := OpenSQLiteStore(dsn)
	if err != nil {
		t.Fatal(err)
	}
	cursor, err := NewPersistentCursor(st)
	if err != nil {
		t.Fatal(err)
	}
	log := Log{Name: "auth"}
	if err := cursor.Advance(log, 9); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = OpenSQLiteStore(dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	cursor, err = NewPersistentCursor(st)
	if err != nil {
		t.Fatal(err)
	}
	if pos := cursor.Position(log); pos != 9 {
		t.Errorf("expected resumed position 9, got %d", pos)
	}
	// Regression rules still apply across restarts.
	if err := cursor.Advance(log, 4); !errors.Is(err, ErrRegressionDetected) {
		t.Errorf("expected ErrRegressionDetected, got %v", err)
	}
}
