package shipledger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreReopen(t *testing.T) {
	dir, err := os.MkdirTemp("", "shipledger-reopen-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	st, err := OpenFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	recs := appendChain(t, st, 4)
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = OpenFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	tail, ok, err := st.Tail()
	if err != nil || !ok || tail.Index != 4 || tail.StoredHash != recs[3].StoredHash {
		t.Fatalf("Tail after reopen = %+v ok=%v err=%v", tail, ok, err)
	}
	if err := st.Append(5, Link(recs, "1234567890", 9, 9000)); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
}

// appendTornFragment simulates a crash in the middle of a journal write.
func appendTornFragment(t *testing.T, dir string) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(dir, journalFileName), os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0, 0, 0, 0, 0, 0, 0, 3, 1, 2}); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()
}

func TestFileStoreTornEntryIsReported(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	appendChain(t, st, 2)
	appendTornFragment(t, dir)

	if _, err := readAll(st); !errors.Is(err, ErrCorruptJournal) {
		t.Fatalf("readAll = %v, want ErrCorruptJournal", err)
	}
}

func TestFileStoreRecoversTornEntry(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	appendChain(t, st, 2)
	_ = st.Close()
	appendTornFragment(t, dir)

	st, err = OpenFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s, err := NewSession(WithStore(st))
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 2 {
		t.Fatalf("resumed %d records, want 2", s.Len())
	}
	if _, err := s.Append("0987654321", 7, 3000); err != nil {
		t.Fatalf("Append after recovery: %v", err)
	}
	_ = st.Close()

	st, err = OpenFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	s, err = NewSession(WithStore(st))
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 3 {
		t.Fatalf("resumed %d records, want 3", s.Len())
	}
	l := &ValidatedLedger{Records: ValidateChain(s.Records())}
	if !l.Valid() {
		t.Errorf("chain broken at %d after recovery", l.FirstBreak())
	}
}

func TestFileStoreRefreshesStaleTail(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	recs := appendChain(t, st, 2)
	_ = st.Close()

	// Crash between the journal write and the tail update.
	first, err := encodeEntry(Entry{Index: 1, Record: recs[0]})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, tailFileName), first, 0600); err != nil {
		t.Fatal(err)
	}

	st, err = OpenFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	tail, ok, err := st.Tail()
	if err != nil || !ok || tail.Index != 2 || tail.Record != recs[1] {
		t.Fatalf("Tail = %+v ok=%v err=%v", tail, ok, err)
	}
	if err := st.Append(3, Link(recs, "1234567890", 3, 3000)); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestFileStoreTailAheadOfJournal(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	recs := appendChain(t, st, 2)
	_ = st.Close()

	first, err := encodeEntry(Entry{Index: 1, Record: recs[0]})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(filepath.Join(dir, journalFileName), int64(len(first))); err != nil {
		t.Fatal(err)
	}

	if _, err := OpenFileStore(dir); !errors.Is(err, ErrCorruptJournal) {
		t.Fatalf("OpenFileStore = %v, want ErrCorruptJournal", err)
	}
}

func TestEncodeEntryRejectsLongFields(t *testing.T) {
	long := make([]byte, maxFieldLen+1)
	if _, err := encodeEntry(Entry{Index: 1, Record: Record{Article: string(long)}}); err == nil {
		t.Error("expected error for oversized article")
	}
}
