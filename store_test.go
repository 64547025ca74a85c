package shipledger

import (
	"errors"
	"path/filepath"
	"testing"
)

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"file": func(t *testing.T) Store {
			st, err := OpenFileStore(t.TempDir())
			if err != nil {
				t.Fatal(err)
			}
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
			if err != nil {
				t.Fatalf("OpenSQLiteStore failed: %v", err)
			}
			return st
		},
	}
}

func appendChain(t *testing.T, st Store, n int) []Record {
	t.Helper()
	var recs []Record
	for i := 0; i < n; i++ {
		r := Link(recs, "1234567890", i+1, int64(1000+i))
		if err := st.Append(uint64(i+1), r); err != nil {
			t.Fatalf("Append %d: %v", i+1, err)
		}
		recs = append(recs, r)
	}
	return recs
}

func TestStoreBehaviour(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("empty", func(t *testing.T) {
				st := open(t)
				defer st.Close()

				ch, done, err := st.Iter(1)
				if err != nil {
					t.Fatal(err)
				}
				count := 0
				for range ch {
					count++
				}
				_ = done()
				if count != 0 {
					t.Errorf("Expected 0 records in empty store, got %d", count)
				}
				if _, ok, err := st.Tail(); err != nil || ok {
					t.Errorf("Tail on empty store: ok=%v err=%v", ok, err)
				}
			})

			t.Run("append and iterate", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				recs := appendChain(t, st, 10)

				got, err := readAll(st)
				if err != nil {
					t.Fatal(err)
				}
				if len(got) != len(recs) {
					t.Fatalf("got %d records, want %d", len(got), len(recs))
				}
				for i := range recs {
					if got[i] != recs[i] {
						t.Errorf("record %d = %+v, want %+v", i, got[i], recs[i])
					}
				}

				ch, done, err := st.Iter(5)
				if err != nil {
					t.Fatal(err)
				}
				count := 0
				for e := range ch {
					if e.Index < 5 {
						t.Errorf("Index %d should be >= 5", e.Index)
					}
					count++
				}
				_ = done()
				if count != 6 {
					t.Errorf("Expected 6 records from index 5, got %d", count)
				}

				tail, ok, err := st.Tail()
				if err != nil || !ok {
					t.Fatalf("Tail: ok=%v err=%v", ok, err)
				}
				if tail.Index != 10 || tail.Record != recs[9] {
					t.Errorf("Tail = %+v", tail)
				}
			})

			t.Run("non-contiguous", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				appendChain(t, st, 1)

				for _, idx := range []uint64{1, 3, 10} {
					err := st.Append(idx, Record{Article: "1234567890", Quantity: 1})
					if !errors.Is(err, ErrNonContiguous) {
						t.Errorf("Append(%d) = %v, want ErrNonContiguous", idx, err)
					}
				}
			})

			t.Run("early stop", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				appendChain(t, st, 200)

				ch, done, err := st.Iter(1)
				if err != nil {
					t.Fatal(err)
				}
				<-ch
				if err := done(); err != nil {
					t.Fatal(err)
				}
				_ = done()
			})

			t.Run("reset", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				appendChain(t, st, 3)
				if err := st.Reset(); err != nil {
					t.Fatal(err)
				}
				if _, ok, _ := st.Tail(); ok {
					t.Error("tail should be gone after reset")
				}
				recs := appendChain(t, st, 2)
				got, err := readAll(st)
				if err != nil || len(got) != 2 || got[1] != recs[1] {
					t.Errorf("after reset: %+v, %v", got, err)
				}
			})
		})
	}
}
