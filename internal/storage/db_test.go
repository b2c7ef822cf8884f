package storage

import (
	"errors"
	"fmt"
	"testing"
)

// backends returns every DB implementation under test.
func backends(t *testing.T) map[string]DB {
	t.Helper()
	badgerDB, err := NewBadger(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	t.Cleanup(func() { badgerDB.Close() })
	return map[string]DB{
		"memory": NewMemory(),
		"badger": badgerDB,
	}
}

func TestDB_PutGetDelete(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := []byte("k1")
			if err := db.Put(key, []byte("v1")); err != nil {
				t.Fatalf("Put: %v", err)
			}

			got, err := db.Get(key)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != "v1" {
				t.Errorf("Get = %q, want v1", got)
			}

			ok, err := db.Has(key)
			if err != nil || !ok {
				t.Errorf("Has = %v, %v; want true, nil", ok, err)
			}

			if err := db.Delete(key); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := db.Get(key); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestDB_ForEachOrdered(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 9; i >= 0; i-- {
				key := fmt.Sprintf("q/%02d", i)
				if err := db.Put([]byte(key), []byte{byte(i)}); err != nil {
					t.Fatalf("Put: %v", err)
				}
			}
			db.Put([]byte("other/x"), []byte("skip"))

			var seen []string
			err := db.ForEach([]byte("q/"), func(key, value []byte) error {
				seen = append(seen, string(key))
				return nil
			})
			if err != nil {
				t.Fatalf("ForEach: %v", err)
			}
			if len(seen) != 10 {
				t.Fatalf("ForEach visited %d keys, want 10", len(seen))
			}
			for i := 1; i < len(seen); i++ {
				if seen[i-1] >= seen[i] {
					t.Fatalf("keys not ascending: %q before %q", seen[i-1], seen[i])
				}
			}
		})
	}
}

func TestDB_ForEachEarlyStop(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				db.Put([]byte(fmt.Sprintf("p/%d", i)), []byte("v"))
			}
			stop := errors.New("stop")
			count := 0
			err := db.ForEach([]byte("p/"), func(key, value []byte) error {
				count++
				if count == 2 {
					return stop
				}
				return nil
			})
			if !errors.Is(err, stop) {
				t.Errorf("ForEach error = %v, want stop sentinel", err)
			}
			if count != 2 {
				t.Errorf("visited %d keys, want 2", count)
			}
		})
	}
}

func TestBatch_Atomic(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			batcher, ok := db.(Batcher)
			if !ok {
				t.Fatalf("%s does not implement Batcher", name)
			}

			db.Put([]byte("old"), []byte("x"))

			batch := batcher.NewBatch()
			batch.Put([]byte("a"), []byte("1"))
			batch.Put([]byte("b"), []byte("2"))
			batch.Delete([]byte("old"))

			// Nothing visible before commit.
			if ok, _ := db.Has([]byte("a")); ok {
				t.Error("batch write visible before commit")
			}

			if err := batch.Commit(); err != nil {
				t.Fatalf("Commit: %v", err)
			}

			if ok, _ := db.Has([]byte("a")); !ok {
				t.Error("batch write missing after commit")
			}
			if ok, _ := db.Has([]byte("old")); ok {
				t.Error("batch delete not applied")
			}
		})
	}
}

func TestPrefixDB_Isolation(t *testing.T) {
	inner := NewMemory()
	a := NewPrefixDB(inner, []byte("a/"))
	b := NewPrefixDB(inner, []byte("b/"))

	a.Put([]byte("k"), []byte("va"))
	b.Put([]byte("k"), []byte("vb"))

	got, err := a.Get([]byte("k"))
	if err != nil || string(got) != "va" {
		t.Errorf("a.Get = %q, %v; want va", got, err)
	}
	got, err = b.Get([]byte("k"))
	if err != nil || string(got) != "vb" {
		t.Errorf("b.Get = %q, %v; want vb", got, err)
	}

	// ForEach sees only the logical keyspace, prefix stripped.
	var keys []string
	a.ForEach(nil, func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if len(keys) != 1 || keys[0] != "k" {
		t.Errorf("a.ForEach keys = %v, want [k]", keys)
	}

	if err := a.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if ok, _ := a.Has([]byte("k")); ok {
		t.Error("a still has key after DeleteAll")
	}
	if ok, _ := b.Has([]byte("k")); !ok {
		t.Error("DeleteAll leaked into other namespace")
	}
}

func TestPrefixDB_BatchAtomic(t *testing.T) {
	inner := NewMemory()
	p := NewPrefixDB(inner, []byte("ns/"))

	batch := p.NewBatch()
	batch.Put([]byte("x"), []byte("1"))
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := inner.Get([]byte("ns/x"))
	if err != nil || string(got) != "1" {
		t.Errorf("inner.Get(ns/x) = %q, %v; want 1", got, err)
	}
}
