package state

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "acct-INBOX.db"), "acct", "INBOX")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put(42, "1690000000.Q1P100.host", "S", false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	e, err := s.Get(42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e == nil {
		t.Fatalf("Get returned nil entry")
	}
	if e.UID != 42 || e.Msgkey != "1690000000.Q1P100.host" || e.Flags != "S" || e.IsSyncpoint {
		t.Fatalf("Get = %+v, unexpected", e)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)

	e, err := s.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e != nil {
		t.Fatalf("Get = %+v, want nil", e)
	}
}

func TestPutUpsertsOnDuplicateUID(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put(1, "key-a", "", false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(1, "key-a", "S", false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	all, err := s.GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("GetAll returned %d rows, want 1", len(all))
	}
	if all[0].Flags != "S" {
		t.Fatalf("Flags = %q, want S", all[0].Flags)
	}
}

func TestRemoveIsNoopWhenAbsent(t *testing.T) {
	s := newTestStore(t)

	if err := s.Remove(999); err != nil {
		t.Fatalf("Remove on absent uid: %v", err)
	}
}

func TestRemoveMany(t *testing.T) {
	s := newTestStore(t)

	for _, uid := range []int64{1, 2, 3} {
		if err := s.Put(uid, "key", "", false); err != nil {
			t.Fatalf("Put %d: %v", uid, err)
		}
	}

	if err := s.RemoveMany([]int64{1, 3}); err != nil {
		t.Fatalf("RemoveMany: %v", err)
	}

	all, err := s.GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 || all[0].UID != 2 {
		t.Fatalf("GetAll after RemoveMany = %+v, want only uid 2", all)
	}
}

func TestMaxMinUIDEmpty(t *testing.T) {
	s := newTestStore(t)

	max, err := s.MaxUID()
	if err != nil {
		t.Fatalf("MaxUID: %v", err)
	}
	if max != 0 {
		t.Fatalf("MaxUID on empty store = %d, want 0", max)
	}

	min, err := s.MinUID()
	if err != nil {
		t.Fatalf("MinUID: %v", err)
	}
	if min != 0 {
		t.Fatalf("MinUID on empty store = %d, want 0", min)
	}
}

func TestMaxMinUID(t *testing.T) {
	s := newTestStore(t)

	for _, uid := range []int64{5, 1, 9, 3} {
		if err := s.Put(uid, "key", "", false); err != nil {
			t.Fatalf("Put %d: %v", uid, err)
		}
	}

	max, err := s.MaxUID()
	if err != nil {
		t.Fatalf("MaxUID: %v", err)
	}
	if max != 9 {
		t.Fatalf("MaxUID = %d, want 9", max)
	}

	min, err := s.MinUID()
	if err != nil {
		t.Fatalf("MinUID: %v", err)
	}
	if min != 1 {
		t.Fatalf("MinUID = %d, want 1", min)
	}
}

func TestSyncpointFlag(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put(-1, "", "", true); err != nil {
		t.Fatalf("Put: %v", err)
	}

	e, err := s.Get(-1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e == nil || !e.IsSyncpoint {
		t.Fatalf("Get = %+v, want IsSyncpoint true", e)
	}
}

func TestFactoryCachesStores(t *testing.T) {
	f := NewFactory(t.TempDir())
	t.Cleanup(func() { f.Close() })

	s1, err := f.Open("acct-INBOX.db", "acct", "INBOX")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s2, err := f.Open("acct-INBOX.db", "acct", "INBOX")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s1 != s2 {
		t.Fatalf("Factory.Open returned distinct handles for the same file")
	}
}
