package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// newTestStorage opens a store in a temporary directory.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "db"), Options{SyncInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

func TestSetAndGet(t *testing.T) {
	s := newTestStorage(t)

	key := []byte("r:1")
	value := []byte("round")

	if err := s.Set(key, value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, value) {
		t.Errorf("Get returned %q, want %q", got, value)
	}

	ok, err := s.Has(key)
	if err != nil || !ok {
		t.Errorf("Has = %v, %v, want true", ok, err)
	}
}

func TestGetNonExistent(t *testing.T) {
	s := newTestStorage(t)

	got, err := s.Get([]byte("missing"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get returned %q, want nil", got)
	}

	if ok, _ := s.Has([]byte("missing")); ok {
		t.Error("Has returned true for missing key")
	}
}

func TestDelete(t *testing.T) {
	s := newTestStorage(t)

	key := []byte("to-delete")
	if err := s.Set(key, []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if got, _ := s.Get(key); got != nil {
		t.Errorf("Get after Delete returned %q, want nil", got)
	}
}

func TestSetBatchWithDeletes(t *testing.T) {
	s := newTestStorage(t)

	if err := s.Set([]byte("old"), []byte("x")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	pairs := []KeyValue{
		{Key: []byte("batch-1"), Value: []byte("value-1")},
		{Key: []byte("batch-2"), Value: []byte("value-2")},
		{Key: []byte("old"), Value: nil},
	}

	if err := s.SetBatch(pairs); err != nil {
		t.Fatalf("SetBatch failed: %v", err)
	}

	for _, kv := range pairs[:2] {
		got, err := s.Get(kv.Key)
		if err != nil {
			t.Fatalf("Get failed for %q: %v", kv.Key, err)
		}

		if !bytes.Equal(got, kv.Value) {
			t.Errorf("Get(%q) = %q, want %q", kv.Key, got, kv.Value)
		}
	}

	if got, _ := s.Get([]byte("old")); got != nil {
		t.Errorf("nil value in batch should delete, got %q", got)
	}
}

func TestIteratePrefix(t *testing.T) {
	s := newTestStorage(t)

	for _, k := range []string{"a:1", "a:2", "a:3", "b:1", "a"} {
		if err := s.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	var keys []string
	err := s.IteratePrefix([]byte("a:"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix failed: %v", err)
	}

	if len(keys) != 3 || keys[0] != "a:1" || keys[2] != "a:3" {
		t.Errorf("keys = %v, want [a:1 a:2 a:3]", keys)
	}
}

func TestIterateStopsOnError(t *testing.T) {
	s := newTestStorage(t)

	for _, k := range []string{"k1", "k2", "k3"} {
		s.Set([]byte(k), nil)
	}

	stop := errors.New("stop")
	n := 0
	err := s.IteratePrefix([]byte("k"), func(_, _ []byte) error {
		n++
		return stop
	})

	if !errors.Is(err, stop) || n != 1 {
		t.Fatalf("err = %v after %d calls, want stop after 1", err, n)
	}
}

func TestDeletePrefix(t *testing.T) {
	s := newTestStorage(t)

	for _, k := range []string{"v:1", "v:2", "w:1"} {
		s.Set([]byte(k), []byte("x"))
	}

	if err := s.DeletePrefix([]byte("v:")); err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}

	if ok, _ := s.Has([]byte("v:1")); ok {
		t.Error("v:1 should be deleted")
	}

	if ok, _ := s.Has([]byte("w:1")); !ok {
		t.Error("w:1 should survive")
	}
}

func TestPrefixUpperBound(t *testing.T) {
	cases := []struct {
		in, want []byte
	}{
		{[]byte("a:"), []byte("a;")},
		{[]byte{0x01, 0xFF}, []byte{0x02}},
		{[]byte{0xFF, 0xFF}, nil},
	}

	for _, c := range cases {
		if got := PrefixUpperBound(c.in); !bytes.Equal(got, c.want) {
			t.Errorf("PrefixUpperBound(%x) = %x, want %x", c.in, got, c.want)
		}
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.Set([]byte("persist"), []byte("yes")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	if got, _ := s.Get([]byte("persist")); !bytes.Equal(got, []byte("yes")) {
		t.Errorf("Get after reopen = %q", got)
	}
}
