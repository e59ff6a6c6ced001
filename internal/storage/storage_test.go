package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// newTestStorage creates a temporary storage for testing.
func newTestStorage(t *testing.T) (*Storage, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	s, err := New(filepath.Join(dir, "db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to create storage: %v", err)
	}

	cleanup := func() {
		s.Close()
		os.RemoveAll(dir)
	}

	return s, cleanup
}

func TestSetAndGet(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	key := []byte("test-key")
	value := []byte("test-value")

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
}

func TestGetNonExistent(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	got, err := s.Get([]byte("non-existent"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get returned %q, want nil", got)
	}
}

func TestHas(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	if err := s.Set([]byte("present"), []byte("value")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ok, err := s.Has([]byte("present"))
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if !ok {
		t.Error("Has returned false for existing key")
	}

	ok, err = s.Has([]byte("absent"))
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if ok {
		t.Error("Has returned true for missing key")
	}
}

func TestSetSync(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	key := []byte("durable-key")
	value := []byte("durable-value")

	if err := s.SetSync(key, value); err != nil {
		t.Fatalf("SetSync failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, value) {
		t.Errorf("Get returned %q, want %q", got, value)
	}
}

func TestDelete(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	key := []byte("to-delete")

	if err := s.Set(key, []byte("value")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get after Delete returned %q, want nil", got)
	}
}

func TestSetBatch(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	pairs := []KeyValue{
		{Key: []byte("batch-1"), Value: []byte("value-1")},
		{Key: []byte("batch-2"), Value: []byte("value-2")},
		{Key: []byte("batch-3"), Value: []byte("value-3")},
	}

	if err := s.SetBatch(pairs); err != nil {
		t.Fatalf("SetBatch failed: %v", err)
	}

	for _, kv := range pairs {
		got, err := s.Get(kv.Key)
		if err != nil {
			t.Fatalf("Get failed for %q: %v", kv.Key, err)
		}

		if !bytes.Equal(got, kv.Value) {
			t.Errorf("Get(%q) = %q, want %q", kv.Key, got, kv.Value)
		}
	}
}

func TestSetBatchSync(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	pairs := []KeyValue{
		{Key: []byte("synced-1"), Value: []byte("value-1")},
		{Key: []byte("synced-2"), Value: []byte("value-2")},
	}

	if err := s.SetBatchSync(pairs); err != nil {
		t.Fatalf("SetBatchSync failed: %v", err)
	}

	for _, kv := range pairs {
		got, err := s.Get(kv.Key)
		if err != nil {
			t.Fatalf("Get failed for %q: %v", kv.Key, err)
		}

		if !bytes.Equal(got, kv.Value) {
			t.Errorf("Get(%q) = %q, want %q", kv.Key, got, kv.Value)
		}
	}
}

func TestSetOverwrite(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	key := []byte("overwrite-key")

	if err := s.Set(key, []byte("first")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := s.Set(key, []byte("second")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, []byte("second")) {
		t.Errorf("Get returned %q, want %q", got, "second")
	}
}

func TestIteratePrefix(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		if err := s.Set([]byte(fmt.Sprintf("nav:%d", i)), []byte{byte(i)}); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	if err := s.Set([]byte("val:0"), []byte("other")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var keys []string
	err := s.IteratePrefix([]byte("nav:"), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix failed: %v", err)
	}

	if len(keys) != 5 {
		t.Fatalf("expected 5 keys, got %d: %v", len(keys), keys)
	}

	// Lexicographic visit order.
	for i, key := range keys {
		if key != fmt.Sprintf("nav:%d", i) {
			t.Errorf("key %d: got %q", i, key)
		}
	}
}

func TestIteratePrefixStopsOnError(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		if err := s.Set([]byte(fmt.Sprintf("nav:%d", i)), []byte{byte(i)}); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	visited := 0
	wantErr := fmt.Errorf("stop")

	err := s.IteratePrefix([]byte("nav:"), func(key, value []byte) error {
		visited++
		if visited == 2 {
			return wantErr
		}
		return nil
	})

	if err != wantErr {
		t.Errorf("expected propagated error, got %v", err)
	}

	if visited != 2 {
		t.Errorf("expected iteration to stop after 2 keys, visited %d", visited)
	}
}

func TestIterateAll(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		if err := s.Set([]byte(fmt.Sprintf("key-%d", i)), []byte{byte(i)}); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	count := 0
	err := s.Iterate(func(key, value []byte) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}

	if count != 3 {
		t.Errorf("expected 3 keys, got %d", count)
	}
}

func TestReopen(t *testing.T) {
	dir, err := os.MkdirTemp("", "storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	if err := s.Set([]byte("persisted"), []byte("value")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = New(path)
	if err != nil {
		t.Fatalf("failed to reopen storage: %v", err)
	}
	defer s.Close()

	got, err := s.Get([]byte("persisted"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, []byte("value")) {
		t.Errorf("Get after reopen returned %q, want %q", got, "value")
	}
}
