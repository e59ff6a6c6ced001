package gossip

import (
	"fmt"
	"sync"
	"testing"
)

func TestDedupFirstSeen(t *testing.T) {
	d := NewDedup()
	defer d.Close()

	if !d.Check([]byte("message")) {
		t.Error("first sighting reported as duplicate")
	}

	if d.Check([]byte("message")) {
		t.Error("second sighting reported as new")
	}
}

func TestDedupDistinctMessages(t *testing.T) {
	d := NewDedup()
	defer d.Close()

	for i := 0; i < 100; i++ {
		if !d.Check([]byte(fmt.Sprintf("message-%d", i))) {
			t.Fatalf("distinct message %d reported as duplicate", i)
		}
	}
}

func TestDedupExpiry(t *testing.T) {
	d := NewDedup()
	defer d.Close()

	d.ttl = 0 // immediate expiry

	if !d.Check([]byte("message")) {
		t.Fatal("first sighting reported as duplicate")
	}

	if !d.Check([]byte("message")) {
		t.Error("expired entry still reported as duplicate")
	}
}

func TestDedupConcurrent(t *testing.T) {
	d := NewDedup()
	defer d.Close()

	const workers = 8

	var wg sync.WaitGroup
	fresh := make([]int, workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func(w int) {
			defer wg.Done()

			for i := 0; i < 100; i++ {
				if d.Check([]byte(fmt.Sprintf("message-%d", i))) {
					fresh[w]++
				}
			}
		}(w)
	}

	wg.Wait()

	total := 0
	for _, n := range fresh {
		total += n
	}

	// Every message is new exactly once across all workers.
	if total != 100 {
		t.Errorf("expected 100 fresh sightings, got %d", total)
	}
}
