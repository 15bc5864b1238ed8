package ring

import (
	"sync"
	"testing"
)

func TestBufferEvictsOldest(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Add(i)
	}

	got := b.Snapshot()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("Snapshot() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Snapshot()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if b.Total() != 5 {
		t.Fatalf("Total() = %d, want 5", b.Total())
	}
	newest, ok := b.Newest()
	if !ok || newest != 5 {
		t.Fatalf("Newest() = %d,%v, want 5,true", newest, ok)
	}
}

func TestBufferLast(t *testing.T) {
	b := New[string](4)
	b.Add("a")
	b.Add("b")
	b.Add("c")

	got := b.Last(2)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("Last(2) = %v, want [b c]", got)
	}
	if all := b.Last(10); len(all) != 3 {
		t.Fatalf("Last(10) len = %d, want 3", len(all))
	}

	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", b.Len())
	}
	if _, ok := b.Newest(); ok {
		t.Fatal("Newest() on empty buffer should report false")
	}
}

func TestBufferConcurrentAdd(t *testing.T) {
	b := New[int](100)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Add(i)
			}
		}()
	}
	wg.Wait()

	if b.Len() != 100 {
		t.Fatalf("Len() = %d, want 100", b.Len())
	}
	if b.Total() != 400 {
		t.Fatalf("Total() = %d, want 400", b.Total())
	}
}
