package rcu

import (
	"sync"
	"testing"
)

type testPolicy struct {
	Limit int
	Name  string
}

func TestLoadReplace(t *testing.T) {
	snap := NewSnapshot(&testPolicy{Limit: 5, Name: "initial"})

	if got := snap.Load(); got.Limit != 5 || got.Name != "initial" {
		t.Fatalf("unexpected initial value: %#v", got)
	}

	snap.Replace(&testPolicy{Limit: 10, Name: "updated"})
	if got := snap.Load(); got.Limit != 10 || got.Name != "updated" {
		t.Fatalf("unexpected value after replace: %#v", got)
	}
}

func TestConcurrentRead(t *testing.T) {
	snap := NewSnapshot(&testPolicy{Limit: 42})

	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v := snap.Load().Limit; v != 42 {
				t.Errorf("expected 42, got %d", v)
			}
		}()
	}
	wg.Wait()
}

func TestUpdateIsLinearizable(t *testing.T) {
	snap := NewSnapshot(&testPolicy{})

	const writers = 50
	const perWriter = 100

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				snap.Update(func(cur *testPolicy) *testPolicy {
					return &testPolicy{Limit: cur.Limit + 1, Name: cur.Name}
				})
			}
		}()
	}
	wg.Wait()

	if got := snap.Load().Limit; got != writers*perWriter {
		t.Fatalf("lost updates: got %d, want %d", got, writers*perWriter)
	}
}

func BenchmarkLoad(b *testing.B) {
	snap := NewSnapshot(&testPolicy{Limit: 1})
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = snap.Load().Limit
		}
	})
}
