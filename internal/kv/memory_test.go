package kv

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemory_SetNX_FirstWins(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "n1", "v1", time.Minute)
	if err != nil {
		t.Fatalf("SetNX() error: %v", err)
	}
	if !ok {
		t.Fatal("expected first SetNX to win")
	}

	ok, err = m.SetNX(ctx, "n1", "v2", time.Minute)
	if err != nil {
		t.Fatalf("SetNX() error: %v", err)
	}
	if ok {
		t.Error("expected second SetNX on same key to lose")
	}

	v, found, err := m.Get(ctx, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if !found || v != "v1" {
		t.Errorf("Get() = %q, %v, want v1, true", v, found)
	}
}

func TestMemory_SetNX_ConcurrentRace(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	const n = 50

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ok, err := m.SetNX(ctx, "race", "x", time.Minute)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly 1 winner among %d concurrent SetNX calls, got %d", n, wins)
	}
}

func TestMemory_SetNX_AfterExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if ok, _ := m.SetNX(ctx, "k", "v1", 10*time.Millisecond); !ok {
		t.Fatal("expected first SetNX to win")
	}
	time.Sleep(20 * time.Millisecond)

	ok, err := m.SetNX(ctx, "k", "v2", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected SetNX to win once the prior entry expired")
	}
}

func TestMemory_Get_Miss(t *testing.T) {
	m := NewMemory()
	_, found, err := m.Get(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("expected miss for absent key")
	}
}

func TestMemory_Set_Overwrites(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Set(ctx, "k", "v1", time.Minute)
	_ = m.Set(ctx, "k", "v2", time.Minute)

	v, found, _ := m.Get(ctx, "k")
	if !found || v != "v2" {
		t.Errorf("Get() = %q, %v, want v2, true", v, found)
	}
}

func TestMemory_Delete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Set(ctx, "k", "v", time.Minute)
	_ = m.Delete(ctx, "k")

	_, found, _ := m.Get(ctx, "k")
	if found {
		t.Error("expected miss after delete")
	}
}

func TestMemory_Clear_PrefixOnly(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Set(ctx, "nonce:a", "1", time.Minute)
	_ = m.Set(ctx, "nonce:b", "1", time.Minute)
	_ = m.Set(ctx, "jwks:c", "1", time.Minute)

	if err := m.Clear(ctx, "nonce:"); err != nil {
		t.Fatal(err)
	}

	if _, found, _ := m.Get(ctx, "nonce:a"); found {
		t.Error("expected nonce:a cleared")
	}
	if _, found, _ := m.Get(ctx, "jwks:c"); !found {
		t.Error("expected jwks:c to survive prefix clear")
	}
}

func TestMemory_Evict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Set(ctx, "k1", "v", 10*time.Millisecond)
	_ = m.Set(ctx, "k2", "v", time.Minute)

	time.Sleep(20 * time.Millisecond)

	n := m.Evict()
	if n != 1 {
		t.Errorf("Evict() removed %d, want 1", n)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}
