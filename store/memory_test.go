package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/linecaptcha/lineserver/geometry"
	"github.com/linecaptcha/lineserver/store"
)

func newChallenge(id string) *store.Challenge {
	return &store.Challenge{
		ID:             id,
		Seed:           "seed-" + id,
		Points:         geometry.Polyline{{X: 0, Y: 0}, {X: 100, Y: 0}},
		PathLength:     100,
		TTLMs:          12000,
		Nonce:          "nonce-" + id,
		ToleranceMouse: 20,
		ToleranceTouch: 30,
		CreatedAt:      time.Now(),
	}
}

func TestMemoryStore_SaveGet(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	c := newChallenge("c1")
	if err := s.Save(ctx, c); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Seed != c.Seed {
		t.Errorf("Seed = %q, want %q", got.Seed, c.Seed)
	}
}

func TestMemoryStore_SaveDuplicateFails(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	c := newChallenge("c1")
	if err := s.Save(ctx, c); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, c); err == nil {
		t.Fatal("expected second Save with the same id to fail")
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	if _, err := s.Get(ctx, "nope"); err != store.ErrNotFound {
		t.Fatalf("Get on missing id: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_UpdatePeekProgress_Monotonic(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	c := newChallenge("c1")
	if err := s.Save(ctx, c); err != nil {
		t.Fatalf("Save: %v", err)
	}

	now := time.Now()
	got, err := s.UpdatePeekProgress(ctx, "c1", store.PeekUpdate{Pos: 50, Now: now, Count: 1})
	if err != nil {
		t.Fatalf("UpdatePeekProgress: %v", err)
	}
	if got.PeekPos != 50 {
		t.Errorf("PeekPos = %v, want 50", got.PeekPos)
	}

	// A smaller pos must never move peekPos backwards.
	got, err = s.UpdatePeekProgress(ctx, "c1", store.PeekUpdate{Pos: 20, Now: now.Add(time.Second), Count: 2})
	if err != nil {
		t.Fatalf("UpdatePeekProgress: %v", err)
	}
	if got.PeekPos != 50 {
		t.Errorf("PeekPos regressed to %v, want 50", got.PeekPos)
	}
	if got.PeekCount != 2 {
		t.Errorf("PeekCount = %v, want 2", got.PeekCount)
	}
}

func TestMemoryStore_MarkUsed_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	c := newChallenge("c1")
	if err := s.Save(ctx, c); err != nil {
		t.Fatalf("Save: %v", err)
	}

	first, err := s.MarkUsed(ctx, "c1")
	if err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}
	if !first {
		t.Error("first MarkUsed should report transitioned=true")
	}

	second, err := s.MarkUsed(ctx, "c1")
	if err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}
	if second {
		t.Error("second MarkUsed should report transitioned=false")
	}
}

func TestMemoryStore_MarkUsed_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	c := newChallenge("c1")
	if err := s.Save(ctx, c); err != nil {
		t.Fatalf("Save: %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			won, err := s.MarkUsed(ctx, "c1")
			if err != nil {
				t.Errorf("MarkUsed: %v", err)
			}
			wins[i] = won
		}(i)
	}
	wg.Wait()

	winCount := 0
	for _, w := range wins {
		if w {
			winCount++
		}
	}
	if winCount != 1 {
		t.Errorf("exactly one goroutine should win MarkUsed, got %d", winCount)
	}
}

func TestMemoryStore_PruneExpired(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	expired := newChallenge("expired")
	expired.CreatedAt = time.Now().Add(-time.Hour)
	expired.TTLMs = 1000
	if err := s.Save(ctx, expired); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fresh := newChallenge("fresh")
	if err := s.Save(ctx, fresh); err != nil {
		t.Fatalf("Save: %v", err)
	}

	removed, err := s.PruneExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := s.Get(ctx, "fresh"); err != nil {
		t.Errorf("fresh challenge should survive pruning: %v", err)
	}
	if _, err := s.Get(ctx, "expired"); err != store.ErrNotFound {
		t.Errorf("expired challenge should have been pruned")
	}
}

func TestMemoryStore_SaveAttempt(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	log := &store.AttemptLog{
		AttemptID:   "a1",
		ChallengeID: "c1",
		OutcomeReason: "success",
		CreatedAt:   time.Now(),
	}
	if err := s.SaveAttempt(ctx, log); err != nil {
		t.Fatalf("SaveAttempt: %v", err)
	}
	attempts := s.Attempts()
	if len(attempts) != 1 {
		t.Fatalf("len(Attempts()) = %d, want 1", len(attempts))
	}
	if attempts[0].AttemptID != "a1" {
		t.Errorf("AttemptID = %q, want a1", attempts[0].AttemptID)
	}
}
