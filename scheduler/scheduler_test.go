package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/linecaptcha/lineserver/geometry"
	"github.com/linecaptcha/lineserver/logger"
	"github.com/linecaptcha/lineserver/scheduler"
	"github.com/linecaptcha/lineserver/store"
	"github.com/linecaptcha/lineserver/worker"
)

func TestScheduler_PrunesExpiredChallenges(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	expired := &store.Challenge{
		ID:         "expired",
		Points:     geometry.Polyline{{X: 0, Y: 0}, {X: 1, Y: 1}},
		TTLMs:      10,
		CreatedAt:  time.Now().Add(-time.Hour),
	}
	if err := s.Save(ctx, expired); err != nil {
		t.Fatalf("Save: %v", err)
	}

	wp := worker.NewWorkerPool(2)
	wp.Start()
	defer wp.Stop()

	log := logger.New(logger.LevelError)
	sc := scheduler.NewScheduler(s, wp, log, 20*time.Millisecond)
	sc.Start()
	defer sc.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.Get(ctx, "expired"); err == store.ErrNotFound {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expired challenge was never pruned")
}
