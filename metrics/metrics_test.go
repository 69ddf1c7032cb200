package metrics_test

import (
	"sync"
	"testing"

	"github.com/linecaptcha/lineserver/metrics"
)

func TestIncrements(t *testing.T) {
	m := metrics.NewMetrics()
	m.IncrementChallengesIssued()
	m.IncrementChallengesIssued()
	m.IncrementPeeksServed()
	m.IncrementPeeksRejected()
	m.RecordVerify(true, "success")
	m.RecordVerify(false, "too_fast")

	issued, peeksServed, peeksRejected, passed, failed := m.Snapshot()
	if issued != 2 {
		t.Errorf("ChallengesIssued: got %d, want 2", issued)
	}
	if peeksServed != 1 {
		t.Errorf("PeeksServed: got %d, want 1", peeksServed)
	}
	if peeksRejected != 1 {
		t.Errorf("PeeksRejected: got %d, want 1", peeksRejected)
	}
	if passed != 1 {
		t.Errorf("VerifiesPassed: got %d, want 1", passed)
	}
	if failed != 1 {
		t.Errorf("VerifiesFailed: got %d, want 1", failed)
	}

	counts := m.OutcomeCounts()
	if counts["too_fast"] != 1 {
		t.Errorf("outcome too_fast: got %d, want 1", counts["too_fast"])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	m := metrics.NewMetrics()
	const goroutines = 1000
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			m.IncrementChallengesIssued()
			m.RecordVerify(true, "success")
		}()
	}
	wg.Wait()

	issued, _, _, passed, _ := m.Snapshot()
	if issued != goroutines {
		t.Errorf("ChallengesIssued: got %d, want %d", issued, goroutines)
	}
	if passed != goroutines {
		t.Errorf("VerifiesPassed: got %d, want %d", passed, goroutines)
	}
}
