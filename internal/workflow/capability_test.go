package workflow

import (
	"testing"

	"github.com/avlonitis/ergon/internal/runtime"
)

func TestSelectBestLeastLoaded(t *testing.T) {
	table := NewCapabilityTable()
	table.Update("s1", "scraper", runtime.StatusBusy, 2, 5, nil, 100)
	table.Update("s2", "scraper", runtime.StatusIdle, 0, 5, nil, 100)
	table.Update("s3", "scraper", runtime.StatusBusy, 1, 5, nil, 100)

	best := table.SelectBest("scraper")
	if best == nil || best.ID != "s2" {
		t.Fatalf("expected s2, got %+v", best)
	}
}

func TestSelectBestTieBreakers(t *testing.T) {
	table := NewCapabilityTable()
	table.Update("slow", "scraper", runtime.StatusIdle, 1, 5, nil, 900)
	table.Update("fast", "scraper", runtime.StatusIdle, 1, 5, nil, 200)

	if best := table.SelectBest("scraper"); best == nil || best.ID != "fast" {
		t.Fatalf("expected lower avg response to win, got %+v", best)
	}

	// Equal load and response time: registration order decides.
	table2 := NewCapabilityTable()
	table2.Update("first", "scraper", runtime.StatusIdle, 0, 5, nil, 100)
	table2.Update("second", "scraper", runtime.StatusIdle, 0, 5, nil, 100)
	if best := table2.SelectBest("scraper"); best == nil || best.ID != "first" {
		t.Fatalf("expected registration order tie-break, got %+v", best)
	}
}

func TestSelectBestRejectsSaturatedAndUnhealthy(t *testing.T) {
	table := NewCapabilityTable()
	table.Update("full", "scraper", runtime.StatusBusy, 2, 2, nil, 0)
	table.Update("broken", "scraper", runtime.StatusError, 0, 2, nil, 0)

	if best := table.SelectBest("scraper"); best != nil {
		t.Fatalf("expected no candidate, got %+v", best)
	}

	table.Update("ok", "scraper", runtime.StatusIdle, 0, 2, nil, 0)
	if best := table.SelectBest("scraper"); best == nil || best.ID != "ok" {
		t.Fatalf("expected ok, got %+v", best)
	}
}

func TestSelectBestUnknownType(t *testing.T) {
	table := NewCapabilityTable()
	table.Update("s1", "scraper", runtime.StatusIdle, 0, 2, nil, 0)
	if best := table.SelectBest("analyzer"); best != nil {
		t.Fatalf("expected nil for unknown type, got %+v", best)
	}
}

func TestHealthFromStatus(t *testing.T) {
	cases := map[string]string{
		runtime.StatusIdle:         HealthHealthy,
		runtime.StatusBusy:         HealthHealthy,
		runtime.StatusError:        HealthUnhealthy,
		runtime.StatusInitializing: HealthDegraded,
		runtime.StatusStopped:      HealthDegraded,
	}
	for status, want := range cases {
		if got := healthFromStatus(status); got != want {
			t.Errorf("healthFromStatus(%s) = %s, want %s", status, got, want)
		}
	}
}
