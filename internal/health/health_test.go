package health

import (
	"context"
	"testing"
)

func TestCheckAllAggregates(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("rail", func(context.Context) Status {
		return Status{Name: "rail", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("aggregate healthy with one failing probe")
	}
	if len(statuses) != 2 || statuses[0].Name != "database" || statuses[1].Name != "rail" {
		t.Errorf("statuses = %+v", statuses)
	}
}

func TestCheckAllBackfillsName(t *testing.T) {
	r := NewRegistry()
	r.Register("sweeper", func(context.Context) Status {
		return Status{Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("aggregate unhealthy with all probes passing")
	}
	if len(statuses) != 1 || statuses[0].Name != "sweeper" {
		t.Errorf("statuses = %+v", statuses)
	}
}

func TestEmptyRegistryIsHealthy(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy || len(statuses) != 0 {
		t.Errorf("empty registry: healthy = %v, statuses = %+v", healthy, statuses)
	}
}
