package logging_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"stonefall/engine/logging"
	"stonefall/engine/logging/sinks"
)

func closeRouter(t *testing.T, router *logging.Router) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRouterDeliversToSink(t *testing.T) {
	memory := sinks.NewMemorySink(8)
	cfg := logging.DefaultConfig()
	cfg.MinSeverity = logging.SeverityDebug
	router, err := logging.NewRouter(logging.SystemClock{}, cfg, []logging.NamedSink{
		{Name: "memory", Sink: memory},
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	router.Publish(context.Background(), logging.Event{
		Type:     "simulation.island_spawned",
		Severity: logging.SeverityInfo,
		Actor:    logging.EntityRef{ID: "entity(1:1)", Kind: logging.EntityKindIsland},
	})
	closeRouter(t, router)

	events := memory.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Actor.Kind != logging.EntityKindIsland {
		t.Fatalf("actor kind lost: %+v", events[0].Actor)
	}
	if events[0].Time.IsZero() {
		t.Fatalf("router must stamp the event time")
	}
	if stats := router.Stats(); stats.Published != 1 || stats.Dropped != 0 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestRouterFiltersBelowMinSeverity(t *testing.T) {
	memory := sinks.NewMemorySink(8)
	cfg := logging.DefaultConfig()
	cfg.MinSeverity = logging.SeverityWarn
	router, err := logging.NewRouter(logging.SystemClock{}, cfg, []logging.NamedSink{
		{Name: "memory", Sink: memory},
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	router.Publish(context.Background(), logging.Event{Type: "debug.noise", Severity: logging.SeverityDebug})
	router.Publish(context.Background(), logging.Event{Type: "network.packet_dropped", Severity: logging.SeverityWarn})
	closeRouter(t, router)

	events := memory.Events()
	if len(events) != 1 || events[0].Type != "network.packet_dropped" {
		t.Fatalf("severity filter failed: %+v", events)
	}
}

type failingSink struct {
	failures int
	writes   int
}

func (s *failingSink) Write(logging.Event) error {
	s.writes++
	if s.writes <= s.failures {
		return errors.New("disk gone")
	}
	return nil
}

func (s *failingSink) Close(context.Context) error { return nil }

func TestRouterQuarantinesFailingSink(t *testing.T) {
	flaky := &failingSink{failures: 1}
	memory := sinks.NewMemorySink(16)
	cfg := logging.DefaultConfig()
	cfg.MinSeverity = logging.SeverityDebug
	router, err := logging.NewRouter(logging.SystemClock{}, cfg, []logging.NamedSink{
		{Name: "flaky", Sink: flaky},
		{Name: "memory", Sink: memory},
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	// First event fails on the flaky sink and quarantines it; the healthy
	// sink keeps receiving everything.
	for i := 0; i < 6; i++ {
		router.Publish(context.Background(), logging.Event{
			Type:     "simulation.island_spawned",
			Severity: logging.SeverityInfo,
		})
	}
	closeRouter(t, router)

	if got := len(memory.Events()); got != 6 {
		t.Fatalf("healthy sink saw %d of 6 events", got)
	}
	if flaky.writes >= 6 {
		t.Fatalf("failing sink was not quarantined: %d writes", flaky.writes)
	}
	if flaky.writes < 1 {
		t.Fatalf("failing sink never retried")
	}
}

func TestMemorySinkRingAndFilters(t *testing.T) {
	memory := sinks.NewMemorySink(2)
	for i, kind := range []logging.EntityKind{
		logging.EntityKindIsland, logging.EntityKindClient, logging.EntityKindClient,
	} {
		memory.Write(logging.Event{
			Type:  logging.EventType("event"),
			Step:  uint64(i),
			Actor: logging.EntityRef{Kind: kind},
		})
	}

	events := memory.Events()
	if len(events) != 2 {
		t.Fatalf("ring should retain 2 events, got %d", len(events))
	}
	if events[0].Step != 1 || events[1].Step != 2 {
		t.Fatalf("oldest event not evicted: %+v", events)
	}
	if got := memory.ActorEvents(logging.EntityKindClient); len(got) != 2 {
		t.Fatalf("actor filter returned %d events", len(got))
	}
	if got := memory.ActorEvents(logging.EntityKindIsland); len(got) != 0 {
		t.Fatalf("evicted island event still visible: %+v", got)
	}

	memory.Reset()
	if len(memory.Events()) != 0 {
		t.Fatalf("reset left events behind")
	}
}

func TestMetricsCounters(t *testing.T) {
	m := logging.NewMetrics()
	m.Add("islands_spawned", 1)
	m.Add("islands_spawned", 2)
	m.Store("bodies", 5)

	snapshot := m.Snapshot()
	if snapshot["islands_spawned"] != 3 || snapshot["bodies"] != 5 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}
