// Package simulation publishes structured events for island lifecycle
// moments.
package simulation

import (
	"context"

	"stonefall/engine/logging"
)

const (
	// EventIslandSpawned is emitted when the coordinator creates an island.
	EventIslandSpawned logging.EventType = "simulation.island_spawned"
	// EventIslandMerged is emitted when two islands fold into one.
	EventIslandMerged logging.EventType = "simulation.island_merged"
	// EventIslandSplit is emitted when the split protocol carves an island.
	EventIslandSplit logging.EventType = "simulation.island_split"
	// EventIslandSlept is emitted when an island comes to rest.
	EventIslandSlept logging.EventType = "simulation.island_slept"
	// EventIslandWoke is emitted when a sleeping island resumes.
	EventIslandWoke logging.EventType = "simulation.island_woke"
	// EventWorkerLagged is emitted when a worker clamps its island time.
	EventWorkerLagged logging.EventType = "simulation.worker_lagged"
)

// IslandPayload carries island bookkeeping counts.
type IslandPayload struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
}

// LagPayload records how far behind wall clock a worker fell.
type LagPayload struct {
	LagSeconds float64 `json:"lagSeconds"`
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, actor logging.EntityRef, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategorySimulation,
		Payload:  payload,
	})
}

// IslandSpawned publishes an island creation event.
func IslandSpawned(ctx context.Context, pub logging.Publisher, island logging.EntityRef, payload IslandPayload) {
	publish(ctx, pub, EventIslandSpawned, logging.SeverityInfo, island, payload)
}

// IslandMerged publishes an island merge event.
func IslandMerged(ctx context.Context, pub logging.Publisher, survivor logging.EntityRef, payload IslandPayload) {
	publish(ctx, pub, EventIslandMerged, logging.SeverityInfo, survivor, payload)
}

// IslandSplit publishes an island split event.
func IslandSplit(ctx context.Context, pub logging.Publisher, island logging.EntityRef, payload IslandPayload) {
	publish(ctx, pub, EventIslandSplit, logging.SeverityInfo, island, payload)
}

// IslandSlept publishes an island sleep event.
func IslandSlept(ctx context.Context, pub logging.Publisher, island logging.EntityRef) {
	publish(ctx, pub, EventIslandSlept, logging.SeverityDebug, island, nil)
}

// IslandWoke publishes an island wake event.
func IslandWoke(ctx context.Context, pub logging.Publisher, island logging.EntityRef) {
	publish(ctx, pub, EventIslandWoke, logging.SeverityDebug, island, nil)
}

// WorkerLagged publishes a warning when island time is clamped forward.
func WorkerLagged(ctx context.Context, pub logging.Publisher, island logging.EntityRef, payload LagPayload) {
	publish(ctx, pub, EventWorkerLagged, logging.SeverityWarn, island, payload)
}
