// Package network publishes structured events for the replication layer.
package network

import (
	"context"

	"stonefall/engine/logging"
)

const (
	// EventPacketDropped is emitted when a malformed packet or pool entry
	// is discarded.
	EventPacketDropped logging.EventType = "network.packet_dropped"
	// EventSnapshotDropped is emitted when a transient snapshot cannot be
	// applied.
	EventSnapshotDropped logging.EventType = "network.snapshot_dropped"
	// EventEntityRequested is emitted when unknown remote entities are
	// requested from the peer.
	EventEntityRequested logging.EventType = "network.entity_requested"
	// EventExtrapolationTimeout is emitted when an extrapolation job runs
	// out of budget.
	EventExtrapolationTimeout logging.EventType = "network.extrapolation_timeout"
	// EventPlayoutDelayChanged is emitted when the server adjusts a
	// client's playout delay.
	EventPlayoutDelayChanged logging.EventType = "network.playout_delay_changed"
)

// DropPayload explains a discarded packet.
type DropPayload struct {
	PacketType string `json:"packetType"`
	Reason     string `json:"reason"`
}

// RequestPayload counts requested entities.
type RequestPayload struct {
	Entities int `json:"entities"`
}

// DelayPayload carries the new playout delay in seconds.
type DelayPayload struct {
	Delay float64 `json:"delay"`
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, actor logging.EntityRef, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// PacketDropped publishes a warn event for a discarded packet.
func PacketDropped(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload DropPayload) {
	publish(ctx, pub, EventPacketDropped, logging.SeverityWarn, actor, payload)
}

// SnapshotDropped publishes a debug event for an unapplied snapshot.
func SnapshotDropped(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload DropPayload) {
	publish(ctx, pub, EventSnapshotDropped, logging.SeverityDebug, actor, payload)
}

// EntityRequested publishes a debug event for an entity request.
func EntityRequested(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload RequestPayload) {
	publish(ctx, pub, EventEntityRequested, logging.SeverityDebug, actor, payload)
}

// ExtrapolationTimeout publishes a warn event for an exhausted job budget.
func ExtrapolationTimeout(ctx context.Context, pub logging.Publisher, actor logging.EntityRef) {
	publish(ctx, pub, EventExtrapolationTimeout, logging.SeverityWarn, actor, nil)
}

// PlayoutDelayChanged publishes an info event for a delay adjustment.
func PlayoutDelayChanged(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload DelayPayload) {
	publish(ctx, pub, EventPlayoutDelayChanged, logging.SeverityInfo, actor, payload)
}
