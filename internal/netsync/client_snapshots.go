package netsync

import (
	"context"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/dynamics"
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/netpkt"
	"stonefall/engine/internal/vmath"
	"stonefall/engine/logging"
	lognet "stonefall/engine/logging/network"
)

// ExtrapolationTimedOut is set when the last applied job exceeded its
// budget; observers poll and clear it.
func (c *Client) ExtrapolationTimedOut() bool { return c.timedOut }

// ClearExtrapolationTimeout resets the signal.
func (c *Client) ClearExtrapolationTimeout() { c.timedOut = false }

func (c *Client) processTimed(pkt netpkt.Packet, now float64) {
	reg := c.coord.Registry()
	switch p := pkt.(type) {
	case netpkt.CreateEntity:
		result, err := applyPools(reg, c.emap, p.Pools, true)
		if err != nil {
			c.cfg.Logger.Printf("create_entity: %v", err)
			return
		}
		var pairs []ecs.Pair
		for _, local := range result.created {
			c.coord.Adopt(local)
			if remote, ok := c.emap.Remote(local); ok {
				pairs = append(pairs, ecs.Pair{Remote: local, Local: remote})
				delete(c.requested, remote)
			}
		}
		c.netDirty = append(c.netDirty, result.applied...)
		if len(pairs) > 0 {
			c.send(netpkt.UpdateEntityMap{Pairs: pairs, Timestamp: now})
		}

	case netpkt.DestroyEntity:
		for _, remote := range p.Entities {
			local, ok := c.emap.Local(remote)
			if !ok {
				continue
			}
			c.emap.EraseLocal(local)
			c.coord.DestroyEntity(local)
		}

	case netpkt.GeneralSnapshot:
		result, err := applyPools(reg, c.emap, p.Pools, false)
		if err != nil {
			c.cfg.Logger.Printf("general_snapshot: %v", err)
			return
		}
		c.netDirty = append(c.netDirty, result.applied...)
		c.requestUnknown(result.unknown)

	case netpkt.TransientSnapshot:
		c.applyTransient(p, now)
	}
}

// handleEntityResponse installs the requested entities and their island
// closure, then shares the new mappings.
func (c *Client) handleEntityResponse(p netpkt.EntityResponse) {
	reg := c.coord.Registry()
	result, err := applyPools(reg, c.emap, p.Pools, true)
	if err != nil {
		c.cfg.Logger.Printf("entity_response: %v", err)
		return
	}
	var pairs []ecs.Pair
	for _, local := range result.created {
		c.coord.Adopt(local)
		if remote, ok := c.emap.Remote(local); ok {
			pairs = append(pairs, ecs.Pair{Remote: local, Local: remote})
		}
	}
	for _, remote := range p.Entities {
		delete(c.requested, remote)
	}
	c.netDirty = append(c.netDirty, result.applied...)
	if len(pairs) > 0 {
		c.send(netpkt.UpdateEntityMap{Pairs: pairs, Timestamp: c.now()})
	}
}

// requestUnknown emits an entity request for server handles we have not
// seen, deduplicating in-flight requests.
func (c *Client) requestUnknown(unknown []ecs.Entity) {
	var fresh []ecs.Entity
	for _, remote := range unknown {
		if !c.requested[remote] {
			c.requested[remote] = true
			fresh = append(fresh, remote)
		}
	}
	if len(fresh) == 0 {
		return
	}
	sortEntitiesByID(fresh)
	c.send(netpkt.EntityRequest{Entities: fresh})
	lognet.EntityRequested(context.Background(), c.cfg.Publisher,
		logging.EntityRef{Kind: logging.EntityKindWorld}, lognet.RequestPayload{Entities: len(fresh)})
}

// applyTransient is the reconciliation entry point. The snapshot's state
// is from tSnap = now - (serverPlayoutDelay + rtt/2); either snap the
// affected bodies and record the difference as a discontinuity, or
// re-simulate forward from tSnap on a headless worker.
func (c *Client) applyTransient(p netpkt.TransientSnapshot, now float64) {
	tSnap := now - (c.serverPlayoutDelay + c.cfg.RoundTripTime/2)

	entries, unknown := c.decodeSnapshot(p.Pools)
	c.requestUnknown(unknown)
	c.feedRemoteInputs(entries, tSnap)

	if !c.cfg.ExtrapolationEnabled {
		c.snapToSnapshot(entries)
		return
	}
	if len(unknown) > 0 {
		lognet.SnapshotDropped(context.Background(), c.cfg.Publisher,
			logging.EntityRef{Kind: logging.EntityKindWorld},
			lognet.DropPayload{PacketType: netpkt.TypeTransientSnapshot, Reason: "unknown entities"})
		return
	}
	if len(c.jobs) >= c.cfg.MaxConcurrentExtrapolations {
		lognet.SnapshotDropped(context.Background(), c.cfg.Publisher,
			logging.EntityRef{Kind: logging.EntityKindWorld},
			lognet.DropPayload{PacketType: netpkt.TypeTransientSnapshot, Reason: "too many jobs"})
		return
	}
	c.launchExtrapolation(entries, tSnap)
}

// decodeSnapshot translates pools into local-space entries, splitting off
// unknown server handles.
func (c *Client) decodeSnapshot(pools []netpkt.Pool) ([]SnapshotEntry, []ecs.Entity) {
	var entries []SnapshotEntry
	var unknown []ecs.Entity
	unknownSet := map[ecs.Entity]bool{}
	note := func(remote ecs.Entity) {
		if !unknownSet[remote] {
			unknownSet[remote] = true
			unknown = append(unknown, remote)
		}
	}
	for _, pool := range pools {
		for _, entry := range pool.Entries {
			t, value, err := netpkt.DecodePoolValue(pool, entry)
			if err != nil {
				c.cfg.Logger.Printf("transient_snapshot: %v", err)
				continue
			}
			local, ok := c.emap.Local(entry.Entity)
			if !ok {
				note(entry.Entity)
				continue
			}
			complete := true
			value = comp.RemapEntities(t, value, func(ref ecs.Entity) ecs.Entity {
				mapped, refOK := c.emap.Local(ref)
				if !refOK {
					complete = false
					note(ref)
				}
				return mapped
			})
			if !complete {
				continue
			}
			entries = append(entries, SnapshotEntry{Entity: local, Type: t, Value: value})
		}
	}
	return entries, unknown
}

// feedRemoteInputs lands other clients' input components in the history at
// the snapshot time, so extrapolation replays them.
func (c *Client) feedRemoteInputs(entries []SnapshotEntry, tSnap float64) {
	for _, entry := range entries {
		if entry.Type != comp.TypeControlInput {
			continue
		}
		if input, ok := entry.Value.(comp.ControlInput); ok {
			c.history.Append(tSnap, entry.Entity, input)
		}
	}
}

// snapToSnapshot applies the snapshot in place and writes the jump into
// each body's discontinuity so presentation can hide it.
func (c *Client) snapToSnapshot(entries []SnapshotEntry) {
	reg := c.coord.Registry()
	for _, entry := range entries {
		switch entry.Type {
		case comp.TypePosition:
			newPos := entry.Value.(comp.Position)
			if old, ok := ecs.Get[comp.Position](reg, comp.TypePosition, entry.Entity); ok {
				c.accumulateDiscontinuity(entry.Entity, old.Value.Sub(newPos.Value), vmath.QuatIdentity())
			}
			reg.SetAny(entry.Type, entry.Entity, entry.Value)
		case comp.TypeOrientation:
			newOrn := entry.Value.(comp.Orientation)
			if old, ok := ecs.Get[comp.Orientation](reg, comp.TypeOrientation, entry.Entity); ok {
				offset := old.Value.MulQuat(newOrn.Value.Conjugate()).Normalize()
				c.accumulateDiscontinuity(entry.Entity, vmath.Vec3{}, offset)
			}
			reg.SetAny(entry.Type, entry.Entity, entry.Value)
		default:
			reg.SetAny(entry.Type, entry.Entity, entry.Value)
		}
		c.netDirty = append(c.netDirty, appliedEntry{entity: entry.Entity, t: entry.Type})
		dynamics.RefreshDerived(reg, entry.Entity)
	}
}

func (c *Client) accumulateDiscontinuity(e ecs.Entity, posOffset vmath.Vec3, ornOffset vmath.Quat) {
	reg := c.coord.Registry()
	disc, _ := ecs.Get[comp.Discontinuity](reg, comp.TypeDiscontinuity, e)
	if disc.OrientationOffset.LengthSq() == 0 {
		disc.OrientationOffset = vmath.QuatIdentity()
	}
	disc.PositionOffset = disc.PositionOffset.Add(posOffset)
	disc.OrientationOffset = ornOffset.MulQuat(disc.OrientationOffset).Normalize()
	ecs.Set(reg, comp.TypeDiscontinuity, e, disc)
}

// launchExtrapolation seeds a headless job with the snapshot entities,
// the constraint edges connecting them, and all static bodies.
func (c *Client) launchExtrapolation(entries []SnapshotEntry, tSnap float64) {
	reg := c.coord.Registry()
	involved := map[ecs.Entity]bool{}
	for _, entry := range entries {
		involved[entry.Entity] = true
	}
	ecs.Each(reg, comp.TypeConstraint, func(e ecs.Entity, constraint *comp.Constraint) {
		if involved[constraint.Body[0]] && involved[constraint.Body[1]] {
			involved[e] = true
		}
	})
	ecs.Each(reg, comp.TypeContactManifold, func(e ecs.Entity, m *comp.ContactManifold) {
		if involved[m.Body[0]] && involved[m.Body[1]] {
			involved[e] = true
		}
	})
	ecs.Each(reg, comp.TypeBodyKind, func(e ecs.Entity, kind *comp.BodyKind) {
		if kind.Kind == comp.KindStatic {
			involved[e] = true
		}
	})

	entities := make([]ecs.Entity, 0, len(involved))
	for e := range involved {
		entities = append(entities, e)
	}
	sortEntitiesByID(entities)

	owned := make(map[ecs.Entity]bool, len(c.owned))
	for e := range c.owned {
		owned[e] = true
	}

	input := ExtrapolationInput{
		StartTime:       tSnap,
		Entities:        entities,
		SnapshotEntries: entries,
		Owned:           owned,
	}
	job := NewExtrapolationJob(reg, input, c.history, c.coord.Settings().FixedDt, c.cfg.ExtrapolationBudget, c.now)
	c.jobs = append(c.jobs, job)
	job.Start()
}

// drainExtrapolations applies results of finished jobs: the difference
// between the present local state and the extrapolated state becomes each
// body's discontinuity, decayed by presentation rather than snapped.
func (c *Client) drainExtrapolations() {
	reg := c.coord.Registry()
	remaining := c.jobs[:0]
	for _, job := range c.jobs {
		select {
		case <-job.Done():
		default:
			remaining = append(remaining, job)
			continue
		}
		result := job.Result()
		if result.TerminatedEarly {
			c.timedOut = true
			lognet.ExtrapolationTimeout(context.Background(), c.cfg.Publisher,
				logging.EntityRef{Kind: logging.EntityKindWorld})
		}
		for _, body := range result.Bodies {
			if !reg.Alive(body.Entity) {
				continue
			}
			oldPos, _ := ecs.Get[comp.Position](reg, comp.TypePosition, body.Entity)
			oldOrn, okOrn := ecs.Get[comp.Orientation](reg, comp.TypeOrientation, body.Entity)
			c.accumulateDiscontinuity(body.Entity, oldPos.Value.Sub(body.Position.Value), offsetQuat(oldOrn.Value, body.Orientation.Value, okOrn))

			ecs.Set(reg, comp.TypePosition, body.Entity, body.Position)
			ecs.Set(reg, comp.TypeOrientation, body.Entity, body.Orientation)
			ecs.Set(reg, comp.TypeLinVel, body.Entity, body.LinVel)
			ecs.Set(reg, comp.TypeAngVel, body.Entity, body.AngVel)
			dynamics.RefreshDerived(reg, body.Entity)
			c.netDirty = append(c.netDirty,
				appliedEntry{entity: body.Entity, t: comp.TypePosition},
				appliedEntry{entity: body.Entity, t: comp.TypeOrientation},
				appliedEntry{entity: body.Entity, t: comp.TypeLinVel},
				appliedEntry{entity: body.Entity, t: comp.TypeAngVel})
		}
	}
	c.jobs = remaining
}

func offsetQuat(old, new vmath.Quat, ok bool) vmath.Quat {
	if !ok || new.LengthSq() == 0 {
		return vmath.QuatIdentity()
	}
	return old.MulQuat(new.Conjugate()).Normalize()
}
