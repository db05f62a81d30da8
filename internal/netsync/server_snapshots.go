package netsync

import (
	"context"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/netpkt"
	"stonefall/engine/internal/vmath"
	lognet "stonefall/engine/logging/network"
)

// islandOwners computes each island's owning client: a client owns an
// island iff every entity carrying entity_owner in it belongs to that
// client. Islands with no owning entities, or mixed owners, have none.
func (s *Server) islandOwners() map[ecs.Entity]ecs.Entity {
	reg := s.coord.Registry()
	owners := make(map[ecs.Entity]ecs.Entity)
	conflicted := make(map[ecs.Entity]bool)

	ecs.Each(reg, comp.TypeEntityOwner, func(e ecs.Entity, owner *comp.EntityOwner) {
		for _, islandEntity := range s.islandsOf(e) {
			if conflicted[islandEntity] {
				continue
			}
			prev, seen := owners[islandEntity]
			if !seen {
				owners[islandEntity] = owner.Client
			} else if prev != owner.Client {
				conflicted[islandEntity] = true
				delete(owners, islandEntity)
			}
		}
	})
	return owners
}

func (s *Server) islandsOf(e ecs.Entity) []ecs.Entity {
	reg := s.coord.Registry()
	if res, ok := ecs.Get[comp.IslandResident](reg, comp.TypeIslandResident, e); ok {
		return []ecs.Entity{res.Island}
	}
	if res, ok := ecs.Get[comp.MultiIslandResident](reg, comp.TypeMultiIslandResident, e); ok {
		return res.Islands
	}
	return nil
}

// islandFullyOwnedBy reports whether every island of e is owned by the
// client.
func (s *Server) islandFullyOwnedBy(e ecs.Entity, client ecs.Entity, owners map[ecs.Entity]ecs.Entity) bool {
	islands := s.islandsOf(e)
	if len(islands) == 0 {
		return false
	}
	for _, islandEntity := range islands {
		if owners[islandEntity] != client {
			return false
		}
	}
	return true
}

// processTimed applies a due timed packet from a client, enforcing the
// ownership rule: only updates to fully owned islands stick, except input
// components, which always land.
func (s *Server) processTimed(rc *RemoteClient, pkt netpkt.Packet, owners map[ecs.Entity]ecs.Entity) {
	reg := s.coord.Registry()
	switch p := pkt.(type) {
	case netpkt.CreateEntity:
		result, err := applyPools(reg, rc.emap, p.Pools, true)
		if err != nil {
			s.cfg.Logger.Printf("create_entity from %v: %v", rc.Entity, err)
			return
		}
		for _, remote := range p.Entities {
			if local, ok := rc.emap.Local(remote); ok && !rc.owned[local] {
				rc.owned[local] = true
			}
		}
		var pairs []ecs.Pair
		for _, local := range result.created {
			rc.owned[local] = true
			ecs.Set(reg, comp.TypeEntityOwner, local, comp.EntityOwner{Client: rc.Entity})
			s.coord.Adopt(local)
			if remote, ok := rc.emap.Remote(local); ok {
				pairs = append(pairs, ecs.Pair{Remote: local, Local: remote})
			}
		}
		for _, entry := range result.applied {
			reg.MarkUpdated(entry.entity, entry.t)
		}
		if len(pairs) > 0 {
			s.send(rc, netpkt.UpdateEntityMap{Pairs: pairs, Timestamp: s.now()})
		}

	case netpkt.DestroyEntity:
		for _, remote := range p.Entities {
			local, ok := rc.emap.Local(remote)
			if !ok || !rc.owned[local] {
				continue
			}
			delete(rc.owned, local)
			rc.emap.EraseLocal(local)
			s.coord.DestroyEntity(local)
		}

	case netpkt.TransientSnapshot:
		s.applyClientSnapshot(rc, p.Pools, owners)

	case netpkt.GeneralSnapshot:
		s.applyClientSnapshot(rc, p.Pools, owners)
	}
}

// applyClientSnapshot filters each pool entry through the ownership rule
// before writing it into the authoritative registry.
func (s *Server) applyClientSnapshot(rc *RemoteClient, pools []netpkt.Pool, owners map[ecs.Entity]ecs.Entity) {
	reg := s.coord.Registry()
	for _, pool := range pools {
		for _, entry := range pool.Entries {
			t, value, err := netpkt.DecodePoolValue(pool, entry)
			if err != nil {
				s.cfg.Logger.Printf("snapshot from %v: %v", rc.Entity, err)
				lognet.PacketDropped(context.Background(), s.cfg.Publisher,
					clientRef(rc.Entity), lognet.DropPayload{Reason: err.Error()})
				continue
			}
			local, ok := rc.emap.Local(entry.Entity)
			if !ok {
				continue
			}
			if !comp.IsInput(t) && !s.islandFullyOwnedBy(local, rc.Entity, owners) {
				// Silently discarded per the ownership rule.
				continue
			}
			complete := true
			value = comp.RemapEntities(t, value, func(ref ecs.Entity) ecs.Entity {
				mapped, refOK := rc.emap.Local(ref)
				if !refOK {
					complete = false
				}
				return mapped
			})
			if !complete {
				continue
			}
			reg.SetAny(t, local, value)
			reg.MarkUpdated(local, t)
		}
	}
}

// handleEntityRequest answers with the requested entities plus everything
// in their islands, so the client can reconstruct the constraint graph.
func (s *Server) handleEntityRequest(rc *RemoteClient, p netpkt.EntityRequest) {
	reg := s.coord.Registry()
	closure := map[ecs.Entity]bool{}
	for _, remote := range p.Entities {
		// Requests reference server handles the client saw in snapshots.
		if !reg.Alive(remote) {
			continue
		}
		closure[remote] = true
		for _, islandEntity := range s.islandsOf(remote) {
			ecs.Each(reg, comp.TypeIslandResident, func(member ecs.Entity, res *comp.IslandResident) {
				if res.Island == islandEntity {
					closure[member] = true
				}
			})
			ecs.Each(reg, comp.TypeMultiIslandResident, func(member ecs.Entity, res *comp.MultiIslandResident) {
				for _, candidate := range res.Islands {
					if candidate == islandEntity {
						closure[member] = true
						return
					}
				}
			})
		}
	}
	if len(closure) == 0 {
		return
	}
	entities := make([]ecs.Entity, 0, len(closure))
	for e := range closure {
		entities = append(entities, e)
	}
	sortEntitiesByID(entities)
	pools, err := buildPools(reg, entities, nil)
	if err != nil {
		s.cfg.Logger.Printf("entity_response for %v: %v", rc.Entity, err)
		return
	}
	s.send(rc, netpkt.EntityResponse{Entities: entities, Pools: pools})
}

// updateAOI recomputes the client's area of interest, emits creations and
// destructions for entities crossing its boundary, and emits the snapshot
// pair when due.
func (s *Server) updateAOI(rc *RemoteClient, now float64, owners map[ecs.Entity]ecs.Entity) {
	reg := s.coord.Registry()
	rc.aoiRegion = s.regionFor(rc)

	current := map[ecs.Entity]bool{}
	ecs.Each(reg, comp.TypeAABB, func(e ecs.Entity, box *comp.AABB) {
		if !reg.Has(comp.TypeNetworked, e) {
			return
		}
		if box.Value.Intersects(rc.aoiRegion) {
			current[e] = true
		}
	})

	var exited, entered []ecs.Entity
	for e := range rc.aoiEntities {
		if !current[e] && !rc.owned[e] {
			exited = append(exited, e)
		}
	}
	for e := range current {
		if !rc.aoiEntities[e] && !rc.owned[e] {
			entered = append(entered, e)
		}
	}
	sortEntitiesByID(exited)
	sortEntitiesByID(entered)
	rc.aoiEntities = current

	if len(exited) > 0 {
		s.send(rc, netpkt.DestroyEntity{Timestamp: now, Entities: exited})
	}
	if len(entered) > 0 {
		pools, err := buildPools(reg, entered, nil)
		if err != nil {
			s.cfg.Logger.Printf("create_entity for %v: %v", rc.Entity, err)
		} else {
			s.send(rc, netpkt.CreateEntity{Timestamp: now, Entities: entered, Pools: pools})
		}
	}

	if now-rc.lastSnapshot >= 1.0/rc.snapshotRate {
		rc.lastSnapshot = now
		s.emitTransient(rc, now, current, owners)
	}
	s.emitGeneral(rc, now, current)
}

// emitTransient sends the continuous components of every non-sleeping,
// non-static networked entity in the region not fully owned by this
// client, plus the manifolds connecting them.
func (s *Server) emitTransient(rc *RemoteClient, now float64, region map[ecs.Entity]bool, owners map[ecs.Entity]ecs.Entity) {
	reg := s.coord.Registry()
	var entities []ecs.Entity
	for e := range region {
		kind, ok := ecs.Get[comp.BodyKind](reg, comp.TypeBodyKind, e)
		if !ok || kind.Kind == comp.KindStatic {
			continue
		}
		if reg.Has(comp.TypeSleeping, e) {
			continue
		}
		if s.islandFullyOwnedBy(e, rc.Entity, owners) {
			continue
		}
		entities = append(entities, e)
	}
	if len(entities) == 0 {
		return
	}
	sortEntitiesByID(entities)

	inRegion := map[ecs.Entity]bool{}
	for _, e := range entities {
		inRegion[e] = true
	}
	ecs.Each(reg, comp.TypeContactManifold, func(e ecs.Entity, m *comp.ContactManifold) {
		if inRegion[m.Body[0]] && inRegion[m.Body[1]] {
			entities = append(entities, e)
		}
	})

	pools, err := buildPools(reg, entities, comp.IsTransient)
	if err != nil {
		s.cfg.Logger.Printf("transient_snapshot for %v: %v", rc.Entity, err)
		return
	}
	if len(pools) > 0 {
		s.send(rc, netpkt.TransientSnapshot{Timestamp: now, Pools: pools})
	}
}

// emitGeneral ships dirty non-transient networked components of region
// entities.
func (s *Server) emitGeneral(rc *RemoteClient, now float64, region map[ecs.Entity]bool) {
	reg := s.coord.Registry()
	var pools []netpkt.Pool
	poolIdx := map[ecs.TypeID]int{}

	reg.EachDirty(func(e ecs.Entity, d *ecs.Dirty) {
		if !region[e] || rc.owned[e] {
			return
		}
		for _, t := range append(append([]ecs.TypeID(nil), d.Created...), d.Updated...) {
			if !comp.IsNetworked(t) || comp.IsTransient(t) {
				continue
			}
			v, ok := reg.GetAny(t, e)
			if !ok {
				continue
			}
			idx, started := poolIdx[t]
			if !started {
				pool, err := netpkt.PoolFor(t)
				if err != nil {
					continue
				}
				pools = append(pools, pool)
				idx = len(pools) - 1
				poolIdx[t] = idx
			}
			if err := pools[idx].AppendEntry(e, v); err != nil {
				s.cfg.Logger.Printf("general_snapshot for %v: %v", rc.Entity, err)
			}
		}
	})
	if len(pools) > 0 {
		s.send(rc, netpkt.GeneralSnapshot{Timestamp: now, Pools: pools})
	}
}

// updatePlayoutDelay recomputes the client's playout delay from the
// largest RTT among clients sharing its region and notifies on meaningful
// change.
func (s *Server) updatePlayoutDelay(rc *RemoteClient) {
	maxRTT := rc.rtt
	for _, other := range s.clients {
		if other == rc {
			continue
		}
		for e := range other.owned {
			if box, ok := ecs.Get[comp.AABB](s.coord.Registry(), comp.TypeAABB, e); ok && box.Value.Intersects(rc.aoiRegion) {
				if other.rtt > maxRTT {
					maxRTT = other.rtt
				}
				break
			}
		}
	}
	delay := maxRTT / 2 * s.cfg.PlayoutDelayMultiplier
	if abs(delay-rc.playoutDelay) > playoutDelayHysteresis {
		rc.playoutDelay = delay
		s.send(rc, netpkt.SetPlayoutDelay{Value: delay})
		lognet.PlayoutDelayChanged(context.Background(), s.cfg.Publisher,
			clientRef(rc.Entity), lognet.DelayPayload{Delay: delay})
	}
}

// regionFor centers the area of interest on the client's owned bodies, or
// on the origin before it owns anything.
func (s *Server) regionFor(rc *RemoteClient) vmath.AABB {
	reg := s.coord.Registry()
	center := vmath.Vec3{}
	count := 0
	for e := range rc.owned {
		if pos, ok := ecs.Get[comp.Position](reg, comp.TypePosition, e); ok {
			center = center.Add(pos.Value)
			count++
		}
	}
	if count > 0 {
		center = center.Scale(1 / float64(count))
	}
	he := s.cfg.AOIHalfExtent
	return vmath.AABBAround(center, vmath.Vec3{X: he, Y: he, Z: he})
}

func sortEntitiesByID(ents []ecs.Entity) {
	for i := 1; i < len(ents); i++ {
		for j := i; j > 0 && ents[j].ID < ents[j-1].ID; j-- {
			ents[j], ents[j-1] = ents[j-1], ents[j]
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
