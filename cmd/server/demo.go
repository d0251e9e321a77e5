package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/go-gl/mathgl/mgl64"

	"portalskies.ai/internal/persistence/snapshot"
	"portalskies.ai/internal/sim/geom"
	"portalskies.ai/internal/sim/host"
	"portalskies.ai/internal/sim/logic/mathx"
	"portalskies.ai/internal/sim/memhost"
	"portalskies.ai/internal/sim/routing"
)

// loadWorld restores the world saved at path, falling back to a freshly built
// demo world when there is no snapshot or fresh is set.
func loadWorld(path string, routes routing.Config, fresh bool) (*memhost.World, bool, error) {
	if !fresh {
		snap, err := snapshot.ReadSnapshot(path)
		switch {
		case err == nil:
			w, err := memhost.Restore(snap)
			if err != nil {
				return nil, false, fmt.Errorf("restore %s: %w", path, err)
			}
			for _, p := range routes.Partitions {
				if w.P(partitionID(p.ID)) == nil {
					return nil, false, fmt.Errorf("snapshot %s lacks partition %s", path, p.ID)
				}
			}
			return w, true, nil
		case !errors.Is(err, fs.ErrNotExist):
			return nil, false, fmt.Errorf("read snapshot: %w", err)
		}
	}
	w, err := buildDemoWorld(routes)
	return w, false, err
}

// buildDemoWorld lays out one partition per configured partition, a framed
// aperture on each side of the first route and a ship flying into it.
func buildDemoWorld(routes routing.Config) (*memhost.World, error) {
	if len(routes.Routes) == 0 {
		return nil, fmt.Errorf("no routes configured")
	}
	w := memhost.New()
	for _, p := range routes.Partitions {
		w.AddPartition(partitionID(p.ID), p.MinY, p.MaxY)
	}

	r := routes.Routes[0]
	from, to := w.P(partitionID(r.From)), w.P(partitionID(r.To))
	if from == nil || to == nil {
		return nil, fmt.Errorf("route %s -> %s references unknown partitions", r.From, r.To)
	}

	fromMin, fromMax := from.HeightRange()
	srcY := mathx.ClampInt(70, fromMin+2, fromMax-8)
	from.BuildAperture(geom.Vec3i{X: 0, Y: srcY, Z: 0}, geom.AxisX, 6, 6)

	toMin, toMax := to.HeightRange()
	dstY := srcY
	if r.SearchY != nil {
		dstY = *r.SearchY
	}
	dstY = mathx.ClampInt(dstY, toMin+2, toMax-8)
	scale := r.Scale
	if scale <= 0 {
		scale = 1
	}
	dstX := int(3 * scale)
	to.BuildAperture(geom.Vec3i{X: dstX, Y: dstY, Z: 0}, geom.AxisX, 6, 6)

	shipPos := mgl64.Vec3{3, float64(srcY) + 2.5, -12}
	w.AddBody(host.BodyState{
		ID:        1,
		Partition: from.ID(),
		Hull:      geom.Hull{Min: geom.Vec3i{X: -2, Z: -2}, Max: geom.Vec3i{X: 2, Y: 4, Z: 2}},
		Pose:      geom.Pose{Position: shipPos, Rotation: mgl64.QuatIdent()},
		Velocity:  mgl64.Vec3{0, 0, 0.2},
	})

	w.AddEntity(host.EntityState{
		Partition: from.ID(),
		Kind:      "player",
		Tags:      host.TagPlayer,
		Alive:     true,
		Position:  shipPos.Add(mgl64.Vec3{0, 0.5, 1}),
	})
	boat := w.AddEntity(host.EntityState{
		Partition: from.ID(),
		Kind:      "boat",
		Tags:      host.TagRideable,
		Alive:     true,
		Position:  shipPos.Add(mgl64.Vec3{-1, -1.5, -1}),
	})
	cow := w.AddEntity(host.EntityState{
		Partition: from.ID(),
		Kind:      "cow",
		Alive:     true,
		Position:  shipPos.Add(mgl64.Vec3{-1, -1, -1}),
	})
	w.Mount(cow, boat)
	return w, nil
}

func partitionID(id string) host.PartitionID { return host.PartitionID(id) }

