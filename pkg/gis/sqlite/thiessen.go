package sqlite

import (
	"math"

	"github.com/paulmach/orb"
)

// thiessen returns the planar Voronoi cell of every site, clipped to the sites'
// bounding box padded by its larger side. Coincident sites share the same cell.
func thiessen(sites []orb.Point) []orb.Polygon {
	cells := make([]orb.Polygon, len(sites))
	if len(sites) == 0 {
		return cells
	}

	bound := orb.MultiPoint(sites).Bound()
	pad := math.Max(bound.Max[0]-bound.Min[0], bound.Max[1]-bound.Min[1])
	if pad == 0 {
		pad = 1
	}
	frame := bound.Pad(pad).ToRing()

	for i, site := range sites {
		ring := append(orb.Ring(nil), frame...)
		for j, other := range sites {
			if i == j || other.Equal(site) {
				continue
			}
			ring = clipCloser(ring, site, other)
			if len(ring) == 0 {
				break
			}
		}
		cells[i] = orb.Polygon{ring}
	}

	return cells
}

// clipCloser keeps the part of a closed convex ring that is at least as close to
// site as to other (Sutherland-Hodgman against the perpendicular bisector).
func clipCloser(ring orb.Ring, site, other orb.Point) orb.Ring {
	a := orb.Point{other[0] - site[0], other[1] - site[1]}
	c := (other[0]*other[0] + other[1]*other[1] - site[0]*site[0] - site[1]*site[1]) / 2
	side := func(p orb.Point) float64 {
		return a[0]*p[0] + a[1]*p[1] - c
	}

	vertices := ring
	if len(vertices) > 1 && vertices[0].Equal(vertices[len(vertices)-1]) {
		vertices = vertices[:len(vertices)-1]
	}

	var out orb.Ring
	for k, cur := range vertices {
		next := vertices[(k+1)%len(vertices)]
		fc, fn := side(cur), side(next)

		if fc <= 0 {
			out = append(out, cur)
		}
		if (fc < 0 && fn > 0) || (fc > 0 && fn < 0) {
			t := fc / (fc - fn)
			out = append(out, orb.Point{
				cur[0] + t*(next[0]-cur[0]),
				cur[1] + t*(next[1]-cur[1]),
			})
		}
	}

	if len(out) < 3 {
		return nil
	}
	return append(out, out[0])
}
