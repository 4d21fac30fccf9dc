package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vllry/stop-usage/pkg/gis"
)

func (w *Workspace) PointsFromTable(ctx context.Context, table *gis.Table, out, xField, yField string, srid int) error {
	points, err := table.Points(xField, yField)
	if err != nil {
		return err
	}

	features := make([]gis.Feature, len(points))
	for i, p := range points {
		attrs := make(map[string]any, len(table.Fields))
		for j, f := range table.Fields {
			attrs[f.Name] = table.Rows[i][j]
		}
		features[i] = gis.Feature{Geometry: p, Attributes: attrs}
	}

	c := &class{
		name:         out,
		geometryType: "Point",
		srid:         srid,
		fields:       table.Fields,
	}

	err = w.transaction(ctx, func(tx *sql.Tx) error {
		if err := createClass(ctx, tx, c); err != nil {
			return err
		}
		return insertFeatures(ctx, tx, c, features)
	})
	if err != nil {
		return err
	}

	w.logger.Debug("points created from table", zap.String("table", table.Name), zap.String("out", out), zap.Int("rows", len(features)))
	return nil
}

func (w *Workspace) Tessellate(ctx context.Context, source, out string) error {
	return w.transaction(ctx, func(tx *sql.Tx) error {
		src, features, err := loadFeatures(ctx, tx, gis.Class(source))
		if err != nil {
			return err
		}

		sites := make([]orb.Point, len(features))
		for i, f := range features {
			p, ok := f.Geometry.(orb.Point)
			if !ok {
				return errors.Errorf("%s: tessellation needs point features, got %s", source, geometryType(f.Geometry))
			}
			sites[i] = p
		}

		seen := make(map[orb.Point]int64, len(sites))
		for i, p := range sites {
			if first, ok := seen[p]; ok {
				w.logger.Warn("coincident sites share one thiessen cell",
					zap.String("source", source), zap.Int64("fid", features[i].ID), zap.Int64("sharesWith", first))
				continue
			}
			seen[p] = features[i].ID
		}

		cells := thiessen(sites)
		for i := range features {
			features[i].Geometry = cells[i]
		}

		c := &class{
			name:         out,
			geometryType: "Polygon",
			srid:         src.srid,
			fields:       src.fields,
		}
		if err := createClass(ctx, tx, c); err != nil {
			return err
		}
		return insertFeatures(ctx, tx, c, features)
	})
}

func (w *Workspace) FilterByAttribute(ctx context.Context, source string, filter gis.Filter) (gis.Layer, error) {
	c, err := loadClass(ctx, w.db, source)
	if err != nil {
		return gis.Layer{}, err
	}
	if _, ok := c.field(filter.Field); !ok {
		return gis.Layer{}, errors.Errorf("filter field %q not found in %s", filter.Field, source)
	}

	return gis.Layer{Name: source, Where: &filter}, nil
}

func (w *Workspace) SpatialJoin(ctx context.Context, spec gis.JoinSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	return w.transaction(ctx, func(tx *sql.Tx) error {
		target, targets, err := loadFeatures(ctx, tx, spec.Target)
		if err != nil {
			return err
		}
		join, joins, err := loadFeatures(ctx, tx, spec.Join)
		if err != nil {
			return err
		}

		out := &class{
			name:         spec.Out,
			geometryType: target.geometryType,
			srid:         target.srid,
		}
		for _, fm := range spec.Fields {
			src := target
			if fm.Source == gis.FromJoin {
				src = join
			}
			if _, ok := src.field(fm.SourceField); !ok {
				return errors.Errorf("field %q not found in %s", fm.SourceField, src.name)
			}
			out.fields = append(out.fields, fm.Field)
		}

		var results []gis.Feature
		for _, t := range targets {
			var matched []gis.Feature
			for _, j := range joins {
				ok, err := evaluate(spec.Predicate, t.Geometry, j.Geometry)
				if err != nil {
					return err
				}
				if ok {
					matched = append(matched, j)
				}
			}
			if len(matched) == 0 && !spec.KeepAll {
				continue
			}

			attrs := make(map[string]any, len(spec.Fields))
			for _, fm := range spec.Fields {
				var values []any
				if fm.Source == gis.FromTarget {
					values = []any{t.Attributes[fm.SourceField]}
				} else {
					for _, m := range matched {
						values = append(values, m.Attributes[fm.SourceField])
					}
				}

				v, err := gis.Merge(fm.Rule, fm.Type, values)
				if err != nil {
					return errors.Wrapf(err, "field %s", fm.Name)
				}
				attrs[fm.Name] = v
			}

			results = append(results, gis.Feature{Geometry: t.Geometry, Attributes: attrs})
		}

		if err := createClass(ctx, tx, out); err != nil {
			return err
		}
		return insertFeatures(ctx, tx, out, results)
	})
}

// evaluate reports whether target and join satisfy predicate.
func evaluate(predicate gis.Predicate, target, join orb.Geometry) (bool, error) {
	switch predicate {
	case gis.Contains:
		return contains(target, join)
	case gis.Within:
		return contains(join, target)
	default:
		return false, errors.Errorf("unsupported spatial predicate %q", predicate)
	}
}

// contains supports point-in-polygon and point-on-point tests, which is all
// the tessellation based joins need.
func contains(outer, inner orb.Geometry) (bool, error) {
	pt, ok := inner.(orb.Point)
	if !ok {
		return false, errors.Errorf("containment of %s is not supported", geometryType(inner))
	}

	// Boundary points are not contained, matching ST_Contains. A point on an edge
	// shared by two cells is counted by neither.
	switch g := outer.(type) {
	case orb.Polygon:
		return polygonInterior(g, pt), nil
	case orb.MultiPolygon:
		for _, p := range g {
			if polygonInterior(p, pt) {
				return true, nil
			}
		}
		return false, nil
	case orb.Point:
		return g.Equal(pt), nil
	default:
		return false, errors.Errorf("containment by %s is not supported", geometryType(outer))
	}
}

// boundaryTolerance is the distance, in coordinate units, within which a point counts
// as lying on a polygon edge.
const boundaryTolerance = 1e-9

func polygonInterior(p orb.Polygon, pt orb.Point) bool {
	if len(p) == 0 || onBoundary(p, pt) {
		return false
	}
	return planar.PolygonContains(p, pt)
}

// onBoundary reports whether pt lies on a segment of any ring of p.
func onBoundary(p orb.Polygon, pt orb.Point) bool {
	for _, ring := range p {
		for i := range ring {
			if onSegment(ring[i], ring[(i+1)%len(ring)], pt) {
				return true
			}
		}
	}
	return false
}

func onSegment(a, b, pt orb.Point) bool {
	dx, dy := b[0]-a[0], b[1]-a[1]
	length := math.Hypot(dx, dy)
	if length == 0 {
		return math.Hypot(pt[0]-a[0], pt[1]-a[1]) <= boundaryTolerance
	}

	// Distance from the segment's line, then the projection must fall inside the segment.
	cross := dx*(pt[1]-a[1]) - dy*(pt[0]-a[0])
	if math.Abs(cross)/length > boundaryTolerance {
		return false
	}
	dot := dx*(pt[0]-a[0]) + dy*(pt[1]-a[1])
	return dot >= -boundaryTolerance*length && dot <= length*length+boundaryTolerance*length
}

func (w *Workspace) ForEachRow(ctx context.Context, name string, fields []string, fn gis.UpdateFunc) error {
	return w.transaction(ctx, func(tx *sql.Tx) error {
		c, err := loadClass(ctx, tx, name)
		if err != nil {
			return err
		}

		types := make([]gis.FieldType, len(fields))
		columns := make([]string, len(fields))
		assignments := make([]string, len(fields))
		for i, field := range fields {
			f, ok := c.field(field)
			if !ok {
				return errors.Errorf("field %q not found in %s", field, c.name)
			}
			types[i] = f.Type
			columns[i] = quoteIdent(field)
			assignments[i] = quoteIdent(field) + " = ?"
		}

		rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT fid, %s FROM %s ORDER BY fid",
			strings.Join(columns, ", "), quoteIdent(c.name)))
		if err != nil {
			return errors.Wrapf(err, "failed to read %s", c.name)
		}

		type row struct {
			fid    int64
			values []any
		}
		var all []row
		for rows.Next() {
			r := row{values: make([]any, len(fields))}
			dest := []any{&r.fid}
			for i := range r.values {
				dest = append(dest, &r.values[i])
			}
			if err := rows.Scan(dest...); err != nil {
				rows.Close()
				return errors.Wrapf(err, "failed to scan %s", c.name)
			}
			for i := range r.values {
				if r.values[i], err = gis.Coerce(types[i], r.values[i]); err != nil {
					rows.Close()
					return err
				}
			}
			all = append(all, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		update := fmt.Sprintf("UPDATE %s SET %s WHERE fid = ?", quoteIdent(c.name), strings.Join(assignments, ", "))
		for _, r := range all {
			current := append([]any(nil), r.values...)
			updated := fn(current)
			if len(updated) != len(fields) {
				return errors.Errorf("update of %s fid %d returned %d values for %d fields", c.name, r.fid, len(updated), len(fields))
			}

			changed := false
			args := make([]any, 0, len(fields)+1)
			for i, v := range updated {
				v, err := gis.Coerce(types[i], v)
				if err != nil {
					return errors.Wrapf(err, "%s fid %d field %s", c.name, r.fid, fields[i])
				}
				if v != r.values[i] {
					changed = true
				}
				args = append(args, v)
			}
			if !changed {
				continue
			}

			if _, err := tx.ExecContext(ctx, update, append(args, r.fid)...); err != nil {
				return errors.Wrapf(err, "failed to update %s fid %d", c.name, r.fid)
			}
		}

		return nil
	})
}

func (w *Workspace) ReadFeatures(ctx context.Context, layer gis.Layer, fn func(gis.Feature) error) error {
	_, features, err := loadFeatures(ctx, w.db, layer)
	if err != nil {
		return err
	}

	for _, f := range features {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
