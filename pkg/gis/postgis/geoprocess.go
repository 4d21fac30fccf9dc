package postgis

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vllry/stop-usage/pkg/gis"
)

func (w *Workspace) PointsFromTable(ctx context.Context, table *gis.Table, out, xField, yField string, srid int) error {
	points, err := table.Points(xField, yField)
	if err != nil {
		return err
	}
	ident, err := identifier(out)
	if err != nil {
		return err
	}

	columns := make([]column, len(table.Fields))
	names := []string{"fid", "geom"}
	placeholders := []string{"$1", fmt.Sprintf("ST_SetSRID(ST_MakePoint($2, $3), %d)", srid)}
	for i, f := range table.Fields {
		columns[i] = column{name: f.Name, sqlType: sqlType(f)}
		names = append(names, pgx.Identifier{f.Name}.Sanitize())
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+4))
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", ident, strings.Join(names, ", "), strings.Join(placeholders, ", "))

	err = pgx.BeginFunc(ctx, w.pool, func(tx pgx.Tx) error {
		if err := createTable(ctx, tx, out, "POINT", srid, columns); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for i, p := range points {
			args := append([]any{int64(i + 1), p[0], p[1]}, table.Rows[i]...)
			batch.Queue(insert, args...)
		}

		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return errors.Wrapf(err, "failed to insert row %d into %s", i+1, out)
			}
		}
		return errors.Wrap(results.Close(), "failed to finish batch insert")
	})
	if err != nil {
		return err
	}

	w.logger.Debug("points created from table", zap.String("table", table.Name), zap.String("out", out), zap.Int("rows", len(points)))
	return nil
}

func (w *Workspace) Tessellate(ctx context.Context, source, out string) error {
	return pgx.BeginFunc(ctx, w.pool, func(tx pgx.Tx) error {
		src, err := loadClass(ctx, tx, source)
		if err != nil {
			return err
		}
		if !strings.EqualFold(src.geometryType, "POINT") {
			return errors.Errorf("%s: tessellation needs point features, got %s", source, src.geometryType)
		}
		if err := createTable(ctx, tx, out, "POLYGON", src.srid, src.columns); err != nil {
			return err
		}

		names := []string{"fid", "geom"}
		values := []string{"s.fid", "v.geom"}
		for _, col := range src.columns {
			ident := pgx.Identifier{col.name}.Sanitize()
			names = append(names, ident)
			values = append(values, "s."+ident)
		}
		outIdent, _ := identifier(out)

		// Every stop is matched to the cell it generated; coincident stops share one.
		_, err = tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %[1]s (%[2]s)
			SELECT DISTINCT ON (s.fid) %[3]s
			FROM %[4]s s
			JOIN (
				SELECT (ST_Dump(ST_VoronoiPolygons(ST_Collect(geom)))).geom AS geom FROM %[4]s
			) v ON ST_Intersects(s.geom, v.geom)
			ORDER BY s.fid`,
			outIdent, strings.Join(names, ", "), strings.Join(values, ", "), src.ident))
		if err != nil {
			return errors.Wrapf(err, "failed to tessellate %s", source)
		}

		var shared int
		err = tx.QueryRow(ctx, fmt.Sprintf(
			"SELECT count(*) - count(DISTINCT ST_AsBinary(geom)) FROM %s", src.ident)).Scan(&shared)
		if err != nil {
			return errors.Wrapf(err, "failed to check %s for coincident sites", source)
		}
		if shared > 0 {
			w.logger.Warn("coincident sites share one thiessen cell", zap.String("source", source), zap.Int("sites", shared))
		}
		return nil
	})
}

func (w *Workspace) FilterByAttribute(ctx context.Context, source string, filter gis.Filter) (gis.Layer, error) {
	c, err := loadClass(ctx, w.pool, source)
	if err != nil {
		return gis.Layer{}, err
	}
	if _, ok := c.column(filter.Field); !ok {
		return gis.Layer{}, errors.Errorf("filter field %q not found in %s", filter.Field, source)
	}

	return gis.Layer{Name: source, Where: &filter}, nil
}

func (w *Workspace) SpatialJoin(ctx context.Context, spec gis.JoinSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, w.pool, func(tx pgx.Tx) error {
		target, err := loadClass(ctx, tx, spec.Target.Name)
		if err != nil {
			return err
		}
		join, err := loadClass(ctx, tx, spec.Join.Name)
		if err != nil {
			return err
		}

		b := &binder{}
		targetRel, err := relation(target, spec.Target, b.bind)
		if err != nil {
			return err
		}
		joinRel, err := relation(join, spec.Join, b.bind)
		if err != nil {
			return err
		}

		columns := make([]column, len(spec.Fields))
		names := []string{"fid", "geom"}
		exprs := []string{"t.fid", "(array_agg(t.geom))[1]"}
		for i, fm := range spec.Fields {
			src, alias := target, "t"
			if fm.Source == gis.FromJoin {
				src, alias = join, "j"
			}
			if _, ok := src.column(fm.SourceField); !ok {
				return errors.Errorf("field %q not found in %s", fm.SourceField, src.name)
			}

			columns[i] = column{name: fm.Name, sqlType: sqlType(fm.Field)}
			names = append(names, pgx.Identifier{fm.Name}.Sanitize())
			exprs = append(exprs, mergeExpr(fm, alias))
		}

		if err := createTable(ctx, tx, spec.Out, target.geometryType, target.srid, columns); err != nil {
			return err
		}

		joinType := "JOIN"
		if spec.KeepAll {
			joinType = "LEFT JOIN"
		}
		predicate := "ST_Contains(t.geom, j.geom)"
		if spec.Predicate == gis.Within {
			predicate = "ST_Within(t.geom, j.geom)"
		}
		outIdent, _ := identifier(spec.Out)

		query := fmt.Sprintf(`
			INSERT INTO %s (%s)
			SELECT %s
			FROM %s t %s %s j ON %s
			GROUP BY t.fid
			ORDER BY t.fid`,
			outIdent, strings.Join(names, ", "), strings.Join(exprs, ", "),
			targetRel, joinType, joinRel, predicate)

		_, err = tx.Exec(ctx, query, b.args...)
		return errors.Wrapf(err, "failed to join %s onto %s", spec.Join.Name, spec.Target.Name)
	})
}

// mergeExpr renders the aggregate computing fm over the rows grouped per target feature.
// Nulls are skipped and no matches yield null.
func mergeExpr(fm gis.FieldMap, alias string) string {
	col := alias + "." + pgx.Identifier{fm.SourceField}.Sanitize()
	cast := sqlType(fm.Field)

	if fm.Rule == gis.Sum {
		return fmt.Sprintf("sum(%s)::%s", col, cast)
	}
	order := alias + ".fid"
	return fmt.Sprintf("((array_agg(%s ORDER BY %s) FILTER (WHERE %s IS NOT NULL))[1])::%s", col, order, col, cast)
}

func (w *Workspace) ForEachRow(ctx context.Context, name string, fields []string, fn gis.UpdateFunc) error {
	return pgx.BeginFunc(ctx, w.pool, func(tx pgx.Tx) error {
		c, err := loadClass(ctx, tx, name)
		if err != nil {
			return err
		}

		types := make([]gis.FieldType, len(fields))
		columns := make([]string, len(fields))
		assignments := make([]string, len(fields))
		for i, field := range fields {
			col, ok := c.column(field)
			if !ok {
				return errors.Errorf("field %q not found in %s", field, name)
			}
			types[i] = fieldType(col.sqlType)
			columns[i] = pgx.Identifier{field}.Sanitize()
			assignments[i] = fmt.Sprintf("%s = $%d", columns[i], i+1)
		}

		rows, err := tx.Query(ctx, fmt.Sprintf("SELECT fid, %s FROM %s ORDER BY fid FOR UPDATE",
			strings.Join(columns, ", "), c.ident))
		if err != nil {
			return errors.Wrapf(err, "failed to read %s", name)
		}

		type row struct {
			fid    int64
			values []any
		}
		var all []row
		for rows.Next() {
			raw, err := rows.Values()
			if err != nil {
				rows.Close()
				return errors.Wrapf(err, "failed to scan %s", name)
			}
			r := row{fid: raw[0].(int64), values: make([]any, len(fields))}
			for i := range fields {
				if r.values[i], err = gis.Coerce(types[i], raw[i+1]); err != nil {
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

		update := fmt.Sprintf("UPDATE %s SET %s WHERE fid = $%d", c.ident, strings.Join(assignments, ", "), len(fields)+1)
		for _, r := range all {
			updated := fn(append([]any(nil), r.values...))
			if len(updated) != len(fields) {
				return errors.Errorf("update of %s fid %d returned %d values for %d fields", name, r.fid, len(updated), len(fields))
			}

			changed := false
			args := make([]any, 0, len(fields)+1)
			for i, v := range updated {
				v, err := gis.Coerce(types[i], v)
				if err != nil {
					return errors.Wrapf(err, "%s fid %d field %s", name, r.fid, fields[i])
				}
				if v != r.values[i] {
					changed = true
				}
				args = append(args, v)
			}
			if !changed {
				continue
			}

			if _, err := tx.Exec(ctx, update, append(args, r.fid)...); err != nil {
				return errors.Wrapf(err, "failed to update %s fid %d", name, r.fid)
			}
		}

		return nil
	})
}

func (w *Workspace) ReadFeatures(ctx context.Context, layer gis.Layer, fn func(gis.Feature) error) error {
	c, err := loadClass(ctx, w.pool, layer.Name)
	if err != nil {
		return err
	}

	b := &binder{}
	rel, err := relation(c, layer, b.bind)
	if err != nil {
		return err
	}

	columns := []string{"l.fid", "ST_AsBinary(l.geom)"}
	for _, col := range c.columns {
		columns = append(columns, "l."+pgx.Identifier{col.name}.Sanitize())
	}

	rows, err := w.pool.Query(ctx, fmt.Sprintf("SELECT %s FROM %s l ORDER BY l.fid", strings.Join(columns, ", "), rel), b.args...)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", layer.Name)
	}
	defer rows.Close()

	for rows.Next() {
		raw, err := rows.Values()
		if err != nil {
			return errors.Wrapf(err, "failed to scan %s", layer.Name)
		}

		shape, ok := raw[1].([]byte)
		if !ok {
			return errors.Errorf("%s: unexpected geometry encoding %T", layer.Name, raw[1])
		}
		geom, err := wkb.Unmarshal(shape)
		if err != nil {
			return errors.Wrapf(err, "%s: bad geometry", layer.Name)
		}

		attrs := make(map[string]any, len(c.columns))
		for i, col := range c.columns {
			v, err := gis.Coerce(fieldType(col.sqlType), raw[i+2])
			if err != nil {
				return err
			}
			attrs[col.name] = v
		}

		if err := fn(gis.Feature{ID: raw[0].(int64), Geometry: geom, Attributes: attrs}); err != nil {
			return err
		}
	}

	return rows.Err()
}
