package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/pkg/errors"

	"github.com/vllry/stop-usage/pkg/gis"
)

// class is the catalog entry of a feature class.
type class struct {
	name         string
	dataset      string
	geometryType string
	srid         int
	fields       []gis.Field
}

func (c *class) field(name string) (gis.Field, bool) {
	for _, f := range c.fields {
		if f.Name == name {
			return f, true
		}
	}
	return gis.Field{}, false
}

func loadClass(ctx context.Context, q querier, name string) (*class, error) {
	c := &class{name: name}
	err := q.QueryRowContext(ctx,
		"SELECT dataset, geometry_type, srid FROM gis_classes WHERE name = ?", name,
	).Scan(&c.dataset, &c.geometryType, &c.srid)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(gis.ErrNotFound, name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load class %s", name)
	}

	rows, err := q.QueryContext(ctx,
		"SELECT name, type, length FROM gis_fields WHERE class = ? ORDER BY position", name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load fields of %s", name)
	}
	defer rows.Close()

	for rows.Next() {
		var f gis.Field
		var typ string
		if err := rows.Scan(&f.Name, &typ, &f.Length); err != nil {
			return nil, err
		}
		f.Type = gis.FieldType(typ)
		c.fields = append(c.fields, f)
	}

	return c, rows.Err()
}

// createClass registers c in the catalog and creates its table. The dataset must exist.
func createClass(ctx context.Context, q querier, c *class) error {
	dataset, className, err := gis.SplitPath(c.name)
	if err != nil {
		return err
	}
	if className == "" {
		return errors.Wrapf(gis.ErrInvalidName, "%s is not a feature class name", c.name)
	}
	c.dataset = dataset

	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM gis_datasets WHERE name = ?", dataset).Scan(&n); err != nil {
		return errors.Wrapf(err, "failed to look up dataset %s", dataset)
	}
	if n == 0 {
		return errors.Wrapf(gis.ErrNotFound, "feature dataset %s", dataset)
	}

	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM gis_classes WHERE name = ?", c.name).Scan(&n); err != nil {
		return errors.Wrapf(err, "failed to look up class %s", c.name)
	}
	if n > 0 {
		return errors.Wrap(gis.ErrAlreadyExists, c.name)
	}

	_, err = q.ExecContext(ctx,
		"INSERT INTO gis_classes (name, dataset, geometry_type, srid) VALUES (?, ?, ?, ?)",
		c.name, c.dataset, c.geometryType, c.srid)
	if err != nil {
		return errors.Wrapf(err, "failed to register class %s", c.name)
	}

	columns := []string{"fid INTEGER PRIMARY KEY", "shape BLOB NOT NULL"}
	for i, f := range c.fields {
		_, err := q.ExecContext(ctx,
			"INSERT INTO gis_fields (class, position, name, type, length) VALUES (?, ?, ?, ?, ?)",
			c.name, i, f.Name, string(f.Type), f.Length)
		if err != nil {
			return errors.Wrapf(err, "failed to register field %s.%s", c.name, f.Name)
		}
		columns = append(columns, quoteIdent(f.Name)+" "+columnType(f.Type))
	}

	_, err = q.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(c.name), strings.Join(columns, ", ")))
	return errors.Wrapf(err, "failed to create table for %s", c.name)
}

func dropClass(ctx context.Context, q querier, name string) error {
	res, err := q.ExecContext(ctx, "DELETE FROM gis_classes WHERE name = ?", name)
	if err != nil {
		return errors.Wrapf(err, "failed to unregister %s", name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrap(gis.ErrNotFound, name)
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM gis_fields WHERE class = ?", name); err != nil {
		return errors.Wrapf(err, "failed to unregister fields of %s", name)
	}
	_, err = q.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name))
	return errors.Wrapf(err, "failed to drop %s", name)
}

func columnType(t gis.FieldType) string {
	switch t {
	case gis.Long:
		return "INTEGER"
	case gis.Double:
		return "REAL"
	default:
		return "TEXT"
	}
}

// loadFeatures reads the features of a layer in fid order.
func loadFeatures(ctx context.Context, q querier, layer gis.Layer) (*class, []gis.Feature, error) {
	c, err := loadClass(ctx, q, layer.Name)
	if err != nil {
		return nil, nil, err
	}

	columns := []string{"fid", "shape"}
	for _, f := range c.fields {
		columns = append(columns, quoteIdent(f.Name))
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(columns, ", "), quoteIdent(c.name))

	var args []any
	if layer.Where != nil {
		if _, ok := c.field(layer.Where.Field); !ok {
			return nil, nil, errors.Errorf("filter field %q not found in %s", layer.Where.Field, c.name)
		}
		query += fmt.Sprintf(" WHERE %s = ?", quoteIdent(layer.Where.Field))
		args = append(args, layer.Where.Value)
	}
	query += " ORDER BY fid"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read %s", c.name)
	}
	defer rows.Close()

	var features []gis.Feature
	for rows.Next() {
		var fid int64
		var shape []byte
		values := make([]any, len(c.fields))
		dest := []any{&fid, &shape}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to scan %s", c.name)
		}

		geom, err := wkb.Unmarshal(shape)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "%s fid %d: bad geometry", c.name, fid)
		}

		attrs := make(map[string]any, len(c.fields))
		for i, f := range c.fields {
			v, err := gis.Coerce(f.Type, values[i])
			if err != nil {
				return nil, nil, err
			}
			attrs[f.Name] = v
		}

		features = append(features, gis.Feature{ID: fid, Geometry: geom, Attributes: attrs})
	}

	return c, features, rows.Err()
}

// insertFeatures writes features into c, numbering them from 1 in slice order.
func insertFeatures(ctx context.Context, q querier, c *class, features []gis.Feature) error {
	placeholders := []string{"?", "?"}
	columns := []string{"fid", "shape"}
	for _, f := range c.fields {
		columns = append(columns, quoteIdent(f.Name))
		placeholders = append(placeholders, "?")
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(c.name), strings.Join(columns, ", "), strings.Join(placeholders, ", "))

	for i, feature := range features {
		shape, err := wkb.Marshal(feature.Geometry)
		if err != nil {
			return errors.Wrapf(err, "%s feature %d: cannot encode geometry", c.name, i+1)
		}

		args := []any{int64(i + 1), shape}
		for _, f := range c.fields {
			v, err := gis.Coerce(f.Type, feature.Attributes[f.Name])
			if err != nil {
				return errors.Wrapf(err, "%s feature %d field %s", c.name, i+1, f.Name)
			}
			args = append(args, v)
		}

		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrapf(err, "failed to insert into %s", c.name)
		}
	}

	return nil
}

func geometryType(g orb.Geometry) string {
	if g == nil {
		return "Geometry"
	}
	return g.GeoJSONType()
}
