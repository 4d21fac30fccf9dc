package postgis

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/vllry/stop-usage/pkg/gis"
)

type column struct {
	name    string
	sqlType string
}

// class describes an existing feature class table.
type class struct {
	name         string
	ident        string
	geometryType string
	srid         int
	columns      []column // attribute columns, without fid and geom
}

func (c *class) column(name string) (column, bool) {
	for _, col := range c.columns {
		if col.name == name {
			return col, true
		}
	}
	return column{}, false
}

func loadClass(ctx context.Context, q querier, name string) (*class, error) {
	dataset, className, err := gis.SplitPath(name)
	if err != nil {
		return nil, err
	}
	ident, err := identifier(name)
	if err != nil {
		return nil, err
	}

	c := &class{name: name, ident: ident}
	err = q.QueryRow(ctx,
		"SELECT type, srid FROM geometry_columns WHERE f_table_schema = $1 AND f_table_name = $2 AND f_geometry_column = 'geom'",
		dataset, className,
	).Scan(&c.geometryType, &c.srid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(gis.ErrNotFound, name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load class %s", name)
	}

	rows, err := q.Query(ctx, `
		SELECT a.attname, format_type(a.atttypid, a.atttypmod)
		FROM pg_attribute a
		WHERE a.attrelid = $1::regclass AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`, ident)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load columns of %s", name)
	}
	defer rows.Close()

	for rows.Next() {
		var col column
		if err := rows.Scan(&col.name, &col.sqlType); err != nil {
			return nil, err
		}
		if col.name == "fid" || col.name == "geom" {
			continue
		}
		c.columns = append(c.columns, col)
	}

	return c, rows.Err()
}

// createTable creates an empty feature class table. The dataset must be registered.
func createTable(ctx context.Context, q querier, name, geometryType string, srid int, columns []column) error {
	dataset, _, err := gis.SplitPath(name)
	if err != nil {
		return err
	}
	ident, err := identifier(name)
	if err != nil {
		return err
	}

	ok, err := datasetExists(ctx, q, dataset)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(gis.ErrNotFound, "feature dataset %s", dataset)
	}
	ok, err = classExists(ctx, q, name)
	if err != nil {
		return err
	}
	if ok {
		return errors.Wrap(gis.ErrAlreadyExists, name)
	}

	defs := []string{
		"fid bigint PRIMARY KEY",
		fmt.Sprintf("geom geometry(%s, %d) NOT NULL", geometryType, srid),
	}
	for _, col := range columns {
		defs = append(defs, pgx.Identifier{col.name}.Sanitize()+" "+col.sqlType)
	}

	_, err = q.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", ident, strings.Join(defs, ", ")))
	return errors.Wrapf(err, "failed to create table for %s", name)
}

func sqlType(f gis.Field) string {
	switch f.Type {
	case gis.Long:
		return "bigint"
	case gis.Double:
		return "double precision"
	default:
		if f.Length > 0 {
			return fmt.Sprintf("varchar(%d)", f.Length)
		}
		return "text"
	}
}

// fieldType maps a postgres column type back to the attribute model.
func fieldType(sqlType string) gis.FieldType {
	switch {
	case sqlType == "bigint" || sqlType == "integer" || sqlType == "smallint":
		return gis.Long
	case sqlType == "double precision" || sqlType == "real" || strings.HasPrefix(sqlType, "numeric"):
		return gis.Double
	default:
		return gis.Text
	}
}

// relation renders a layer as a FROM item, binding its filter value through bind.
func relation(c *class, layer gis.Layer, bind func(any) string) (string, error) {
	if layer.Where == nil {
		return c.ident, nil
	}
	if _, ok := c.column(layer.Where.Field); !ok {
		return "", errors.Errorf("filter field %q not found in %s", layer.Where.Field, c.name)
	}
	return fmt.Sprintf("(SELECT * FROM %s WHERE %s = %s)",
		c.ident, pgx.Identifier{layer.Where.Field}.Sanitize(), bind(layer.Where.Value)), nil
}

// binder numbers positional parameters in the order they are bound.
type binder struct {
	args []any
}

func (b *binder) bind(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}
