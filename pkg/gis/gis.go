// Package gis describes the geoprocessing capabilities the stop-usage pipeline needs,
// independently of the engine that provides them.
package gis

import (
	"context"
	"strings"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

// WGS84 is the spatial reference used for everything this module creates.
const WGS84 = 4326

var (
	ErrNotFound      = errors.New("layer does not exist")
	ErrAlreadyExists = errors.New("layer already exists")
	ErrInvalidName   = errors.New("invalid layer name")
)

// Toolkit is a geoprocessing engine operating on a single workspace.
// Feature classes are addressed as "<dataset>/<class>", feature datasets by their bare name.
type Toolkit interface {
	// Exists reports whether a feature dataset or feature class exists.
	Exists(ctx context.Context, name string) (bool, error)
	// CreateFeatureDataset creates a grouping container with a fixed spatial reference.
	CreateFeatureDataset(ctx context.Context, name string, srid int) error
	// Tessellate creates one Thiessen polygon per point in source, copying its attributes.
	Tessellate(ctx context.Context, source, out string) error
	// PointsFromTable creates a point feature class with one feature per table row.
	PointsFromTable(ctx context.Context, table *Table, out, xField, yField string, srid int) error
	// FilterByAttribute returns a view over source restricted to features matching filter.
	FilterByAttribute(ctx context.Context, source string, filter Filter) (Layer, error)
	SpatialJoin(ctx context.Context, spec JoinSpec) error
	// ForEachRow calls fn for every feature of name with the values of fields,
	// and writes back the values fn returns.
	ForEachRow(ctx context.Context, name string, fields []string, fn UpdateFunc) error
	ReadFeatures(ctx context.Context, layer Layer, fn func(Feature) error) error
	// Scratch creates a transient workspace that is removed on Close.
	Scratch(ctx context.Context) (Scratch, error)
	Delete(ctx context.Context, name string) error
	Close() error
}

// Scratch is a transient dataset for intermediate layers.
type Scratch interface {
	Path(class string) string
	Close(ctx context.Context) error
}

// UpdateFunc receives the current values of the requested fields and returns the
// values to store. A nil value is a null.
type UpdateFunc func(values []any) []any

// Feature is a single record of a feature class.
type Feature struct {
	ID         int64
	Geometry   orb.Geometry
	Attributes map[string]any
}

// Filter selects features whose Field equals Value.
type Filter struct {
	Field string
	Value any
}

// Layer references a feature class, optionally narrowed by a filter. It never holds data.
type Layer struct {
	Name  string
	Where *Filter
}

// Class returns an unfiltered reference to name.
func Class(name string) Layer {
	return Layer{Name: name}
}

// Path joins a dataset and class name.
func Path(dataset, class string) string {
	return dataset + "/" + class
}

// SplitPath splits a layer name into dataset and class. Class is empty for datasets.
func SplitPath(name string) (dataset string, class string, err error) {
	parts := strings.Split(name, "/")
	for _, p := range parts {
		if p == "" {
			return "", "", errors.Wrap(ErrInvalidName, name)
		}
	}

	switch len(parts) {
	case 1:
		return parts[0], "", nil
	case 2:
		return parts[0], parts[1], nil
	default:
		return "", "", errors.Wrap(ErrInvalidName, name)
	}
}
