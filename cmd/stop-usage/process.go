package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vllry/stop-usage/pkg/gis"
	"github.com/vllry/stop-usage/pkg/period"
)

var (
	ErrMissingStops = errors.New("stops layer does not exist")
	ErrMissingTable = errors.New("no rider table provided")
)

// Stop layer attributes carried onto every stop-usage output.
const (
	stopIDField   = "StopId"
	stopNameField = "StopName"
)

type App struct {
	config AppConfig

	toolkit  gis.Toolkit
	tables   TableSource
	uploader Uploader
	notifier Notifier
	logger   *zap.Logger
}

// AppDeps are the collaborators of an App. Uploader and Notifier are optional.
type AppDeps struct {
	Toolkit  gis.Toolkit
	Tables   TableSource
	Uploader Uploader
	Notifier Notifier
	Logger   *zap.Logger
}

func NewApp(config AppConfig, deps AppDeps) *App {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &App{
		config:   config,
		toolkit:  deps.Toolkit,
		tables:   deps.Tables,
		uploader: deps.Uploader,
		notifier: deps.Notifier,
		logger:   logger,
	}
}

// RunReport records which layers a run created and which it found already present.
type RunReport struct {
	Tag        string    `json:"tag"`
	Label      string    `json:"label"`
	Created    []string  `json:"created"`
	Skipped    []string  `json:"skipped"`
	TableHash  string    `json:"tableHash,omitempty"`
	FinishedAt time.Time `json:"finishedAt"`
}

func (r *RunReport) create(name string) {
	r.Created = append(r.Created, name)
}

func (r *RunReport) skip(name string) {
	r.Skipped = append(r.Skipped, name)
}

// layout names every layer a month touches.
type layout struct {
	base   string
	period period.Period
}

func newLayout(base string, p period.Period) layout {
	return layout{base: base, period: p}
}

func (l layout) stops() string {
	return gis.Path(l.base, "Stops_"+l.period.Year)
}

func (l layout) thiessen() string {
	return gis.Path(l.base, "Thiessen_"+l.period.Year)
}

func (l layout) dataset() string {
	return l.period.Label()
}

func (l layout) raw() string {
	return gis.Path(l.dataset(), "UNPROCESSED_"+l.period.Suffix())
}

func (l layout) stopUsage(category string) string {
	return gis.Path(l.dataset(), fmt.Sprintf("%s_STOPS_%s", category, l.period.Suffix()))
}

type categoryView struct {
	label string
	layer gis.Layer
}

// Run aggregates one month of rider points onto the year's stops, one output per category.
// Layers that already exist are left alone unless the config asks to overwrite them.
// table may be empty when the month's raw points were imported by an earlier run.
func (app *App) Run(ctx context.Context, p period.Period, table string) (*RunReport, error) {
	l := newLayout(app.config.BaseDataset, p)
	report := &RunReport{
		Tag:   p.Tag(),
		Label: p.Label(),
	}
	app.logger.Info("processing month", zap.String("period", p.String()), zap.String("dataset", l.dataset()))

	if err := app.ensureBaseLayers(ctx, l, report); err != nil {
		return report, err
	}

	if err := app.ensureDataset(ctx, l.dataset(), report); err != nil {
		return report, errors.Wrap(err, "failed to create output dataset")
	}

	if err := app.importRaw(ctx, l, table, report); err != nil {
		return report, err
	}

	views, err := app.splitCategories(ctx, l)
	if err != nil {
		return report, err
	}

	for _, view := range views {
		if err := app.aggregate(ctx, l, view, report); err != nil {
			return report, errors.Wrapf(err, "failed to aggregate %s riders", view.label)
		}
	}

	report.FinishedAt = time.Now().UTC()
	app.logger.Info("month processed",
		zap.String("period", p.String()),
		zap.Strings("created", report.Created),
		zap.Strings("skipped", report.Skipped),
	)

	if app.notifier != nil {
		if err := app.notifier.Notify(ctx, report); err != nil {
			return report, errors.Wrap(err, "failed to publish run report")
		}
	}

	return report, nil
}

// ensureBaseLayers checks for the year's stops and derives their Thiessen polygons if needed.
func (app *App) ensureBaseLayers(ctx context.Context, l layout, report *RunReport) error {
	ok, err := app.toolkit.Exists(ctx, l.stops())
	if err != nil {
		return errors.Wrap(err, "failed to check stops layer")
	}
	if !ok {
		return errors.Wrap(ErrMissingStops, l.stops())
	}

	ok, err = app.toolkit.Exists(ctx, l.thiessen())
	if err != nil {
		return errors.Wrap(err, "failed to check thiessen layer")
	}
	if ok {
		report.skip(l.thiessen())
		return nil
	}

	app.logger.Info("creating thiessen polygons", zap.String("stops", l.stops()), zap.String("out", l.thiessen()))
	if err := app.toolkit.Tessellate(ctx, l.stops(), l.thiessen()); err != nil {
		return errors.Wrap(err, "failed to create thiessen polygons")
	}
	report.create(l.thiessen())
	return nil
}

func (app *App) ensureDataset(ctx context.Context, name string, report *RunReport) error {
	ok, err := app.toolkit.Exists(ctx, name)
	if err != nil {
		return err
	}
	if ok {
		report.skip(name)
		return nil
	}

	app.logger.Info("creating feature dataset", zap.String("dataset", name))
	if err := app.toolkit.CreateFeatureDataset(ctx, name, gis.WGS84); err != nil {
		return err
	}
	report.create(name)
	return nil
}

// importRaw turns the rider table into the month's point layer and archives the table.
func (app *App) importRaw(ctx context.Context, l layout, table string, report *RunReport) error {
	raw := l.raw()
	exists, err := app.toolkit.Exists(ctx, raw)
	if err != nil {
		return errors.Wrap(err, "failed to check raw layer")
	}
	if exists && (!app.config.Overwrite || table == "") {
		report.skip(raw)
		return nil
	}
	if table == "" {
		return errors.Wrap(ErrMissingTable, raw)
	}

	content, err := app.tables.Fetch(ctx, table)
	if err != nil {
		return errors.Wrap(err, "failed to fetch rider table")
	}

	_, class, _ := gis.SplitPath(raw)
	parsed, err := gis.ReadTable(class, bytes.NewReader(content))
	if err != nil {
		return errors.Wrap(err, "failed to parse rider table")
	}

	fields := app.config.Fields
	// Reject bad coordinates before anything in the workspace changes.
	if _, err := parsed.Points(fields.Lon, fields.Lat); err != nil {
		return errors.Wrap(err, "failed to import rider table")
	}

	// Archive before the raw layer exists; a later run skips the import and would never retry.
	if err := app.archive(ctx, l.period, content); err != nil {
		return errors.Wrap(err, "failed to archive rider table")
	}

	if exists {
		app.logger.Info("overwriting raw layer", zap.String("layer", raw))
		if err := app.toolkit.Delete(ctx, raw); err != nil {
			return errors.Wrap(err, "failed to delete raw layer")
		}
	}

	app.logger.Info("importing rider points", zap.String("table", table), zap.Int("rows", len(parsed.Rows)), zap.String("out", raw))
	if err := app.toolkit.PointsFromTable(ctx, parsed, raw, fields.Lon, fields.Lat, gis.WGS84); err != nil {
		return errors.Wrap(err, "failed to import rider table")
	}
	report.create(raw)
	report.TableHash = app.hash(content)
	return nil
}

// hash returns the sha256 hash of the content.
func (app *App) hash(content []byte) string {
	hash := sha256.Sum256(content)
	return fmt.Sprintf("%x", hash[:])
}

func (app *App) archive(ctx context.Context, p period.Period, content []byte) error {
	if app.uploader == nil || app.config.Archive.Bucket == "" {
		return nil
	}

	filename := p.Suffix() + ".csv"
	app.logger.Info("archiving rider table",
		zap.String("bucket", app.config.Archive.Bucket),
		zap.String("prefix", app.config.Archive.Prefix),
		zap.String("file", filename),
	)
	return app.uploader.Upload(ctx, app.config.Archive.Bucket, app.config.Archive.Prefix, filename, content)
}

func (app *App) splitCategories(ctx context.Context, l layout) ([]categoryView, error) {
	views := make([]categoryView, 0, len(app.config.Categories))
	for _, label := range app.config.Categories {
		layer, err := app.toolkit.FilterByAttribute(ctx, l.raw(), gis.Filter{Field: app.config.Fields.RiderType, Value: label})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to select %s riders", label)
		}
		views = append(views, categoryView{label: label, layer: layer})
	}
	return views, nil
}

// stopUsageFields maps stop identity from the target and rider attributes from the join.
func (app *App) stopUsageFields(count gis.MergeRule) []gis.FieldMap {
	riderType := app.config.Fields.RiderType
	countField := app.config.Fields.Count

	return []gis.FieldMap{
		{Field: gis.Field{Name: stopIDField, Type: gis.Long}, Rule: gis.First, Source: gis.FromTarget, SourceField: stopIDField},
		{Field: gis.Field{Name: stopNameField, Type: gis.Text, Length: 75}, Rule: gis.First, Source: gis.FromTarget, SourceField: stopNameField},
		{Field: gis.Field{Name: riderType, Type: gis.Text, Length: 8000}, Rule: gis.First, Source: gis.FromJoin, SourceField: riderType},
		{Field: gis.Field{Name: countField, Type: gis.Long}, Rule: count, Source: gis.FromJoin, SourceField: countField},
	}
}

// aggregate sums a category's riders per Thiessen polygon, carries the sums onto the stops,
// and fills stops without riders with a zero count.
func (app *App) aggregate(ctx context.Context, l layout, view categoryView, report *RunReport) (err error) {
	out := l.stopUsage(view.label)
	exists, err := app.toolkit.Exists(ctx, out)
	if err != nil {
		return errors.Wrap(err, "failed to check stop usage layer")
	}
	if exists && !app.config.Overwrite {
		report.skip(out)
		return nil
	}
	if exists {
		app.logger.Info("overwriting stop usage layer", zap.String("layer", out))
		if err := app.toolkit.Delete(ctx, out); err != nil {
			return errors.Wrap(err, "failed to delete stop usage layer")
		}
	}

	scratch, err := app.toolkit.Scratch(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to create scratch workspace")
	}
	defer func() {
		// Cleanup still runs when ctx has been cancelled.
		closeErr := scratch.Close(context.WithoutCancel(ctx))
		if closeErr == nil {
			return
		}
		app.logger.Warn("failed to remove scratch workspace", zap.Error(closeErr))
		if err == nil {
			err = errors.Wrap(closeErr, "failed to remove scratch workspace")
		}
	}()

	polygons := scratch.Path("out_thies")
	app.logger.Info("joining riders to thiessen polygons", zap.String("category", view.label))
	err = app.toolkit.SpatialJoin(ctx, gis.JoinSpec{
		Target:    gis.Class(l.thiessen()),
		Join:      view.layer,
		Out:       polygons,
		Predicate: gis.Contains,
		KeepAll:   true,
		Fields:    app.stopUsageFields(gis.Sum),
	})
	if err != nil {
		return errors.Wrap(err, "failed to join riders to thiessen polygons")
	}

	app.logger.Info("joining thiessen polygons to stops", zap.String("category", view.label), zap.String("out", out))
	err = app.toolkit.SpatialJoin(ctx, gis.JoinSpec{
		Target:    gis.Class(l.stops()),
		Join:      gis.Class(polygons),
		Out:       out,
		Predicate: gis.Within,
		KeepAll:   true,
		Fields:    app.stopUsageFields(gis.First),
	})
	if err != nil {
		return errors.Wrap(err, "failed to join thiessen polygons to stops")
	}

	filled, err := app.backfill(ctx, out, view.label)
	if err != nil {
		return errors.Wrap(err, "failed to fill stops without riders")
	}
	app.logger.Info("filled stops without riders", zap.String("layer", out), zap.Int("stops", filled))

	report.create(out)
	return nil
}

// backfill labels every row without a rider type with the category and a zero count.
// Rows whose riders all had an empty count also get a zero count.
func (app *App) backfill(ctx context.Context, out string, label string) (int, error) {
	filled := 0
	fields := []string{app.config.Fields.RiderType, app.config.Fields.Count}
	err := app.toolkit.ForEachRow(ctx, out, fields, func(values []any) []any {
		switch {
		case values[0] == nil:
			filled++
			return []any{label, int64(0)}
		case values[1] == nil:
			filled++
			return []any{values[0], int64(0)}
		default:
			return values
		}
	})
	return filled, err
}

// ImportStops loads a year's stops table into the base dataset. An existing stops layer is kept.
func (app *App) ImportStops(ctx context.Context, year string, table string) (*RunReport, error) {
	stops := gis.Path(app.config.BaseDataset, "Stops_"+year)
	report := &RunReport{Tag: year}

	if err := app.ensureDataset(ctx, app.config.BaseDataset, report); err != nil {
		return report, errors.Wrap(err, "failed to create base dataset")
	}

	ok, err := app.toolkit.Exists(ctx, stops)
	if err != nil {
		return report, errors.Wrap(err, "failed to check stops layer")
	}
	if ok {
		app.logger.Info("stops layer already exists", zap.String("layer", stops))
		report.skip(stops)
		return report, nil
	}
	if table == "" {
		return report, errors.Wrap(ErrMissingTable, stops)
	}

	content, err := app.tables.Fetch(ctx, table)
	if err != nil {
		return report, errors.Wrap(err, "failed to fetch stops table")
	}

	_, class, _ := gis.SplitPath(stops)
	parsed, err := gis.ReadTable(class, bytes.NewReader(content))
	if err != nil {
		return report, errors.Wrap(err, "failed to parse stops table")
	}
	for _, field := range []string{stopIDField, stopNameField} {
		if parsed.FieldIndex(field) < 0 {
			return report, errors.Errorf("stops table is missing column %s", field)
		}
	}

	app.logger.Info("importing stops", zap.String("table", table), zap.Int("stops", len(parsed.Rows)), zap.String("out", stops))
	err = app.toolkit.PointsFromTable(ctx, parsed, stops, app.config.Fields.Lon, app.config.Fields.Lat, gis.WGS84)
	if err != nil {
		return report, errors.Wrap(err, "failed to import stops")
	}
	report.create(stops)
	report.TableHash = app.hash(content)
	report.FinishedAt = time.Now().UTC()
	return report, nil
}
