package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vllry/stop-usage/pkg/gis"
	"github.com/vllry/stop-usage/pkg/period"
)

// Export writes each category's stop usage layer for the month to dir as GeoJSON.
// Categories without a layer are skipped. It returns the files written.
func (app *App) Export(ctx context.Context, p period.Period, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create export directory")
	}

	l := newLayout(app.config.BaseDataset, p)
	var written []string
	for _, category := range app.config.Categories {
		layer := l.stopUsage(category)
		ok, err := app.toolkit.Exists(ctx, layer)
		if err != nil {
			return written, errors.Wrapf(err, "failed to check %s", layer)
		}
		if !ok {
			app.logger.Warn("nothing to export", zap.String("layer", layer))
			continue
		}

		fc, err := app.featureCollection(ctx, layer)
		if err != nil {
			return written, err
		}

		b, err := fc.MarshalJSON()
		if err != nil {
			return written, errors.Wrapf(err, "failed to encode %s", layer)
		}

		_, class, _ := gis.SplitPath(layer)
		filename := filepath.Join(dir, class+".geojson")
		if err := os.WriteFile(filename, b, 0o644); err != nil {
			return written, errors.Wrapf(err, "failed to write %s", filename)
		}

		app.logger.Info("exported layer", zap.String("layer", layer), zap.String("file", filename), zap.Int("features", len(fc.Features)))
		written = append(written, filename)
	}

	return written, nil
}

func (app *App) featureCollection(ctx context.Context, layer string) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	err := app.toolkit.ReadFeatures(ctx, gis.Class(layer), func(f gis.Feature) error {
		feature := geojson.NewFeature(f.Geometry)
		feature.ID = f.ID
		if f.Attributes != nil {
			feature.Properties = geojson.Properties(f.Attributes)
		}
		fc.Append(feature)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", layer)
	}
	return fc, nil
}
