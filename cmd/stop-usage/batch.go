package main

import (
	"context"
	"io/fs"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vllry/stop-usage/pkg/period"
)

// Archived rider tables are named <YYYY>_<MM>.csv.
var batchFilePattern = regexp.MustCompile(`^(\d{4})_(\d{2})\.csv$`)

type BatchEntry struct {
	Period period.Period
	Path   string
}

// CollectBatch walks root for rider tables named like archived ones, oldest month first.
func CollectBatch(root string) ([]BatchEntry, error) {
	var entries []BatchEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		m := batchFilePattern.FindStringSubmatch(d.Name())
		if m == nil {
			return nil
		}
		p, err := period.Parse(m[1], m[2])
		if err != nil {
			return errors.Wrap(err, path)
		}
		entries = append(entries, BatchEntry{Period: p, Path: path})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to collect rider tables")
	}

	slices.SortFunc(entries, func(a, b BatchEntry) int {
		if c := strings.Compare(a.Period.Tag(), b.Period.Tag()); c != 0 {
			return c
		}
		return strings.Compare(a.Path, b.Path)
	})
	for i := 1; i < len(entries); i++ {
		if entries[i].Period == entries[i-1].Period {
			return nil, errors.Errorf("%s and %s are both tables for %s", entries[i-1].Path, entries[i].Path, entries[i].Period)
		}
	}

	return entries, nil
}

// RunBatch processes each month in order, stopping at the first failure.
func (app *App) RunBatch(ctx context.Context, entries []BatchEntry) ([]*RunReport, error) {
	reports := make([]*RunReport, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return reports, err
		}

		app.logger.Info("batch month", zap.String("period", entry.Period.String()), zap.String("table", entry.Path))
		report, err := app.Run(ctx, entry.Period, entry.Path)
		if err != nil {
			return reports, errors.Wrapf(err, "failed to process %s", entry.Period)
		}
		reports = append(reports, report)
	}
	return reports, nil
}
