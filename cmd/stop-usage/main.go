package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vllry/stop-usage/pkg/period"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) > 0 {
		switch args[0] {
		case "stops":
			return runStops(ctx, args[1:], stdin, stdout)
		case "batch":
			return runBatch(ctx, args[1:], stdout)
		}
	}

	fs := flag.NewFlagSet("stop-usage", flag.ContinueOnError)
	configPath := fs.String("config", DefaultConfigPath, "path to the YAML config")
	table := fs.String("table", "", "rider table CSV, a local path or gs://bucket/object")
	year := fs.String("year", "", "year to process (YYYY), prompted when empty")
	month := fs.String("month", "", "month to process (MM), prompted when empty")
	exportDir := fs.String("export", "", "directory to write the month's stop usage layers to as GeoJSON")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	in := bufio.NewReader(stdin)
	y, err := promptIfEmpty(in, stdout, *year, "year (YYYY): ")
	if err != nil {
		return err
	}
	m, err := promptIfEmpty(in, stdout, *month, "month (MM): ")
	if err != nil {
		return err
	}

	// Nothing is opened until the period is known to be valid.
	p, err := period.Parse(y, m)
	if err != nil {
		return err
	}

	conf, err := LoadAppConfig(*configPath)
	if err != nil {
		return err
	}

	logger, err := NewLogger(conf.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, closeApp, err := newAppFromConfig(ctx, conf, []string{*table}, logger)
	if err != nil {
		return err
	}
	defer closeApp()

	report, err := app.Run(ctx, p, *table)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: created %d layers, %d already present\n", report.Label, len(report.Created), len(report.Skipped))

	if *exportDir != "" {
		files, err := app.Export(ctx, p, *exportDir)
		if err != nil {
			return errors.Wrap(err, "failed to export stop usage")
		}
		for _, f := range files {
			fmt.Fprintln(stdout, f)
		}
	}

	return nil
}

// runStops loads a year's stop locations into the base dataset.
func runStops(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("stop-usage stops", flag.ContinueOnError)
	configPath := fs.String("config", DefaultConfigPath, "path to the YAML config")
	table := fs.String("table", "", "stops CSV with StopId, StopName and coordinate columns")
	year := fs.String("year", "", "year the stops apply to (YYYY), prompted when empty")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	y, err := promptIfEmpty(bufio.NewReader(stdin), stdout, *year, "year (YYYY): ")
	if err != nil {
		return err
	}
	if _, err := period.ParseYear(y); err != nil {
		return err
	}

	conf, err := LoadAppConfig(*configPath)
	if err != nil {
		return err
	}

	logger, err := NewLogger(conf.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	app, closeApp, err := newAppFromConfig(ctx, conf, []string{*table}, logger)
	if err != nil {
		return err
	}
	defer closeApp()

	report, err := app.ImportStops(ctx, y, *table)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "stops %s: created %d layers, %d already present\n", y, len(report.Created), len(report.Skipped))
	return nil
}

// runBatch processes every archived rider table under a directory, oldest month first.
func runBatch(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("stop-usage batch", flag.ContinueOnError)
	configPath := fs.String("config", DefaultConfigPath, "path to the YAML config")
	dir := fs.String("dir", "", "directory of rider tables named YYYY_MM.csv")
	exportDir := fs.String("export", "", "directory to write each month's stop usage layers to as GeoJSON")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *dir == "" {
		return errors.New("no rider table directory provided (-dir)")
	}

	entries, err := CollectBatch(*dir)
	if err != nil {
		return err
	}

	conf, err := LoadAppConfig(*configPath)
	if err != nil {
		return err
	}

	logger, err := NewLogger(conf.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, closeApp, err := newAppFromConfig(ctx, conf, nil, logger)
	if err != nil {
		return err
	}
	defer closeApp()

	reports, err := app.RunBatch(ctx, entries)
	for i, report := range reports {
		fmt.Fprintf(stdout, "%s %s: created %d layers, %d already present\n", entries[i].Period, report.Label, len(report.Created), len(report.Skipped))
	}
	if err != nil {
		return err
	}

	if *exportDir != "" {
		for _, entry := range entries {
			if _, err := app.Export(ctx, entry.Period, *exportDir); err != nil {
				return errors.Wrap(err, "failed to export stop usage")
			}
		}
	}
	return nil
}

func promptIfEmpty(in *bufio.Reader, out io.Writer, value string, label string) (string, error) {
	if value != "" {
		return value, nil
	}

	fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", errors.Wrap(err, "failed to read input")
	}
	return strings.TrimSpace(line), nil
}

// newAppFromConfig wires the App's collaborators. The returned func releases them.
func newAppFromConfig(ctx context.Context, conf AppConfig, tables []string, logger *zap.Logger) (*App, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	needGcs := conf.Archive.Bucket != ""
	for _, t := range tables {
		needGcs = needGcs || strings.HasPrefix(t, gcsScheme)
	}

	var gcs *GcsStorage
	if needGcs {
		var err error
		gcs, err = NewGcsStorage(ctx)
		if err != nil {
			return nil, func() {}, err
		}
		closers = append(closers, func() { gcs.Close() })
	}

	deps := AppDeps{
		Tables: NewTables(gcs, conf.Source),
		Logger: logger,
	}
	if conf.Archive.Bucket != "" {
		deps.Uploader = gcs
	}

	if conf.Kafka.Address != "" {
		notifier, err := NewKafkaNotifier(conf.Kafka.Address, conf.Kafka.Topic)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		deps.Notifier = notifier
		closers = append(closers, notifier.Close)
	}

	toolkit, err := OpenToolkit(ctx, conf.Workspace, logger)
	if err != nil {
		cleanup()
		return nil, func() {}, errors.Wrap(err, "failed to open workspace")
	}
	deps.Toolkit = toolkit
	closers = append(closers, func() { toolkit.Close() })

	return NewApp(conf, deps), cleanup, nil
}
