package main

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vllry/stop-usage/pkg/period"
)

func TestPromptIfEmpty(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		input  string
		expect string
		prompt string
	}{
		{name: "flag value wins", value: "2019", input: "2020\n", expect: "2019"},
		{name: "reads a line", input: " 2020 \n", expect: "2020", prompt: "year (YYYY): "},
		{name: "reads without newline", input: "07", expect: "07", prompt: "year (YYYY): "},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			got, err := promptIfEmpty(bufio.NewReader(strings.NewReader(tc.input)), &out, tc.value, "year (YYYY): ")
			require.NoError(t, err)
			assert.Equal(t, tc.expect, got)
			assert.Equal(t, tc.prompt, out.String())
		})
	}

	_, err := promptIfEmpty(bufio.NewReader(strings.NewReader("")), &bytes.Buffer{}, "", "month (MM): ")
	assert.Error(t, err)
}

func TestRun_validatesBeforeOpening(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		stdin  string
		expect error
	}{
		{name: "bad year flag", args: []string{"-year", "19", "-month", "01"}, expect: period.ErrYearFormat},
		{name: "bad prompted month", args: []string{"-year", "2019"}, stdin: "1\n", expect: period.ErrMonthFormat},
		{name: "month out of range", args: []string{"-year", "2019", "-month", "13"}, expect: period.ErrMonthRange},
		{name: "stops with bad year", args: []string{"stops", "-year", "abcd"}, expect: period.ErrYearFormat},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// The config does not exist, so reaching it would fail differently.
			args := append(tc.args, "-config", filepath.Join(t.TempDir(), "missing.yml"))
			err := run(context.Background(), args, strings.NewReader(tc.stdin), &bytes.Buffer{})
			assert.ErrorIs(t, err, tc.expect)
			assert.Equal(t, tc.expect.Error(), err.Error())
		})
	}
}

func TestRun(t *testing.T) {
	t.Setenv("STOP_USAGE_WORKSPACE_DSN", "")
	t.Setenv("STOP_USAGE_LOG_LEVEL", "")
	ctx := context.Background()
	dir := t.TempDir()

	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}
	config := write("stop-usage.yml", "workspace:\n  engine: sqlite\n  dsn: "+filepath.Join(dir, "workspace.db")+"\nlog:\n  level: error\n")
	stops := write("stops.csv", stopsCSV)
	riders := write("riders.csv", ridersCSV)
	exportDir := filepath.Join(dir, "export")

	var out bytes.Buffer
	err := run(ctx, []string{"-config", config, "-table", riders, "-year", "2019", "-month", "01"}, strings.NewReader(""), &out)
	require.ErrorIs(t, err, ErrMissingStops)

	out.Reset()
	err = run(ctx, []string{"stops", "-config", config, "-table", stops}, strings.NewReader("2019\n"), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "stops 2019: created 1 layers")

	out.Reset()
	err = run(ctx, []string{"-config", config, "-table", riders, "-export", exportDir}, strings.NewReader("2019\n01\n"), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "year (YYYY): month (MM): ")
	assert.Contains(t, out.String(), "Stop_Usage_2018_2019: created 5 layers, 0 already present")
	assert.FileExists(t, filepath.Join(exportDir, "Employee_STOPS_2019_01.geojson"))
	assert.FileExists(t, filepath.Join(exportDir, "Student_STOPS_2019_01.geojson"))

	out.Reset()
	err = run(ctx, []string{"-config", config, "-year", "2019", "-month", "01"}, strings.NewReader(""), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "created 0 layers, 5 already present")
}
