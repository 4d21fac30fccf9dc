package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestCollectBatch(t *testing.T) {
	tests := []struct {
		name      string
		files     map[string]string
		expect    []string
		expectErr bool
	}{
		{
			name: "orders months and ignores other files",
			files: map[string]string{
				"2019_09.csv":        ridersCSV,
				"spring/2019_01.csv": ridersCSV,
				"2018_12.csv":        ridersCSV,
				"notes.txt":          "",
				"2019_1.csv":         ridersCSV,
			},
			expect: []string{"2018-12", "2019-01", "2019-09"},
		},
		{
			name:      "invalid month",
			files:     map[string]string{"2019_13.csv": ridersCSV},
			expectErr: true,
		},
		{
			name: "same month twice",
			files: map[string]string{
				"a/2019_01.csv": ridersCSV,
				"b/2019_01.csv": ridersCSV,
			},
			expectErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			writeFiles(t, root, tc.files)

			entries, err := CollectBatch(root)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			var got []string
			for _, e := range entries {
				got = append(got, e.Period.String())
			}
			assert.Equal(t, tc.expect, got)
		})
	}
}

func TestApp_RunBatch(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"2019_01.csv": ridersCSV,
		"2019_07.csv": "LON,LAT,rider_type,count\n0,9,Student,4\n",
		"2019_08.csv": "LON,LAT,rider_type,count\n0,95,Student,4\n",
	})

	ta := newTestApp(t, testConfig(), true)
	ta.app = NewApp(testConfig(), AppDeps{
		Toolkit: ta.toolkit,
		Tables:  NewTables(nil, SourceAuthentication{}),
		Logger:  zap.NewNop(),
	})

	entries, err := CollectBatch(root)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	reports, err := ta.app.RunBatch(ctx, entries)
	assert.ErrorContains(t, err, "2019-08")
	require.Len(t, reports, 2)
	assert.Equal(t, "Stop_Usage_2018_2019", reports[0].Label)
	assert.Equal(t, "Stop_Usage_2019_2020", reports[1].Label)

	got := usageByStop(t, ta.toolkit, "Stop_Usage_2019_2020/Student_STOPS_2019_07")
	assert.Equal(t, int64(4), got[3]["count"])
	assert.Equal(t, int64(0), got[1]["count"])
}
