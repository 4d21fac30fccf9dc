package gis

import (
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadTable(t *testing.T) {
	input := "\ufeffLON, LAT,rider_type,count\n" +
		"-105.08,40.57,Employee,5\n" +
		"-105.07,40.58,Student,\n"

	table, err := ReadTable("riders", strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, []Field{
		{Name: "LON", Type: Double},
		{Name: "LAT", Type: Double},
		{Name: "rider_type", Type: Text, Length: 255},
		{Name: "count", Type: Long},
	}, table.Fields)

	require.Len(t, table.Rows, 2)
	assert.Equal(t, []any{-105.08, 40.57, "Employee", int64(5)}, table.Rows[0])
	assert.Nil(t, table.Rows[1][3])
}

func TestReadTable_errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "blank column", input: "LON,,LAT\n1,2,3\n"},
		{name: "duplicate column", input: "LON,LON\n1,2\n"},
		{name: "ragged rows", input: "LON,LAT\n1,2,3\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadTable("bad", strings.NewReader(tc.input))
			assert.Error(t, err)
		})
	}
}

func TestTable_Points(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expect    []orb.Point
		expectErr error
	}{
		{
			name:   "preserves row order",
			input:  "LON,LAT\n-105.1,40.5\n-105.2,40.6\n",
			expect: []orb.Point{{-105.1, 40.5}, {-105.2, 40.6}},
		},
		{
			name:      "missing coordinate",
			input:     "LON,LAT\n-105.1,40.5\n,40.6\n",
			expectErr: ErrInvalidCoordinate,
		},
		{
			name:      "latitude out of range",
			input:     "LON,LAT\n-105.1,95\n",
			expectErr: ErrInvalidCoordinate,
		},
		{
			name:      "longitude out of range",
			input:     "LON,LAT\n-185,40\n",
			expectErr: ErrInvalidCoordinate,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			table, err := ReadTable("riders", strings.NewReader(tc.input))
			require.NoError(t, err)

			got, err := table.Points("LON", "LAT")
			if tc.expectErr != nil {
				assert.ErrorIs(t, err, tc.expectErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expect, got)
		})
	}

	t.Run("text coordinates", func(t *testing.T) {
		table, err := ReadTable("riders", strings.NewReader("LON,LAT\neast,north\n"))
		require.NoError(t, err)
		_, err = table.Points("LON", "LAT")
		assert.Error(t, err)
	})

	t.Run("missing columns", func(t *testing.T) {
		table, err := ReadTable("riders", strings.NewReader("X,Y\n1,2\n"))
		require.NoError(t, err)
		_, err = table.Points("LON", "LAT")
		assert.Error(t, err)
	})
}
