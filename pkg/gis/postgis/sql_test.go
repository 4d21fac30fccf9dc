package postgis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vllry/stop-usage/pkg/gis"
)

func TestMergeExpr(t *testing.T) {
	tests := []struct {
		name   string
		fm     gis.FieldMap
		alias  string
		expect string
	}{
		{
			name:   "sum",
			fm:     gis.FieldMap{Field: gis.Field{Name: "count", Type: gis.Long}, Rule: gis.Sum, SourceField: "count"},
			alias:  "j",
			expect: `sum(j."count")::bigint`,
		},
		{
			name:   "first text",
			fm:     gis.FieldMap{Field: gis.Field{Name: "StopName", Type: gis.Text, Length: 75}, Rule: gis.First, SourceField: "StopName"},
			alias:  "t",
			expect: `((array_agg(t."StopName" ORDER BY t.fid) FILTER (WHERE t."StopName" IS NOT NULL))[1])::varchar(75)`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, mergeExpr(tc.fm, tc.alias))
		})
	}
}

func TestFieldTypes(t *testing.T) {
	assert.Equal(t, "bigint", sqlType(gis.Field{Type: gis.Long}))
	assert.Equal(t, "double precision", sqlType(gis.Field{Type: gis.Double}))
	assert.Equal(t, "varchar(8000)", sqlType(gis.Field{Type: gis.Text, Length: 8000}))
	assert.Equal(t, "text", sqlType(gis.Field{Type: gis.Text}))

	assert.Equal(t, gis.Long, fieldType("integer"))
	assert.Equal(t, gis.Double, fieldType("numeric(10,2)"))
	assert.Equal(t, gis.Text, fieldType("character varying(75)"))
}

func TestRelation(t *testing.T) {
	c := &class{
		name:    "Month/Raw",
		ident:   `"Month"."Raw"`,
		columns: []column{{name: "rider_type", sqlType: "text"}},
	}

	b := &binder{}
	rel, err := relation(c, gis.Class("Month/Raw"), b.bind)
	require.NoError(t, err)
	assert.Equal(t, `"Month"."Raw"`, rel)
	assert.Empty(t, b.args)

	rel, err = relation(c, gis.Layer{Name: "Month/Raw", Where: &gis.Filter{Field: "rider_type", Value: "Student"}}, b.bind)
	require.NoError(t, err)
	assert.Equal(t, `(SELECT * FROM "Month"."Raw" WHERE "rider_type" = $1)`, rel)
	assert.Equal(t, []any{"Student"}, b.args)

	_, err = relation(c, gis.Layer{Name: "Month/Raw", Where: &gis.Filter{Field: "missing"}}, b.bind)
	assert.Error(t, err)
}

func TestIdentifier(t *testing.T) {
	ident, err := identifier("Stop_Usage_2018_2019/Employee_STOPS_2019_01")
	require.NoError(t, err)
	assert.Equal(t, `"Stop_Usage_2018_2019"."Employee_STOPS_2019_01"`, ident)

	_, err = identifier("Stop_Usage_2018_2019")
	assert.ErrorIs(t, err, gis.ErrInvalidName)
}
