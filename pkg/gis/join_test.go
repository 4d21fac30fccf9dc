package gis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	tests := []struct {
		name   string
		rule   MergeRule
		typ    FieldType
		values []any
		expect any
	}{
		{name: "sum", rule: Sum, typ: Long, values: []any{int64(5), int64(7)}, expect: int64(12)},
		{name: "sum skips nulls", rule: Sum, typ: Long, values: []any{nil, int64(2)}, expect: int64(2)},
		{name: "sum of nothing is null", rule: Sum, typ: Long, values: nil, expect: nil},
		{name: "sum of doubles", rule: Sum, typ: Double, values: []any{0.5, int64(1)}, expect: 1.5},
		{name: "first", rule: First, typ: Text, values: []any{"Employee", "Student"}, expect: "Employee"},
		{name: "first skips nulls", rule: First, typ: Long, values: []any{nil, int64(3)}, expect: int64(3)},
		{name: "first of nothing is null", rule: First, typ: Text, values: []any{}, expect: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Merge(tc.rule, tc.typ, tc.values)
			require.NoError(t, err)
			assert.Equal(t, tc.expect, got)
		})
	}

	_, err := Merge(Sum, Long, []any{"many"})
	assert.Error(t, err)
}

func TestJoinSpec_Validate(t *testing.T) {
	valid := JoinSpec{
		Target:    Class("Base_Data/Thiessen_2019"),
		Join:      Class("Stop_Usage_2018_2019/UNPROCESSED_2019_01"),
		Out:       "scratch/out_thies",
		Predicate: Contains,
		KeepAll:   true,
		Fields: []FieldMap{
			{Field: Field{Name: "count", Type: Long}, Rule: Sum, Source: FromJoin, SourceField: "count"},
		},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(s *JoinSpec)
	}{
		{name: "no output", mutate: func(s *JoinSpec) { s.Out = "" }},
		{name: "bad predicate", mutate: func(s *JoinSpec) { s.Predicate = "INTERSECT" }},
		{name: "no fields", mutate: func(s *JoinSpec) { s.Fields = nil }},
		{name: "text sum", mutate: func(s *JoinSpec) { s.Fields[0].Type = Text }},
		{name: "unknown rule", mutate: func(s *JoinSpec) { s.Fields[0].Rule = "Mean" }},
		{name: "duplicate field", mutate: func(s *JoinSpec) { s.Fields = append(s.Fields, s.Fields[0]) }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spec := valid
			spec.Fields = append([]FieldMap(nil), valid.Fields...)
			tc.mutate(&spec)
			assert.Error(t, spec.Validate())
		})
	}
}

func TestSplitPath(t *testing.T) {
	dataset, class, err := SplitPath("Base_Data/Stops_2019")
	require.NoError(t, err)
	assert.Equal(t, "Base_Data", dataset)
	assert.Equal(t, "Stops_2019", class)

	dataset, class, err = SplitPath("Stop_Usage_2018_2019")
	require.NoError(t, err)
	assert.Equal(t, "Stop_Usage_2018_2019", dataset)
	assert.Empty(t, class)

	for _, bad := range []string{"", "a/", "/b", "a/b/c"} {
		_, _, err := SplitPath(bad)
		assert.ErrorIs(t, err, ErrInvalidName, bad)
	}
}
