package jobs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coralnet/internal/jobs"
)

func TestIdentifierRoundTrip(t *testing.T) {
	cases := [][]any{
		{},
		{42},
		{int64(7), "source"},
		{"a,b", -3, ""},
		{`quote " and \ backslash`, 0},
		{"unicode ✓", int32(12)},
	}
	for _, args := range cases {
		id, err := jobs.ArgsToIdentifier(args)
		require.NoError(t, err)

		decoded, err := jobs.IdentifierToArgs(id)
		require.NoError(t, err, "identifier %q", id)

		want, err := jobs.NormalizeArgs(args)
		require.NoError(t, err)
		assert.Equal(t, want, decoded, "identifier %q", id)
	}
}

func TestArgsToIdentifier_DeterministicAndDistinct(t *testing.T) {
	a, err := jobs.ArgsToIdentifier([]any{1, 2})
	require.NoError(t, err)
	b, err := jobs.ArgsToIdentifier([]any{int64(1), int64(2)})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, "1,2", a)

	seen := map[string][]any{}
	for _, args := range [][]any{
		{1, 2}, {2, 1}, {"1", 2}, {"1,2"}, {12}, {"1", "2"}, {}, {""},
	} {
		id, err := jobs.ArgsToIdentifier(args)
		require.NoError(t, err)
		prev, dup := seen[id]
		assert.False(t, dup, "%v and %v both encode to %q", prev, args, id)
		seen[id] = args
	}
}

func TestArgsToIdentifier_UnsupportedType(t *testing.T) {
	_, err := jobs.ArgsToIdentifier([]any{1.5})
	assert.Error(t, err)
}

func TestIdentifierToArgs_Malformed(t *testing.T) {
	for _, id := range []string{"abc", "1,", `"open`, `"a"b`, "1,,2"} {
		_, err := jobs.IdentifierToArgs(id)
		assert.Error(t, err, "identifier %q", id)
	}
}
