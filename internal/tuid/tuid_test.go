package tuid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromTimeOrdering(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Second)

	lowest := FromTime(t0, LOWEST)
	highest := FromTime(t0, HIGHEST)
	later := FromTime(t1, LOWEST)

	require.Equal(t, -1, lowest.Compare(highest, Ascending))
	require.Equal(t, -1, highest.Compare(later, Ascending))
	require.Equal(t, 1, later.Compare(lowest, Ascending))
	require.Equal(t, 1, lowest.Compare(highest, Descending))
}

func TestToLexMatchesTemporalOrder(t *testing.T) {
	base := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	ids := make([]TimeUUID, 0, 50)
	for i := 0; i < 50; i++ {
		ids = append(ids, FromTime(base.Add(time.Duration(i)*time.Millisecond), RANDOM))
	}
	for i := 1; i < len(ids); i++ {
		require.Equal(t, -1, ids[i-1].Compare(ids[i], Ascending))
		require.True(t, string(ids[i-1].ToLex()) < string(ids[i].ToLex()))
	}
}

func TestParseRoundTrip(t *testing.T) {
	u := Now(RANDOM)
	parsed, err := Parse(u.ToLex())
	require.NoError(t, err)
	require.True(t, u.Equal(parsed))

	parsedFromString, err := ParseString([]byte(u.String()))
	require.NoError(t, err)
	require.True(t, u.Equal(parsedFromString))
}

func TestCompareToNil(t *testing.T) {
	u := Now(RANDOM)
	n, err := u.CompareAny(nil, Ascending)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCompareAnyInvalidType(t *testing.T) {
	u := Now(RANDOM)
	_, err := u.CompareAny(42, Ascending)
	require.Error(t, err)
}

func TestMinMax(t *testing.T) {
	a := FromTime(time.Unix(100, 0), LOWEST)
	b := FromTime(time.Unix(200, 0), LOWEST)
	require.True(t, Min(a, b).Equal(a))
	require.True(t, Max(a, b).Equal(b))
}
