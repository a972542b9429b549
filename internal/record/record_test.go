package record

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storage-engine/internal/tuid"
)

func TestEventRecordRoundTrip(t *testing.T) {
	id := tuid.Now(tuid.RANDOM)
	ev := NewEvent(id, map[string]interface{}{"name": "login", "user": "alice"})

	b, err := Marshal(ev)
	require.NoError(t, err)

	parsed, n, err := Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, len(b), n)

	got, ok := parsed.(*EventRecord)
	require.True(t, ok)
	require.True(t, got.Hdr.ID.Equal(id))
	require.Equal(t, "login", got.Payload["name"])

	v, ok := got.Field("id")
	require.True(t, ok)
	require.Equal(t, id.String(), v)
}

func TestDeleteRecordRoundTrip(t *testing.T) {
	start := tuid.Now(tuid.RANDOM)
	end := tuid.FromTime(start.Time().Add(1000), tuid.HIGHEST)
	del := NewDelete(start, end)

	b, err := Marshal(del)
	require.NoError(t, err)

	parsed, _, err := Unmarshal(b)
	require.NoError(t, err)

	got, ok := parsed.(*DeleteRecord)
	require.True(t, ok)
	require.True(t, got.StartID().Equal(start))
	require.True(t, got.EndID.Equal(end))
}

func TestIndexRecordRoundTrip(t *testing.T) {
	start := tuid.Now(tuid.RANDOM)
	idx := NewIndex(start, 4096, true)

	b, err := Marshal(idx)
	require.NoError(t, err)

	parsed, _, err := Unmarshal(b)
	require.NoError(t, err)

	got, ok := parsed.(*IndexRecord)
	require.True(t, ok)
	require.Equal(t, int64(4096), got.Offset)
	require.True(t, got.HasDelete)
}

func TestUnmarshalAllConcatenatedBlock(t *testing.T) {
	var block []byte
	ids := make([]tuid.TimeUUID, 5)
	for i := range ids {
		ids[i] = tuid.Now(tuid.RANDOM)
		b, err := Marshal(NewEvent(ids[i], map[string]interface{}{"n": i}))
		require.NoError(t, err)
		block = append(block, b...)
	}

	records, err := UnmarshalAll(block)
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i, r := range records {
		ev := r.(*EventRecord)
		require.True(t, ev.Hdr.ID.Equal(ids[i]))
	}
}

func TestSizeAccounting(t *testing.T) {
	ev := NewEvent(tuid.Now(tuid.RANDOM), map[string]interface{}{"a": "b"})
	require.Greater(t, ev.Size(), BaseSize)

	del := NewDelete(tuid.Now(tuid.RANDOM), tuid.Now(tuid.RANDOM))
	require.Equal(t, BaseSize, del.Size())
}
