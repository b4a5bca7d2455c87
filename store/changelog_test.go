package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmtwww/coresync/sync"
)

func entry(v sync.Version, key string, op byte) LogEntry {
	return LogEntry{Version: v, Key: key, Op: op}
}

func TestFoldNetChanges(t *testing.T) {
	t.Run("insert then update stays insert", func(t *testing.T) {
		out := FoldNetChanges([]LogEntry{
			entry(1, "a", 'I'),
			entry(2, "a", 'U'),
		})
		require.Equal(t, []NetChange{{Key: "a", Op: 'I', Version: 2}}, out)
	})

	t.Run("insert then delete vanishes", func(t *testing.T) {
		out := FoldNetChanges([]LogEntry{
			entry(1, "a", 'I'),
			entry(2, "a", 'U'),
			entry(3, "a", 'D'),
		})
		require.Empty(t, out)
	})

	t.Run("update then delete is delete", func(t *testing.T) {
		out := FoldNetChanges([]LogEntry{
			entry(1, "a", 'U'),
			entry(2, "a", 'D'),
		})
		require.Equal(t, []NetChange{{Key: "a", Op: 'D', Version: 2}}, out)
	})

	t.Run("delete then reinsert is update", func(t *testing.T) {
		out := FoldNetChanges([]LogEntry{
			entry(1, "a", 'D'),
			entry(2, "a", 'I'),
		})
		require.Equal(t, []NetChange{{Key: "a", Op: 'U', Version: 2}}, out)
	})

	t.Run("keys keep first-appearance order", func(t *testing.T) {
		out := FoldNetChanges([]LogEntry{
			entry(1, "b", 'I'),
			entry(2, "a", 'I'),
			entry(3, "b", 'U'),
		})
		require.Equal(t, []string{"b", "a"}, []string{out[0].Key, out[1].Key})
	})
}

func TestQuoteIdent(t *testing.T) {
	require.Equal(t, `"name"`, QuoteIdent("name"))
	require.Equal(t, `"order count"`, QuoteIdent("order count"))
	require.Equal(t, `"we""ird"`, QuoteIdent(`we"ird`))
}

func TestDecodeRowKey(t *testing.T) {
	values, err := DecodeRowKey(`{"id":42,"region":"eu","score":1.5}`)
	require.NoError(t, err)
	require.Equal(t, int64(42), values["id"])
	require.Equal(t, "eu", values["region"])
	require.Equal(t, 1.5, values["score"])

	_, err = DecodeRowKey("not json")
	require.Error(t, err)
}
