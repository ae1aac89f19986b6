package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip_PreservesStrings(t *testing.T) {
	in := map[string]any{"name": "alice", "qty": int64(3)}

	data, err := Marshal(in)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, Unmarshal(data, &out))

	// Loose decoding must keep text as string, not []byte.
	assert.Equal(t, "alice", out["name"])
	assert.IsType(t, "", out["name"])
}

func TestRoundTrip_Struct(t *testing.T) {
	type record struct {
		Key      string `msgpack:"k"`
		Attempts int    `msgpack:"a"`
	}

	data, err := Marshal(record{Key: "orders:1", Attempts: 2})
	require.NoError(t, err)

	var out record
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, "orders:1", out.Key)
	assert.Equal(t, 2, out.Attempts)
}

func TestConcurrentMarshal(t *testing.T) {
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				_, err := Marshal(map[string]any{"n": j})
				assert.NoError(t, err)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	close(done)
}
