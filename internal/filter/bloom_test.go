package filter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBloomRoundTrip(t *testing.T) {
	b := NewBuilder(0.01)
	for i := 0; i < 1000; i++ {
		b.AddKey(fmt.Appendf(nil, "key-%04d", i))
	}
	require.Equal(t, 1000, b.NumKeys())

	data, err := b.Finish()
	require.NoError(t, err)
	require.NotEmpty(t, data)

	r, err := NewReader(data)
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		require.True(t, r.MayContain(fmt.Appendf(nil, "key-%04d", i)))
	}
}

func TestBloomFalsePositiveRate(t *testing.T) {
	b := NewBuilder(0.01)
	for i := 0; i < 10000; i++ {
		b.AddKey(fmt.Appendf(nil, "present-%05d", i))
	}
	data, err := b.Finish()
	require.NoError(t, err)
	r, err := NewReader(data)
	require.NoError(t, err)

	falsePositives := 0
	for i := 0; i < 10000; i++ {
		if r.MayContain(fmt.Appendf(nil, "absent-%05d", i)) {
			falsePositives++
		}
	}
	// Generous bound: 5x the configured 1% rate.
	require.Less(t, falsePositives, 500)
}

func TestBloomReset(t *testing.T) {
	b := NewBuilder(0.01)
	b.AddKey([]byte("only-in-first"))
	_, err := b.Finish()
	require.NoError(t, err)

	b.Reset()
	require.Zero(t, b.NumKeys())
	b.AddKey([]byte("second-batch"))
	data, err := b.Finish()
	require.NoError(t, err)

	r, err := NewReader(data)
	require.NoError(t, err)
	require.True(t, r.MayContain([]byte("second-batch")))
	require.False(t, r.MayContain([]byte("only-in-first")))
}

func TestBloomReaderRejectsGarbage(t *testing.T) {
	_, err := NewReader([]byte{0x01, 0x02, 0x03})
	require.Error(t, err)
}
