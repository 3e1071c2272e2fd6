package wal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slabdb/slab/internal/keyfmt"
)

type countingReporter struct {
	calls int
	bytes int
}

func (r *countingReporter) Corruption(bytes int, err error) {
	r.calls++
	r.bytes += bytes
}

func readAll(t *testing.T, src io.Reader) ([][]byte, *countingReporter) {
	t.Helper()
	reporter := &countingReporter{}
	r := NewReader(src, reporter)
	var records [][]byte
	for {
		rec, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			return records, reporter
		}
		require.NoError(t, err)
		records = append(records, append([]byte(nil), rec...))
	}
}

func TestRoundTripSmallRecords(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	want := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, rec := range want {
		_, err := w.AddRecord(rec)
		require.NoError(t, err)
	}

	got, reporter := readAll(t, &buf)
	require.Equal(t, want, got)
	require.Zero(t, reporter.calls)
}

// Records larger than a block must fragment into First/Middle/Last
// frames and reassemble transparently.
func TestRoundTripFragmentedRecord(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	big := bytes.Repeat([]byte("x"), 3*BlockSize)
	small := []byte("after")
	_, err := w.AddRecord(big)
	require.NoError(t, err)
	_, err = w.AddRecord(small)
	require.NoError(t, err)

	got, reporter := readAll(t, &buf)
	require.Len(t, got, 2)
	require.Equal(t, big, got[0])
	require.Equal(t, small, got[1])
	require.Zero(t, reporter.calls)
}

func TestEmptyRecord(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	_, err := w.AddRecord(nil)
	require.NoError(t, err)

	got, _ := readAll(t, &buf)
	require.Len(t, got, 1)
	require.Empty(t, got[0])
}

func TestBlockBoundaryPadding(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	// Leave fewer than HeaderSize bytes in the first block so the
	// writer pads and the reader must skip the tail.
	first := make([]byte, BlockSize-HeaderSize-3)
	_, err := w.AddRecord(first)
	require.NoError(t, err)
	_, err = w.AddRecord([]byte("next"))
	require.NoError(t, err)

	got, reporter := readAll(t, &buf)
	require.Len(t, got, 2)
	require.Equal(t, first, got[0])
	require.Equal(t, []byte("next"), got[1])
	require.Zero(t, reporter.calls)
}

// Replay stops at the first bad checksum and discards everything after
// it, even records that would decode cleanly.
func TestCorruptRecordStopsReplay(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	_, err := w.AddRecord([]byte("good-1"))
	require.NoError(t, err)
	offsetAfterFirst := buf.Len()
	_, err = w.AddRecord([]byte("good-2"))
	require.NoError(t, err)
	_, err = w.AddRecord([]byte("good-3"))
	require.NoError(t, err)

	data := buf.Bytes()
	// Flip a payload byte of the second record.
	data[offsetAfterFirst+HeaderSize] ^= 0xff

	reporter := &countingReporter{}
	r := NewReader(bytes.NewReader(data), reporter)

	rec, err := r.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, []byte("good-1"), rec)

	_, err = r.ReadRecord()
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 1, reporter.calls)

	// The reader stays stopped.
	_, err = r.ReadRecord()
	require.ErrorIs(t, err, io.EOF)
}

// A torn final frame is discarded; earlier records survive.
func TestTruncatedTailStopsReplay(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	_, err := w.AddRecord([]byte("kept"))
	require.NoError(t, err)
	offsetAfterFirst := buf.Len()
	_, err = w.AddRecord([]byte("torn-away"))
	require.NoError(t, err)

	data := buf.Bytes()[:offsetAfterFirst+HeaderSize+2]

	reporter := &countingReporter{}
	r := NewReader(bytes.NewReader(data), reporter)

	rec, err := r.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, []byte("kept"), rec)

	_, err = r.ReadRecord()
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 1, reporter.calls)
}

func TestWriteRecordEncoding(t *testing.T) {
	rec := Record{Sequence: 7, Kind: keyfmt.KindSet, Key: []byte("k"), Value: []byte("v")}
	payload := rec.Encode(nil)

	got, err := DecodeRecord(payload)
	require.NoError(t, err)
	require.Equal(t, rec.Sequence, got.Sequence)
	require.Equal(t, rec.Kind, got.Kind)
	require.Equal(t, rec.Key, got.Key)
	require.Equal(t, rec.Value, got.Value)
}

func TestDecodeRecordRejectsGarbage(t *testing.T) {
	_, err := DecodeRecord([]byte{0x01, 0xff})
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestManyRecordsAcrossBlocks(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	var want [][]byte
	for i := 0; i < 5000; i++ {
		rec := fmt.Appendf(nil, "record-%05d", i)
		want = append(want, rec)
		_, err := w.AddRecord(rec)
		require.NoError(t, err)
	}
	require.Greater(t, buf.Len(), 2*BlockSize, "should span multiple blocks")

	got, reporter := readAll(t, &buf)
	require.Equal(t, want, got)
	require.Zero(t, reporter.calls)
}
