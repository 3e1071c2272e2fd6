package keyfmt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackUnpackTrailer(t *testing.T) {
	seq := Sequence(1<<56 - 1)
	packed := PackTrailer(seq, KindSet)
	gotSeq, gotKind := UnpackTrailer(packed)
	require.Equal(t, seq, gotSeq)
	require.Equal(t, KindSet, gotKind)

	packed = PackTrailer(42, KindDelete)
	gotSeq, gotKind = UnpackTrailer(packed)
	require.Equal(t, Sequence(42), gotSeq)
	require.Equal(t, KindDelete, gotKind)
}

func TestInternalKeyAccessors(t *testing.T) {
	ik := MakeInternalKey([]byte("user"), 99, KindSet)
	require.Equal(t, []byte("user"), ik.UserKey())
	require.Equal(t, Sequence(99), ik.Sequence())
	require.Equal(t, KindSet, ik.Kind())

	userKey, seq, kind, err := Parse(ik)
	require.NoError(t, err)
	require.Equal(t, []byte("user"), userKey)
	require.Equal(t, Sequence(99), seq)
	require.Equal(t, KindSet, kind)
}

func TestParseTooShort(t *testing.T) {
	_, _, _, err := Parse([]byte("short"))
	require.Error(t, err)
}

// Ordering is user key ascending, then sequence descending, so the
// newest entry for a key sorts first.
func TestCompareOrdering(t *testing.T) {
	aNew := MakeInternalKey([]byte("a"), 10, KindSet)
	aOld := MakeInternalKey([]byte("a"), 5, KindSet)
	b := MakeInternalKey([]byte("b"), 1, KindSet)

	require.Negative(t, Compare(aNew, aOld))
	require.Negative(t, Compare(aOld, b))
	require.Negative(t, Compare(aNew, b))
	require.Zero(t, Compare(aNew, aNew))
	require.Positive(t, Compare(b, aNew))
}

// A seek key for (key, seq) must sort at or before every entry of that
// key with sequence <= seq, and after entries with higher sequences.
func TestSeekKeyPosition(t *testing.T) {
	entry := MakeInternalKey([]byte("k"), 7, KindSet)

	atSeq := MakeSeekKey([]byte("k"), 7)
	require.LessOrEqual(t, Compare(atSeq, entry), 0)

	higher := MakeSeekKey([]byte("k"), 9)
	require.Negative(t, Compare(higher, entry))

	lower := MakeSeekKey([]byte("k"), 3)
	require.Positive(t, Compare(lower, entry))
}

func TestTombstoneSortsBeforeSetAtSameSequence(t *testing.T) {
	// Not a legal state (sequences are unique) but the comparator must
	// still be total.
	del := MakeInternalKey([]byte("k"), 7, KindDelete)
	set := MakeInternalKey([]byte("k"), 7, KindSet)
	require.NotZero(t, Compare(del, set))
}
