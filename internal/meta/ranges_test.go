package meta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func r(t RangeType, start, end uint64) Range {
	if end == LenOpen {
		return Range{Type: t, Start: start, Len: LenOpen}
	}
	return Range{Type: t, Start: start, Len: end - start}
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name    string
		ranges  []Range
		wantErr error
	}{
		{"empty", nil, nil},
		{"single open", []Range{r(RangeActive, 1, LenOpen)}, nil},
		{"contiguous", []Range{r(RangeSynced, 1, 50), r(RangeUndo, 50, 60), r(RangeActive, 60, LenOpen)}, nil},
		{"gap", []Range{r(RangeSynced, 1, 50), r(RangeActive, 51, LenOpen)}, errRangeGap},
		{"overlap", []Range{r(RangeSynced, 1, 50), r(RangeSynced, 40, 60)}, errRangeGap},
		{"open not last", []Range{r(RangeActive, 1, LenOpen), r(RangeSynced, 5, 6)}, errRangeOpen},
		{"open synced", []Range{r(RangeSynced, 1, LenOpen)}, errRangeType},
		{"zero length", []Range{{Type: RangeSynced, Start: 3}}, errRangeEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRanges(tt.ranges)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestToMutualRedo(t *testing.T) {
	tests := []struct {
		name   string
		ranges []Range
		last   uint64
		window uint64
		want   []Range
	}{
		{
			name:   "open active",
			ranges: []Range{r(RangeActive, 1, LenOpen)},
			last:   100, window: 10,
			want: []Range{r(RangeSynced, 1, 80), r(RangeMutualRedo, 80, 100)},
		},
		{
			name:   "window reaches start",
			ranges: []Range{r(RangeActive, 50, LenOpen)},
			last:   60, window: 10,
			want: []Range{r(RangeMutualRedo, 50, 60)},
		},
		{
			name:   "nothing written since open",
			ranges: []Range{r(RangeSynced, 1, 100), r(RangeActive, 100, LenOpen)},
			last:   99, window: 10,
			want: []Range{r(RangeSynced, 1, 100)},
		},
		{
			name:   "closed synced past last",
			ranges: []Range{r(RangeSynced, 1, 120)},
			last:   100, window: 10,
			want: []Range{r(RangeSynced, 1, 80), r(RangeMutualRedo, 80, 120)},
		},
		{
			name:   "interrupted mutual redo",
			ranges: []Range{r(RangeSynced, 1, 80), r(RangeMutualRedo, 80, 100)},
			last:   105, window: 10,
			want: []Range{r(RangeSynced, 1, 80), r(RangeMutualRedo, 80, 105)},
		},
		{
			name:   "empty",
			ranges: nil,
			last:   0, window: 10,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToMutualRedo(tt.ranges, tt.last, tt.window)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, ValidateRanges(got))
		})
	}
}

func TestMutualRedoOutcomes(t *testing.T) {
	rs := []Range{r(RangeSynced, 1, 80), r(RangeMutualRedo, 80, 100)}

	t.Run("finished", func(t *testing.T) {
		got := FinishMutualRedo(rs)
		assert.Equal(t, []Range{r(RangeSynced, 1, 100), r(RangeActive, 100, LenOpen)}, got)
	})

	t.Run("failed", func(t *testing.T) {
		got := FailMutualRedo(rs, 110)
		assert.Equal(t, []Range{r(RangeSynced, 1, 80), r(RangeUndo, 80, 110)}, got)
		require.NoError(t, ValidateRanges(got))
	})

	t.Run("finish is idempotent", func(t *testing.T) {
		once := FinishMutualRedo(rs)
		assert.Equal(t, once, FinishMutualRedo(once))
	})

	t.Run("fresh replica opens at first seqno", func(t *testing.T) {
		assert.Equal(t, []Range{r(RangeActive, FirstValidSeqno, LenOpen)}, FinishMutualRedo(nil))
	})
}

func TestSplitOnFailure(t *testing.T) {
	t.Run("stale active range", func(t *testing.T) {
		got := SplitOnFailure([]Range{r(RangeActive, 50, LenOpen)}, 200, 20)
		assert.Equal(t, []Range{r(RangeSynced, 50, 160), r(RangeUndo, 160, 200)}, got)
	})

	t.Run("window before start", func(t *testing.T) {
		got := SplitOnFailure([]Range{r(RangeSynced, 1, 190), r(RangeActive, 190, LenOpen)}, 200, 20)
		assert.Equal(t, []Range{r(RangeSynced, 1, 190), r(RangeUndo, 190, 200)}, got)
	})

	t.Run("mutual redo becomes undo", func(t *testing.T) {
		got := SplitOnFailure([]Range{r(RangeSynced, 1, 80), r(RangeMutualRedo, 80, 100)}, 110, 10)
		assert.Equal(t, []Range{r(RangeSynced, 1, 80), r(RangeUndo, 80, 100)}, got)
	})

	t.Run("no writes since open", func(t *testing.T) {
		got := SplitOnFailure([]Range{r(RangeSynced, 1, 100), r(RangeActive, 100, LenOpen)}, 100, 10)
		assert.Equal(t, []Range{r(RangeSynced, 1, 100)}, got)
	})
}

func TestUndoRedoCycle(t *testing.T) {
	rs := []Range{r(RangeSynced, 50, 160), r(RangeUndo, 160, 200)}

	redo := UndoToRedo(rs, 230)
	assert.Equal(t, []Range{r(RangeSynced, 50, 160), r(RangeRedo, 160, 230), r(RangeActive, 230, LenOpen)}, redo)
	require.NoError(t, ValidateRanges(redo))
	assert.False(t, HasType(redo, RangeUndo))

	synced := RedoToSynced(redo)
	assert.Equal(t, []Range{r(RangeSynced, 50, 230), r(RangeActive, 230, LenOpen)}, synced)

	t.Run("current behind ranges", func(t *testing.T) {
		got := UndoToRedo(rs, 150)
		assert.Equal(t, []Range{r(RangeSynced, 50, 160), r(RangeRedo, 160, 200), r(RangeActive, 200, LenOpen)}, got)
	})

	t.Run("already open", func(t *testing.T) {
		assert.Equal(t, synced, UndoToRedo(synced, 300))
	})

	t.Run("closed without undo", func(t *testing.T) {
		got := UndoToRedo([]Range{r(RangeSynced, 1, 100)}, 140)
		assert.Equal(t, []Range{r(RangeSynced, 1, 100), r(RangeRedo, 100, 140), r(RangeActive, 140, LenOpen)}, got)
	})

	t.Run("no ranges", func(t *testing.T) {
		got := UndoToRedo(nil, 40)
		assert.Equal(t, []Range{r(RangeRedo, 1, 40), r(RangeActive, 40, LenOpen)}, got)
	})
}

func TestCloseActive(t *testing.T) {
	rs := []Range{r(RangeSynced, 1, 100), r(RangeActive, 100, LenOpen)}
	assert.Equal(t, []Range{r(RangeSynced, 1, 150)}, CloseActive(rs, 150))
	assert.Equal(t, []Range{r(RangeSynced, 1, 100)}, CloseActive(rs, 100))
	assert.Equal(t, uint64(100), LastEnd(rs))
}

func TestRangeTypeText(t *testing.T) {
	for _, rt := range []RangeType{RangeActive, RangeSynced, RangeMutualRedo, RangeUndo, RangeRedo} {
		b, err := rt.MarshalText()
		require.NoError(t, err)
		var back RangeType
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, rt, back)
	}
	var bad RangeType
	assert.Error(t, bad.UnmarshalText([]byte("BOGUS")))
}
