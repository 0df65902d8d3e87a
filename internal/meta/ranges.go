package meta

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// RangeType classifies a sequence number interval of a replica.
type RangeType int

const (
	// RangeActive intervals receive live writes. Only an ACTIVE range may be
	// open.
	RangeActive RangeType = iota
	// RangeSynced intervals are known to match the authoritative copy.
	RangeSynced
	// RangeMutualRedo intervals are being cross-replicated between live
	// replicas after an ownership change.
	RangeMutualRedo
	// RangeUndo intervals may hold writes that were never acknowledged and
	// must be rolled back to the authoritative copy.
	RangeUndo
	// RangeRedo intervals may be missing writes and must be caught up from
	// the authoritative copy.
	RangeRedo
)

var rangeTypeNames = [...]string{"ACTIVE", "SYNCED", "MUTUAL_REDO", "UNDO", "REDO"}

func (t RangeType) String() string {
	if t >= 0 && int(t) < len(rangeTypeNames) {
		return rangeTypeNames[t]
	}
	return fmt.Sprintf("RANGE(%d)", int(t))
}

func (t RangeType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *RangeType) UnmarshalText(b []byte) error {
	for i, n := range rangeTypeNames {
		if n == string(b) {
			*t = RangeType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown range type %q", b)
}

// Range is the interval [Start, Start+Len), or [Start, ∞) when Len is LenOpen.
type Range struct {
	Type  RangeType `json:"type"`
	Start uint64    `json:"start"`
	Len   uint64    `json:"len"`
}

// Open reports whether the range is unbounded.
func (r Range) Open() bool { return r.Len == LenOpen }

// End returns the first seqno past the range, or LenOpen.
func (r Range) End() uint64 {
	if r.Open() {
		return LenOpen
	}
	return r.Start + r.Len
}

func (r Range) String() string {
	if r.Open() {
		return fmt.Sprintf("%s[%d,∞)", r.Type, r.Start)
	}
	return fmt.Sprintf("%s[%d,%d)", r.Type, r.Start, r.End())
}

func span(t RangeType, start, end uint64) (Range, bool) {
	if end <= start {
		return Range{}, false
	}
	return Range{Type: t, Start: start, Len: end - start}, true
}

func appendSpan(rs []Range, t RangeType, start, end uint64) []Range {
	if r, ok := span(t, start, end); ok {
		return append(rs, r)
	}
	return rs
}

var (
	errRangeGap   = errors.New("ranges not contiguous")
	errRangeOpen  = errors.New("open range not last")
	errRangeType  = errors.New("open range not ACTIVE")
	errRangeEmpty = errors.New("empty range")
)

// ValidateRanges checks that rs is ordered, contiguous and non-overlapping,
// that only the last range is open and that an open range is ACTIVE.
func ValidateRanges(rs []Range) error {
	for i, r := range rs {
		if r.Len == 0 {
			return fmt.Errorf("%w: %v", errRangeEmpty, r)
		}
		if r.Open() {
			if i != len(rs)-1 {
				return fmt.Errorf("%w: %v", errRangeOpen, r)
			}
			if r.Type != RangeActive {
				return fmt.Errorf("%w: %v", errRangeType, r)
			}
		}
		if i > 0 && rs[i-1].End() != r.Start {
			return fmt.Errorf("%w: %v then %v", errRangeGap, rs[i-1], r)
		}
	}
	return nil
}

// LastEnd returns the end of the last closed range, the start of a trailing
// open range, or 0 when rs is empty.
func LastEnd(rs []Range) uint64 {
	if len(rs) == 0 {
		return 0
	}
	last := rs[len(rs)-1]
	if last.Open() {
		return last.Start
	}
	return last.End()
}

// HasType reports whether any range in rs has type t.
func HasType(rs []Range, t RangeType) bool {
	return slices.ContainsFunc(rs, func(r Range) bool { return r.Type == t })
}

// FirstOfType returns the first range of type t.
func FirstOfType(rs []Range, t RangeType) (Range, bool) {
	i := slices.IndexFunc(rs, func(r Range) bool { return r.Type == t })
	if i < 0 {
		return Range{}, false
	}
	return rs[i], true
}

// ActiveOpen reports whether rs ends with an open ACTIVE range.
func ActiveOpen(rs []Range) bool {
	return len(rs) > 0 && rs[len(rs)-1].Open()
}

// Coalesce merges adjacent closed ranges of the same type.
func Coalesce(rs []Range) []Range {
	out := make([]Range, 0, len(rs))
	for _, r := range rs {
		if n := len(out); n > 0 {
			prev := &out[n-1]
			if prev.Type == r.Type && !prev.Open() && !r.Open() && prev.End() == r.Start {
				prev.Len += r.Len
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

func retype(rs []Range, from, to RangeType) []Range {
	out := append([]Range(nil), rs...)
	for i := range out {
		if out[i].Type == from {
			out[i].Type = to
		}
	}
	return out
}

// OpenActive appends an open ACTIVE range starting where rs ends, or at
// FirstValidSeqno when rs is empty. It is a no-op if rs already ends open.
func OpenActive(rs []Range) []Range {
	if ActiveOpen(rs) {
		return rs
	}
	start := LastEnd(rs)
	if start < FirstValidSeqno {
		start = FirstValidSeqno
	}
	return append(append([]Range(nil), rs...), Range{Type: RangeActive, Start: start, Len: LenOpen})
}

// CloseActive turns a trailing open ACTIVE range into SYNCED [start, end).
// The range is dropped when end does not lie past its start.
func CloseActive(rs []Range, end uint64) []Range {
	if !ActiveOpen(rs) {
		return rs
	}
	last := rs[len(rs)-1]
	out := append([]Range(nil), rs[:len(rs)-1]...)
	return Coalesce(appendSpan(out, RangeSynced, last.Start, end))
}

func lowWater(seqno, window uint64) uint64 {
	if seqno < 2*window {
		return 0
	}
	return seqno - 2*window
}

// ToMutualRedo converts the trailing ACTIVE or SYNCED range of a replica
// whose last applied seqno is last into SYNCED [start, lo) followed by
// MUTUAL_REDO [max(start, lo), end), where lo = max(0, last-2*window) and end
// is last for an open range. A closed range keeps its end if that lies past
// last. A trailing MUTUAL_REDO range left by an interrupted recovery is
// extended to last instead.
func ToMutualRedo(rs []Range, last, window uint64) []Range {
	if len(rs) == 0 {
		return nil
	}
	tail := rs[len(rs)-1]
	out := append([]Range(nil), rs[:len(rs)-1]...)
	end := last
	if !tail.Open() && tail.End() > end {
		end = tail.End()
	}

	switch tail.Type {
	case RangeActive, RangeSynced:
		lo := lowWater(last, window)
		if lo < tail.Start {
			lo = tail.Start
		}
		if lo > end {
			lo = end
		}
		out = appendSpan(out, RangeSynced, tail.Start, lo)
		out = appendSpan(out, RangeMutualRedo, lo, end)
	case RangeMutualRedo:
		out = appendSpan(out, RangeMutualRedo, tail.Start, end)
	default:
		return rs
	}
	return Coalesce(out)
}

// FinishMutualRedo marks MUTUAL_REDO ranges SYNCED and opens a new ACTIVE
// range.
func FinishMutualRedo(rs []Range) []Range {
	return OpenActive(Coalesce(retype(rs, RangeMutualRedo, RangeSynced)))
}

// FailMutualRedo marks MUTUAL_REDO ranges UNDO and extends a trailing UNDO
// range to working, the first seqno the new owner may hand out.
func FailMutualRedo(rs []Range, working uint64) []Range {
	out := Coalesce(retype(rs, RangeMutualRedo, RangeUndo))
	if n := len(out); n > 0 && out[n-1].Type == RangeUndo && out[n-1].End() < working {
		out[n-1].Len = working - out[n-1].Start
	}
	return out
}

// SplitOnFailure records that a replica stopped keeping up while the shard
// was at seqno. A trailing open ACTIVE range [start, ∞) becomes SYNCED
// [start, seqno-2*window) and UNDO [max(start, seqno-2*window), seqno); any
// MUTUAL_REDO range becomes UNDO.
func SplitOnFailure(rs []Range, seqno, window uint64) []Range {
	out := retype(rs, RangeMutualRedo, RangeUndo)
	if ActiveOpen(out) {
		tail := out[len(out)-1]
		out = out[:len(out)-1]
		lo := lowWater(seqno, window)
		if lo < tail.Start {
			lo = tail.Start
		}
		if lo > seqno {
			lo = seqno
		}
		out = appendSpan(out, RangeSynced, tail.Start, lo)
		out = appendSpan(out, RangeUndo, lo, seqno)
	}
	return Coalesce(out)
}

// UndoToRedo replaces everything from the first UNDO range onwards with REDO
// [undo.Start, cur) and an open ACTIVE range from cur. cur is raised to the
// end of the existing ranges if they reach further. Ranges with no UNDO that
// end closed get REDO from their end instead, so a replica that missed
// writes while down is caught up. Ranges already ending open are returned
// unchanged.
func UndoToRedo(rs []Range, cur uint64) []Range {
	var out []Range
	var start uint64
	if i := slices.IndexFunc(rs, func(r Range) bool { return r.Type == RangeUndo }); i >= 0 {
		out = append(out, rs[:i]...)
		start = rs[i].Start
	} else if ActiveOpen(rs) {
		return rs
	} else {
		out = append(out, rs...)
		start = LastEnd(rs)
		if start < FirstValidSeqno {
			start = FirstValidSeqno
		}
	}
	if end := LastEnd(rs); end > cur {
		cur = end
	}
	if cur < FirstValidSeqno {
		cur = FirstValidSeqno
	}
	out = appendSpan(out, RangeRedo, start, cur)
	out = append(out, Range{Type: RangeActive, Start: cur, Len: LenOpen})
	return Coalesce(out)
}

// RedoToSynced marks REDO ranges SYNCED.
func RedoToSynced(rs []Range) []Range {
	return Coalesce(retype(rs, RangeRedo, RangeSynced))
}
