package lbard

/*------------------------------------------------------------------
 *
 * Purpose:	Track received byte ranges of a partially-received
 *		bundle manifest or body, merging adjacent/overlapping
 *		ranges as fragments arrive out of order.
 *
 * Description:	A slice kept sorted descending by StartOffset. The
 *		contract is on byte content and non-overlap after Merge;
 *		the ordering is just what the merge walk wants to see.
 *
 *------------------------------------------------------------------*/

import "sort"

// Segment is one contiguous received byte range.
type Segment struct {
	StartOffset uint32
	Data        []byte // the range's length is len(Data)
}

func (s Segment) end() uint32 { return s.StartOffset + uint32(len(s.Data)) }

// SegmentList holds the segments of one in-flight manifest or body,
// kept sorted descending by StartOffset.
type SegmentList struct {
	segments []Segment
}

// Insert adds a new fragment and re-sorts descending by StartOffset.
// It does not merge; call Merge afterwards.
func (sl *SegmentList) Insert(offset uint32, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	seg := Segment{StartOffset: offset, Data: buf}

	i := sort.Search(len(sl.segments), func(i int) bool {
		return sl.segments[i].StartOffset <= offset
	})

	if i < len(sl.segments) && sl.segments[i].StartOffset == offset {
		// Tie-break: keep the longer segment; if equal length, keep
		// the existing one (the peer is misbehaving if the bytes
		// differ - nothing useful to do about that here but keep
		// running).
		if len(seg.Data) > len(sl.segments[i].Data) {
			sl.segments[i] = seg
		}
		return
	}

	sl.segments = append(sl.segments, Segment{})
	copy(sl.segments[i+1:], sl.segments[i:])
	sl.segments[i] = seg
}

// Merge walks the list once, coalescing each segment with its
// successor whenever they touch or overlap. Idempotent: merging an
// already-merged list is a no-op.
func (sl *SegmentList) Merge() {
	i := 0
	for i < len(sl.segments)-1 {
		cur := sl.segments[i]
		next := sl.segments[i+1]

		if cur.StartOffset > next.end() {
			// No overlap/touch with the next segment; move on.
			i++
			continue
		}

		// cur extends next (or lies wholly within it). Either way cur
		// is excised; if cur's tail reaches past next's end, next is cut
		// at cur's start and all of cur's bytes are appended, so cur's
		// bytes win where the two overlap.
		if cur.end() > next.end() {
			keep := cur.StartOffset - next.StartOffset
			next.Data = append(next.Data[:keep], cur.Data...)
		}

		sl.segments = append(sl.segments[:i], sl.segments[i+1:]...)
		sl.segments[i] = next
		// Don't advance: the grown segment may now touch its next
		// successor too.
	}
}

// IsComplete reports whether the list is exactly one segment covering
// [0, totalLength).
func (sl *SegmentList) IsComplete(totalLength uint32) bool {
	if len(sl.segments) != 1 {
		return false
	}
	s := sl.segments[0]
	return s.StartOffset == 0 && uint32(len(s.Data)) == totalLength
}

// Bytes returns the single covering segment's data, valid only when
// IsComplete is true.
func (sl *SegmentList) Bytes() []byte {
	if len(sl.segments) != 1 {
		return nil
	}
	return sl.segments[0].Data
}

// Reset empties the list, releasing its buffers.
func (sl *SegmentList) Reset() {
	sl.segments = nil
}

// Segments exposes a read-only snapshot, descending by StartOffset,
// for tests and diagnostics.
func (sl *SegmentList) Segments() []Segment {
	out := make([]Segment, len(sl.segments))
	copy(out, sl.segments)
	return out
}
