package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultUIDSetByteLimit is the default byte budget for an encoded UID
// set, chosen to keep command lines well under the RFC-recommended
// 1000-octet line limit (spec §4.1, §9).
const DefaultUIDSetByteLimit = 768

// Range is a normalized, inclusive UID range. Min == Max names a
// single UID.
type Range struct {
	Min, Max uint32
}

// EncodeUIDSet renders as many of the sorted, deduplicated uids as fit
// within limit bytes (0 means DefaultUIDSetByteLimit), coalescing
// adjacent runs into "a:b" ranges. It returns the encoded set and the
// index of the first UID not included, so the caller can loop to
// encode the remainder as a further command.
func EncodeUIDSet(uids []uint32, limit int) (set string, next int) {
	if limit <= 0 {
		limit = DefaultUIDSetByteLimit
	}
	var b strings.Builder
	i := 0
	for i < len(uids) {
		start := i
		end := i
		for end+1 < len(uids) && uids[end+1] == uids[end]+1 {
			end++
		}

		var piece string
		if start == end {
			piece = strconv.FormatUint(uint64(uids[start]), 10)
		} else {
			piece = strconv.FormatUint(uint64(uids[start]), 10) + ":" + strconv.FormatUint(uint64(uids[end]), 10)
		}

		extra := len(piece)
		if b.Len() > 0 {
			extra++ // comma
		}
		if b.Len() > 0 && b.Len()+extra > limit {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(piece)
		i = end + 1
	}
	return b.String(), i
}

// EncodeRanges renders ranges directly, without the chunking
// EncodeUIDSet performs; used once the caller has already grouped UIDs
// into ranges (e.g. contiguous real UIDs during Journal replay).
func EncodeRanges(ranges []Range) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		if r.Min == r.Max {
			parts[i] = strconv.FormatUint(uint64(r.Min), 10)
		} else {
			parts[i] = fmt.Sprintf("%d:%d", r.Min, r.Max)
		}
	}
	return strings.Join(parts, ",")
}

// DecodeUIDSet parses a comma-separated list of "a" or "a:b" decimal
// ranges into individual UIDs, in the order the ranges appeared. "*"
// is not resolvable without knowing the mailbox's highest UID and is
// rejected with an error; callers that need to send "n:*" should
// construct that string directly rather than going through
// DecodeUIDSet.
func DecodeUIDSet(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}
	var out []uint32
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			return nil, NewProtocol("empty UID set member", nil)
		}
		lo, hi, found := strings.Cut(part, ":")
		min, err := strconv.ParseUint(lo, 10, 32)
		if err != nil {
			return nil, NewProtocol("invalid UID in set: "+part, err)
		}
		max := min
		if found {
			max, err = strconv.ParseUint(hi, 10, 32)
			if err != nil {
				return nil, NewProtocol("invalid UID in set: "+part, err)
			}
		}
		if max < min {
			min, max = max, min
		}
		for v := min; v <= max; v++ {
			out = append(out, uint32(v))
		}
	}
	return out, nil
}

// CoalesceRanges groups a sorted, deduplicated UID slice into minimal
// adjacent ranges.
func CoalesceRanges(uids []uint32) []Range {
	var ranges []Range
	i := 0
	for i < len(uids) {
		start := i
		for i+1 < len(uids) && uids[i+1] == uids[i]+1 {
			i++
		}
		ranges = append(ranges, Range{Min: uids[start], Max: uids[i]})
		i++
	}
	return ranges
}
