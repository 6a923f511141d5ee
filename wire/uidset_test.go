package wire

import (
	"reflect"
	"testing"
)

func TestEncodeUIDSetCoalesces(t *testing.T) {
	set, next := EncodeUIDSet([]uint32{1, 2, 3, 5, 7, 8, 9}, 0)
	if set != "1:3,5,7:9" {
		t.Errorf("set = %q, want 1:3,5,7:9", set)
	}
	if next != 7 {
		t.Errorf("next = %d, want 7", next)
	}
}

func TestEncodeUIDSetSingleton(t *testing.T) {
	set, next := EncodeUIDSet([]uint32{42}, 0)
	if set != "42" || next != 1 {
		t.Errorf("got (%q, %d), want (42, 1)", set, next)
	}
}

func TestEncodeUIDSetByteLimitChunks(t *testing.T) {
	uids := make([]uint32, 500)
	for i := range uids {
		uids[i] = uint32(i*2 + 1) // odd numbers: no coalescing, worst case
	}
	set, next := EncodeUIDSet(uids, 20)
	if len(set) > 20 {
		t.Errorf("set exceeds limit: %d bytes: %q", len(set), set)
	}
	if next == 0 || next >= len(uids) {
		t.Errorf("next = %d, want partial consumption of %d", next, len(uids))
	}

	// The remainder should be encodable by calling again from next; its
	// 492 mostly three-digit UIDs need about 1.9 KB, so the second call
	// gets a limit that holds them all.
	rest, next2 := EncodeUIDSet(uids[next:], 2048)
	if rest == "" {
		t.Fatal("expected remainder to be non-empty")
	}
	if next+next2 != len(uids) {
		t.Errorf("did not consume all uids across two calls: %d + %d != %d", next, next2, len(uids))
	}
}

func TestDecodeUIDSetRoundTrip(t *testing.T) {
	got, err := DecodeUIDSet("1:3,5,7:9")
	if err != nil {
		t.Fatal(err)
	}
	want := []uint32{1, 2, 3, 5, 7, 8, 9}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDecodeUIDSetReversedRange(t *testing.T) {
	got, err := DecodeUIDSet("9:7")
	if err != nil {
		t.Fatal(err)
	}
	want := []uint32{7, 8, 9}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDecodeUIDSetInvalid(t *testing.T) {
	if _, err := DecodeUIDSet("1,,3"); err == nil {
		t.Error("expected error for empty member")
	}
	if _, err := DecodeUIDSet("abc"); err == nil {
		t.Error("expected error for non-numeric UID")
	}
}

func TestCoalesceRanges(t *testing.T) {
	got := CoalesceRanges([]uint32{1, 2, 3, 5, 7, 8, 9})
	want := []Range{{1, 3}, {5, 5}, {7, 9}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEncodeRanges(t *testing.T) {
	got := EncodeRanges([]Range{{1, 3}, {5, 5}, {7, 9}})
	if got != "1:3,5,7:9" {
		t.Errorf("got %q", got)
	}
}
