package storage

import (
	"math"
	"testing"
)

func TestNarrowUint64(t *testing.T) {
	cases := []struct {
		in   uint64
		want int64
	}{
		{0, 0},
		{42, 42},
		{math.MaxInt64, math.MaxInt64},
		{math.MaxInt64 + 1, math.MaxInt64},
		{math.MaxUint64, math.MaxInt64},
	}
	for _, c := range cases {
		if got := NarrowUint64(c.in); got != c.want {
			t.Fatalf("NarrowUint64(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestNarrowInt(t *testing.T) {
	cases := []struct {
		in   any
		want int64
	}{
		{int64(-5), -5},
		{uint64(7), 7},
		{uint64(math.MaxUint64), math.MaxInt64},
		{int(3), 3},
		{int32(-1), -1},
		{uint32(9), 9},
		{uint16(65535), 65535},
		{int8(-8), -8},
		{"not a number", 0},
	}
	for _, c := range cases {
		if got := NarrowInt(c.in); got != c.want {
			t.Fatalf("NarrowInt(%#v) = %d, want %d", c.in, got, c.want)
		}
	}
}
