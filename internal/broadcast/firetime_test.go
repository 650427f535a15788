package broadcast

import (
	"testing"
	"time"
)

func TestParseFireTime(t *testing.T) {
	cases := []struct {
		in     string
		hour   int
		minute int
		ok     bool
	}{
		{"00:00", 0, 0, true},
		{"09:05", 9, 5, true},
		{"23:59", 23, 59, true},
		{" 7:30 ", 7, 30, true},
		{"24:00", 0, 0, false},
		{"12:60", 0, 0, false},
		{"12", 0, 0, false},
		{"12:00:00", 0, 0, false},
		{"aa:bb", 0, 0, false},
		{"", 0, 0, false},
		{"+9:-0", 0, 0, false},
		{"-1:00", 0, 0, false},
		{"9:5", 0, 0, false},
		{"09:5", 0, 0, false},
		{"1:000", 0, 0, false},
		{"123:00", 0, 0, false},
		{"1 2:30", 0, 0, false},
		{"9:05", 9, 5, true},
	}
	for _, tc := range cases {
		h, m, err := ParseFireTime(tc.in)
		if tc.ok && err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.in, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if h != tc.hour || m != tc.minute {
			t.Fatalf("%q: got %02d:%02d", tc.in, h, m)
		}
	}
}

func TestNextFireToday(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	now := time.Date(2024, 3, 10, 8, 0, 0, 0, loc)
	got := NextFire(now, 9, 30, loc)
	want := time.Date(2024, 3, 10, 9, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestNextFireRollsOverWhenPassed(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	now := time.Date(2024, 3, 10, 10, 0, 0, 0, loc)
	got := NextFire(now, 9, 30, loc)
	want := time.Date(2024, 3, 11, 9, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestNextFireExactlyNowIsTomorrow(t *testing.T) {
	loc := time.UTC
	now := time.Date(2024, 12, 31, 9, 30, 0, 0, loc)
	got := NextFire(now, 9, 30, loc)
	want := time.Date(2025, 1, 1, 9, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestNextFireUsesReferenceZone(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	// 02:00 UTC is 23:00 of the previous day in BRT.
	now := time.Date(2024, 3, 10, 2, 0, 0, 0, time.UTC)
	got := NextFire(now, 23, 30, loc)
	want := time.Date(2024, 3, 9, 23, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestNextFireAlwaysAheadWithinADay(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	base := time.Date(2024, 2, 28, 0, 0, 0, 0, loc)
	for step := 0; step < 24*60; step += 7 {
		now := base.Add(time.Duration(step)*time.Minute + 13*time.Second)
		for _, hm := range [][2]int{{0, 0}, {6, 15}, {12, 0}, {23, 59}} {
			at := NextFire(now, hm[0], hm[1], loc)
			if !at.After(now) {
				t.Fatalf("now=%v %02d:%02d: %v is not after now", now, hm[0], hm[1], at)
			}
			if at.Sub(now) > 24*time.Hour {
				t.Fatalf("now=%v %02d:%02d: %v is more than a day ahead", now, hm[0], hm[1], at)
			}
			local := at.In(loc)
			if local.Hour() != hm[0] || local.Minute() != hm[1] || local.Second() != 0 {
				t.Fatalf("wall clock mismatch: %v", local)
			}
		}
	}
}
