package main

import (
	"strings"
	"testing"
)

func TestFormatTrackDuration(t *testing.T) {
	cases := []struct {
		seconds int
		want    string
	}{
		{0, "LIVE"},
		{-5, "LIVE"},
		{7, "0:07"},
		{65, "1:05"},
		{600, "10:00"},
		{3725, "1:02:05"},
		{36000, "10:00:00"},
	}
	for _, c := range cases {
		if got := FormatTrackDuration(c.seconds); got != c.want {
			t.Errorf("FormatTrackDuration(%d) = %q, want %q", c.seconds, got, c.want)
		}
	}
}

func TestParseTrackDurationRoundTrip(t *testing.T) {
	for _, seconds := range []int{7, 65, 600, 3725, 36000} {
		s := FormatTrackDuration(seconds)
		got, err := ParseTrackDuration(s)
		if err != nil {
			t.Fatalf("ParseTrackDuration(%q) returned error: %v", s, err)
		}
		if got != seconds {
			t.Errorf("round trip of %d via %q gave %d", seconds, s, got)
		}
	}
}

func TestParseTrackDurationRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "abc", "1:2:3:4", "1:xx"} {
		if _, err := ParseTrackDuration(s); err == nil {
			t.Errorf("ParseTrackDuration(%q) should fail", s)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("short string should be untouched, got %q", got)
	}
	got := Truncate("hello world this is long", 10)
	if len(got) > 10 {
		t.Errorf("truncated string too long: %q", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected ellipsis suffix, got %q", got)
	}
}

func TestTruncateWithPreserve(t *testing.T) {
	got := TruncateWithPreserve(strings.Repeat("x", 200), 100, "[YT] ", " - Artist")
	if len([]rune(got)) > 100 {
		t.Errorf("result exceeds limit: %d runes", len([]rune(got)))
	}
	if !strings.HasPrefix(got, "[YT] ") {
		t.Errorf("prefix not preserved: %q", got)
	}
	if !strings.HasSuffix(got, " - Artist") {
		t.Errorf("suffix not preserved: %q", got)
	}
}

func TestDescribeDuration(t *testing.T) {
	cases := []struct {
		seconds int
		want    string
	}{
		{5, "5 seconds"},
		{60, "1 minute"},
		{185, "3 minutes 5 seconds"},
		{3600, "1 hour"},
	}
	for _, c := range cases {
		if got := DescribeDuration(c.seconds); got != c.want {
			t.Errorf("DescribeDuration(%d) = %q, want %q", c.seconds, got, c.want)
		}
	}
}
