package main

import (
	"fmt"
	"strconv"
	"strings"
)

// ============================================================================
// String Utilities
// ============================================================================

// Truncate truncates a string to the specified length with ellipsis at the end.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// TruncateCenter truncates a string keeping both the start and end.
func TruncateCenter(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	k := (maxLen - 3) / 2
	return string(r[:k]) + "..." + string(r[len(r)-k:])
}

// TruncateWithPreserve truncates text while preserving a prefix and suffix.
func TruncateWithPreserve(text string, maxLen int, prefix, suffix string) string {
	rp, rs := []rune(prefix), []rune(suffix)
	fixedLen := len(rp) + len(rs)
	if fixedLen >= maxLen-10 {
		return TruncateCenter(prefix+text+suffix, maxLen)
	}
	return prefix + TruncateCenter(text, maxLen-fixedLen) + suffix
}

// ============================================================================
// Time Utilities
// ============================================================================

// FormatTrackDuration renders a track length in seconds as "M:SS" or "H:MM:SS".
// Live streams and unknown lengths (zero or negative) render as "LIVE".
func FormatTrackDuration(seconds int) string {
	if seconds <= 0 {
		return "LIVE"
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// ParseTrackDuration is the inverse of FormatTrackDuration for finite lengths.
func ParseTrackDuration(s string) (int, error) {
	if s == "LIVE" {
		return 0, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		total = total*60 + n
	}
	return total, nil
}

// DescribeDuration renders a track length in words for embeds,
// e.g. "3 minutes 5 seconds".
func DescribeDuration(seconds int) string {
	if seconds <= 0 {
		return "live"
	}
	units := []struct {
		name string
		size int
	}{
		{"day", 86400},
		{"hour", 3600},
		{"minute", 60},
		{"second", 1},
	}
	var parts []string
	for _, u := range units {
		if n := seconds / u.size; n > 0 {
			name := u.name
			if n != 1 {
				name += "s"
			}
			parts = append(parts, fmt.Sprintf("%d %s", n, name))
			seconds %= u.size
		}
	}
	return strings.Join(parts, " ")
}
