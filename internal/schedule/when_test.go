package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestParseTargetRelative(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC) // Wednesday
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"in 15m", 15 * time.Minute},
		{"in 2h", 2 * time.Hour},
		{"in 3d", 72 * time.Hour},
		{"IN 15 minutes", 15 * time.Minute},
		{"in 1 hour", time.Hour},
		{"in   2 days", 48 * time.Hour},
		{"in 1h30m", 90 * time.Minute},
		{"in 1m", time.Minute},
		{"in 180d", 180 * 24 * time.Hour},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseTarget(tt.in, time.UTC, now)
			if err != nil {
				t.Fatalf("ParseTarget(%q) error: %v", tt.in, err)
			}
			if d := got.Sub(now); d < tt.want-time.Second || d > tt.want+time.Second {
				t.Fatalf("ParseTarget(%q) = now+%v, want now+%v", tt.in, d, tt.want)
			}
		})
	}
}

func TestParseTargetRejects(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	for _, in := range []string{
		"", "in 0m", "in 200d", "in 30s", "soon", "today 11:00", "today", "25:00",
		"2026-03-04 11:59", "2027-01-01 10:00", "next", "tomorrow 13:75", "in -5m",
	} {
		_, err := ParseTarget(in, time.UTC, now)
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("ParseTarget(%q) = %v, want *ParseError", in, err)
		}
	}
}

func TestParseTargetWallClock(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+3", 3*60*60)
	// Wednesday 2026-03-04 12:00 local.
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, loc)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"tomorrow", time.Date(2026, 3, 5, 9, 0, 0, 0, loc)},
		{"tomorrow 18:30", time.Date(2026, 3, 5, 18, 30, 0, 0, loc)},
		{"Tomorrow at 6pm", time.Date(2026, 3, 5, 18, 0, 0, 0, loc)},
		{"today 18:30", time.Date(2026, 3, 4, 18, 30, 0, 0, loc)},
		{"18:30", time.Date(2026, 3, 4, 18, 30, 0, 0, loc)},
		{"11:00", time.Date(2026, 3, 5, 11, 0, 0, 0, loc)},
		{"9am", time.Date(2026, 3, 5, 9, 0, 0, 0, loc)},
		{"6:15 pm", time.Date(2026, 3, 4, 18, 15, 0, 0, loc)},
		{"12am", time.Date(2026, 3, 5, 0, 0, 0, 0, loc)},
		{"friday", time.Date(2026, 3, 6, 9, 0, 0, 0, loc)},
		{"fri 17:00", time.Date(2026, 3, 6, 17, 0, 0, 0, loc)},
		{"wednesday 15:00", time.Date(2026, 3, 4, 15, 0, 0, 0, loc)},
		{"wednesday 10:00", time.Date(2026, 3, 11, 10, 0, 0, 0, loc)},
		{"next wednesday 15:00", time.Date(2026, 3, 11, 15, 0, 0, 0, loc)},
		{"next thursday", time.Date(2026, 3, 5, 9, 0, 0, 0, loc)},
		{"monday", time.Date(2026, 3, 9, 9, 0, 0, 0, loc)},
		{"2026-03-10 08:15", time.Date(2026, 3, 10, 8, 15, 0, 0, loc)},
		{"2026-03-10T08:15", time.Date(2026, 3, 10, 8, 15, 0, 0, loc)},
		{"10.03.2026 08:15", time.Date(2026, 3, 10, 8, 15, 0, 0, loc)},
		{"10/03/2026 08:15", time.Date(2026, 3, 10, 8, 15, 0, 0, loc)},
		{"2026/03/10 08:15", time.Date(2026, 3, 10, 8, 15, 0, 0, loc)},
		{"2026-03-10", time.Date(2026, 3, 10, 9, 0, 0, 0, loc)},
		{"2026-03-10T08:15:00Z", time.Date(2026, 3, 10, 8, 15, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseTarget(tt.in, loc, now)
			if err != nil {
				t.Fatalf("ParseTarget(%q) error: %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("ParseTarget(%q) = %v, want %v", tt.in, got.In(loc), tt.want)
			}
			if got.Location() != time.UTC {
				t.Fatalf("ParseTarget(%q) location = %v, want UTC", tt.in, got.Location())
			}
		})
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	h, m, err := parseClock("23:15")
	if err != nil || h != 23 || m != 15 {
		t.Fatalf("parseClock = %d:%d, %v", h, m, err)
	}
	if _, _, err := parseClock("13pm"); err == nil {
		t.Fatal("expected error for 13pm")
	}
	if _, _, err := parseClock("7"); err == nil {
		t.Fatal("expected error for a bare hour")
	}
}
