package utils

import (
	"testing"
	"time"
)

func TestNormalizeSentinel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "-"},
		{"-", "-"},
		{"N/A", "-"},
		{"n/a", "-"},
		{"  N/A  ", "-"},
		{"87%", "87%"},
		{"  42  ", "42"},
	}
	for _, tt := range tests {
		if got := NormalizeSentinel(tt.in); got != tt.want {
			t.Errorf("NormalizeSentinel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParsePercent(t *testing.T) {
	tests := []struct {
		in     string
		want   float64
		wantOK bool
	}{
		{"87%", 87, true},
		{"87.5%", 87.5, true},
		{"  87.5%  ", 87.5, true},
		{"0%", 0, true},
		{"100%", 100, true},
		{"-", 0, false},
		{"", 0, false},
		{"N/A", 0, false},
		{"87", 0, false},
		{"87.%", 0, false},
		{"-5%", 0, false},
		{"87% complete", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParsePercent(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ParsePercent(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestClockToSeconds(t *testing.T) {
	tests := []struct {
		in     string
		want   float64
		wantOK bool
	}{
		{"3:45", 225, true},
		{"0:07", 7, true},
		{"12:00", 720, true},
		{"125:30", 7530, true},
		{"-", 0, false},
		{"", 0, false},
		{"3:4", 0, false},
		{"3:456", 0, false},
		{"3.45", 0, false},
	}
	for _, tt := range tests {
		got, ok := ClockToSeconds(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ClockToSeconds(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestParseScoreCell(t *testing.T) {
	tests := []struct {
		in       string
		wantS    string
		wantTime string
	}{
		{"87 (3:45)", "87", "3:45"},
		{"100 (0:07)", "100", "0:07"},
		{"87", "87", "0"},
		{"-", "-", "-"},
		{"- (3:45)", "-", "-"},
		{"87 (-)", "-", "-"},
		{"  87 (3:45)  ", "87", "3:45"},
		// Empty and no-data spellings must collapse to the sentinel, never
		// persist as a score.
		{"", "-", "-"},
		{"   ", "-", "-"},
		{"N/A", "-", "-"},
		{"N/A (3:45)", "-", "-"},
	}
	for _, tt := range tests {
		s, tm := ParseScoreCell(tt.in)
		if s != tt.wantS || tm != tt.wantTime {
			t.Errorf("ParseScoreCell(%q) = (%q, %q), want (%q, %q)", tt.in, s, tm, tt.wantS, tt.wantTime)
		}
	}
}

func TestParseMaxScoreLabel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Question 1 (10)", "10"},
		{"Lab 3 (2.5)", "2.5"},
		{"Question 1", "-"},
		{"Question ()", "-"},
		{"Essay (ungraded) (5)", "5"},
	}
	for _, tt := range tests {
		if got := ParseMaxScoreLabel(tt.in); got != tt.want {
			t.Errorf("ParseMaxScoreLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDateKey(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	ts := time.Date(2026, 3, 1, 22, 30, 0, 0, loc)
	if got := DateKey(ts); got != "2026-03-02" {
		t.Errorf("DateKey should bucket in UTC: got %q, want %q", got, "2026-03-02")
	}
}

func TestEnrollmentDateLayout(t *testing.T) {
	ts, err := time.Parse(EnrollmentDateLayout, "January 05, 2026")
	if err != nil {
		t.Fatalf("failed to parse enrollment date: %v", err)
	}
	if ts.Year() != 2026 || ts.Month() != time.January || ts.Day() != 5 {
		t.Errorf("unexpected parsed date: %v", ts)
	}
}
