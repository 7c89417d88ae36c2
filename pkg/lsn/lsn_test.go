package lsn

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLag(t *testing.T) {
	tests := []struct {
		name    string
		current LSN
		latest  LSN
		want    uint64
	}{
		{"zero lag", LSN(100), LSN(100), 0},
		{"positive lag", LSN(100), LSN(200), 100},
		{"current ahead", LSN(200), LSN(100), 0},
		{"both zero", LSN(0), LSN(0), 0},
		{"large lag", LSN(0), LSN(1 << 30), 1 << 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Lag(tt.current, tt.latest)
			if got != tt.want {
				t.Errorf("Lag(%d, %d) = %d, want %d", tt.current, tt.latest, got, tt.want)
			}
		})
	}
}

func TestFormatLag(t *testing.T) {
	tests := []struct {
		name    string
		bytes   uint64
		latency time.Duration
		want    string
	}{
		{"zero", 0, 0, "0 B (latency: 0s)"},
		{"bytes", 512, 5 * time.Millisecond, "512 B (latency: 5ms)"},
		{"kilobytes", 1024, 10 * time.Millisecond, "1.00 KB (latency: 10ms)"},
		{"megabytes", 1 << 20, 150 * time.Millisecond, "1.00 MB (latency: 150ms)"},
		{"gigabytes", 1 << 30, 30 * time.Second, "1.00 GB (latency: 30s)"},
		{"fractional MB", 1572864, 0, "1.50 MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatLag(tt.bytes, tt.latency)
			if !strings.Contains(got, tt.want) && got != tt.want {
				t.Errorf("FormatLag(%d, %v) = %q, want to contain %q", tt.bytes, tt.latency, got, tt.want)
			}
		})
	}
}

func TestFormatLag_LatencyTruncation(t *testing.T) {
	got := FormatLag(0, 1234567*time.Nanosecond)
	if !strings.Contains(got, "latency: 1ms") {
		t.Errorf("FormatLag should truncate to milliseconds, got %q", got)
	}
}

func TestParseAndString_RoundTrip(t *testing.T) {
	tests := []string{
		"16/B374D848",
		"0/0",
		"1/0",
		"FFFFFFFF/FFFFFFFF",
		"a/1b2c3d",
	}
	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			v, err := Parse(s)
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", s, err)
			}
			got := v.String()
			if !strings.EqualFold(got, s) {
				t.Errorf("String() = %q, want case-insensitive match of %q", got, s)
			}
			v2, err := Parse(got)
			if err != nil {
				t.Fatalf("Parse(String()) unexpected error: %v", err)
			}
			if v2 != v {
				t.Errorf("round trip mismatch: %d != %d", v2, v)
			}
		})
	}
}

func TestParse_KnownValues(t *testing.T) {
	v, err := Parse("1/0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != LSN(0x100000000) {
		t.Errorf("Parse(1/0) = %d, want %d", v, uint64(0x100000000))
	}

	v, err = Parse("16/B374D848")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.String() != "16/B374D848" {
		t.Errorf("String() = %q, want 16/B374D848", v.String())
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []string{
		"",
		"no-slash",
		"1/2/3",
		"/1",
		"1/",
		"zzz/1",
		"1/zzz",
		"123456789/1",
	}
	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			_, err := Parse(s)
			if err == nil {
				t.Fatalf("Parse(%q) expected error, got nil", s)
			}
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Errorf("Parse(%q) error is not a *FormatError: %v", s, err)
			}
		})
	}
}

func TestTryParse(t *testing.T) {
	if _, ok := TryParse("not valid"); ok {
		t.Error("TryParse should report false for invalid input")
	}
	if v, ok := TryParse("0/10"); !ok || v != LSN(0x10) {
		t.Errorf("TryParse(0/10) = (%d, %v), want (16, true)", v, ok)
	}
}

func TestAddSub_RoundTrip(t *testing.T) {
	start := LSN(1000)
	added, err := start.Add(250)
	if err != nil {
		t.Fatalf("Add unexpected error: %v", err)
	}
	back, err := added.Sub(250)
	if err != nil {
		t.Fatalf("Sub unexpected error: %v", err)
	}
	if back != start {
		t.Errorf("(x + n) - n = %d, want %d", back, start)
	}
}

func TestAdd_Overflow(t *testing.T) {
	max := LSN(^uint64(0))
	if _, err := max.Add(1); err == nil {
		t.Error("Add expected overflow error")
	}
}

func TestSub_Underflow(t *testing.T) {
	if _, err := LSN(5).Sub(10); err == nil {
		t.Error("Sub expected underflow error")
	}
}

func TestDiff_Symmetric(t *testing.T) {
	x, y := LSN(500), LSN(1200)
	if x.Diff(y) != y.Diff(x) {
		t.Errorf("Diff not symmetric: %d != %d", x.Diff(y), y.Diff(x))
	}
	if x.Diff(y) != 700 {
		t.Errorf("Diff(x,y) = %d, want 700", x.Diff(y))
	}
}

func TestCompare(t *testing.T) {
	if LSN(1).Compare(LSN(2)) != -1 {
		t.Error("expected -1")
	}
	if LSN(2).Compare(LSN(1)) != 1 {
		t.Error("expected 1")
	}
	if LSN(2).Compare(LSN(2)) != 0 {
		t.Error("expected 0")
	}
}

func TestValid(t *testing.T) {
	if LSN(0).Valid() {
		t.Error("zero LSN should be invalid")
	}
	if !LSN(1).Valid() {
		t.Error("non-zero LSN should be valid")
	}
}
