package pgversion

import (
	"errors"
	"strings"
	"testing"
)

func TestParse_ReleaseForms(t *testing.T) {
	tests := []struct {
		in            string
		major, minor  int
		build, revis  *int
	}{
		{in: "13", major: 13},
		{in: "13.4", major: 13, minor: 4},
		{in: "9.6.1", major: 9, minor: 6, build: intp(1)},
		{in: "9.6.1.2", major: 9, minor: 6, build: intp(1), revis: intp(2)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Major != tt.major || v.Minor != tt.minor {
				t.Errorf("got major=%d minor=%d, want major=%d minor=%d", v.Major, v.Minor, tt.major, tt.minor)
			}
			if v.ReleaseType != Release {
				t.Errorf("got release type %v, want Release", v.ReleaseType)
			}
			if v.PreRelease != nil {
				t.Errorf("release builds must not carry a pre-release, got %v", *v.PreRelease)
			}
			if !eqIntPtr(v.Build, tt.build) {
				t.Errorf("build = %v, want %v", v.Build, tt.build)
			}
			if !eqIntPtr(v.Revision, tt.revis) {
				t.Errorf("revision = %v, want %v", v.Revision, tt.revis)
			}
		})
	}
}

func TestParse_Tags(t *testing.T) {
	tests := []struct {
		in   string
		kind ReleaseType
		pre  *int
	}{
		{"14beta1", Beta, intp(1)},
		{"14beta", Beta, nil},
		{"15alpha3", Alpha, intp(3)},
		{"16rc1", ReleaseCandidate, intp(1)},
		{"17devel", Devel, nil},
		{"9.2beta2", Beta, intp(2)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.ReleaseType != tt.kind {
				t.Errorf("got release type %v, want %v", v.ReleaseType, tt.kind)
			}
			if !eqIntPtr(v.PreRelease, tt.pre) {
				t.Errorf("pre-release = %v, want %v", v.PreRelease, tt.pre)
			}
		})
	}
}

func TestParse_DevelNeverHasPreRelease(t *testing.T) {
	v, err := Parse("18devel")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.ReleaseType != Devel {
		t.Fatalf("expected Devel, got %v", v.ReleaseType)
	}
	if v.PreRelease != nil {
		t.Errorf("devel must not carry a pre-release, got %v", *v.PreRelease)
	}
}

func TestParse_LeadingWhitespaceTolerated(t *testing.T) {
	v, err := Parse("   13.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Major != 13 || v.Minor != 4 {
		t.Errorf("got %+v", v)
	}
}

func TestParse_TrailingGarbageTruncates(t *testing.T) {
	v, portable, err := ParseWithPortable("13.4 (Ubuntu 13.4-1)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Major != 13 || v.Minor != 4 || v.ReleaseType != Release {
		t.Errorf("got %+v", v)
	}
	if portable != "13.4" {
		t.Errorf("portable = %q, want %q", portable, "13.4")
	}
}

func TestParse_RevisionFollowedByDotIsError(t *testing.T) {
	_, err := Parse("9.6.1.2.3")
	if err == nil {
		t.Fatal("expected error for a fifth version segment")
	}
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Errorf("error is not a *FormatError: %v", err)
	}
}

func TestParse_MalformedLeadingContent(t *testing.T) {
	tests := []string{"", "abc", ".5", "   "}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			if err == nil {
				t.Fatalf("Parse(%q) expected error", in)
			}
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Errorf("error is not a *FormatError: %v", err)
			}
		})
	}
}

func TestPortable_IsPrefixOfInput(t *testing.T) {
	inputs := []string{
		"13.4", "14beta1", "16devel", "9.6.1.2", " 13.4", "13.4-debian",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			_, portable, err := ParseWithPortable(in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			trimmed := strings.TrimLeft(in, " \t")
			if !strings.HasPrefix(trimmed, portable) {
				t.Errorf("portable %q is not a prefix of %q", portable, trimmed)
			}
		})
	}
}

func TestAtLeast(t *testing.T) {
	v := ServerVersion{Major: 9, Minor: 4}
	if !v.AtLeast(9, 2) {
		t.Error("9.4 should be >= 9.2")
	}
	if v.AtLeast(9, 5) {
		t.Error("9.4 should not be >= 9.5")
	}
	if !v.AtLeast(8, 9) {
		t.Error("9.4 should be >= 8.9")
	}
	if v.AtLeast(10, 0) {
		t.Error("9.4 should not be >= 10.0")
	}
}

func intp(v int) *int { return &v }

func eqIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
