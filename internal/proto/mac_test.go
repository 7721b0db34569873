package proto_test

import (
	"strings"
	"testing"

	"github.com/PixelWeatherProject/pwmp-server/internal/proto"
)

// TestMacCanonicalize verifies parse-then-format lowercases every
// supported MAC string.
func TestMacCanonicalize(t *testing.T) {
	t.Parallel()

	tests := []string{
		"aa:bb:cc:dd:ee:ff",
		"AA:BB:CC:DD:EE:FF",
		"00:11:22:33:44:55",
		"De:Ad:Be:Ef:00:01",
	}

	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			t.Parallel()

			mac, err := proto.ParseMac(s)
			if err != nil {
				t.Fatalf("ParseMac(%q): %v", s, err)
			}
			if got, want := mac.String(), strings.ToLower(s); got != want {
				t.Errorf("canonical form = %q, want %q", got, want)
			}
		})
	}
}

// TestParseMacRejectsMalformed verifies malformed strings fail.
func TestParseMacRejectsMalformed(t *testing.T) {
	t.Parallel()

	tests := []string{
		"",
		"aa:bb:cc:dd:ee",
		"aa:bb:cc:dd:ee:ff:00",
		"aa-bb-cc-dd-ee-ff",
		"aa:bb:cc:dd:ee:fg",
		"aabbccddeeff",
		"a:b:c:d:e:f",
	}

	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			t.Parallel()

			if _, err := proto.ParseMac(s); err == nil {
				t.Errorf("ParseMac(%q) succeeded, want error", s)
			}
		})
	}
}

// TestVersionOrdering verifies lexicographic ordering of version triples.
func TestVersionOrdering(t *testing.T) {
	t.Parallel()

	v := func(major, middle, minor uint8) proto.Version {
		return proto.Version{Major: major, Middle: middle, Minor: minor}
	}

	tests := []struct {
		name string
		a, b proto.Version
		want int
	}{
		{name: "equal", a: v(1, 2, 3), b: v(1, 2, 3), want: 0},
		{name: "major dominates", a: v(2, 0, 0), b: v(1, 99, 99), want: 1},
		{name: "middle breaks tie", a: v(1, 3, 0), b: v(1, 2, 99), want: 1},
		{name: "minor breaks tie", a: v(1, 2, 4), b: v(1, 2, 3), want: 1},
		{name: "zero is lowest", a: v(0, 0, 0), b: v(0, 0, 1), want: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Errorf("Compare(%s, %s) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
			if got := tt.b.Compare(tt.a); got != -tt.want {
				t.Errorf("Compare(%s, %s) = %d, want %d", tt.b, tt.a, got, -tt.want)
			}
		})
	}
}

// TestParseVersion verifies string parsing and range enforcement.
func TestParseVersion(t *testing.T) {
	t.Parallel()

	if v, err := proto.ParseVersion("1.2.3"); err != nil || v != (proto.Version{Major: 1, Middle: 2, Minor: 3}) {
		t.Errorf("ParseVersion(1.2.3) = %v, %v", v, err)
	}

	for _, bad := range []string{"", "1.2", "1.2.3.4", "128.0.0", "1.-2.3", "a.b.c"} {
		if _, err := proto.ParseVersion(bad); err == nil {
			t.Errorf("ParseVersion(%q) succeeded, want error", bad)
		}
	}
}
