package main

import "testing"

func TestNormalizeMac(t *testing.T) {
	for _, tc := range []struct {
		in, want string
	}{
		{"AA:BB:CC:DD:EE:FF", "aa:bb:cc:dd:ee:ff"},
		{"aa-bb-cc-dd-ee-ff", "aa:bb:cc:dd:ee:ff"},
		{"aabb.ccdd.eeff", "aa:bb:cc:dd:ee:ff"},
		{"aabbccddeeff", "aa:bb:cc:dd:ee:ff"},
		{"  aa:bb:cc:dd:ee:ff  ", "aa:bb:cc:dd:ee:ff"},
		{"aa:bb:cc:dd:ee", ""},
		{"zz:bb:cc:dd:ee:ff", ""},
		{"", ""},
	} {
		if got := normalizeMac(tc.in); got != tc.want {
			t.Fatalf("normalizeMac(%q): got=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestIsValidIPv4(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want bool
	}{
		{"192.168.1.1", true},
		{"0.0.0.0", true},
		{"255.255.255.255", true},
		{"256.1.1.1", false},
		{"192.168.1", false},
		{"192.168.1.1.1", false},
		{"not-an-ip", false},
		{"", false},
	} {
		if got := isValidIPv4(tc.in); got != tc.want {
			t.Fatalf("isValidIPv4(%q): got=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestIgnoresSeverity(t *testing.T) {
	r := ThreatIgnoreRule{IgnoreHigh: true, IgnoreLow: true}

	if !r.ignoresSeverity(SeverityHigh) || !r.ignoresSeverity(SeverityLow) {
		t.Fatalf("checked severities should be ignored")
	}
	if r.ignoresSeverity(SeverityMedium) {
		t.Fatalf("unchecked severity must not be ignored")
	}
	if r.ignoresSeverity(0) || r.ignoresSeverity(4) {
		t.Fatalf("out of range severities must not be ignored")
	}
}
