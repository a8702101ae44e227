package main

import (
	"testing"

	"github.com/loqalabs/loqa-voicerelay/internal/config"
)

func TestLicensePath(t *testing.T) {
	engines := config.Default().Engines
	cases := []struct {
		target   string
		override string
		want     string
	}{
		{target: "aquestalk1", want: "AquesTalk1/lib/f2/libAquesTalk.so"},
		{target: "aquestalk2", want: engines.AquesTalk2.LibraryPath},
		{target: "kanji2koe", want: engines.Kanji2Koe.LibraryPath},
		{target: "kanji2koe", override: "/opt/k2k.so", want: "/opt/k2k.so"},
	}
	for _, tc := range cases {
		got, err := licensePath(tc.target, engines, "f2", tc.override)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.target, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.target, tc.want, got)
		}
	}
	if _, err := licensePath("openjtalk", engines, "f1", ""); err == nil {
		t.Fatal("expected error for unknown target")
	}
}
