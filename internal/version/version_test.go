package version

import (
	"strings"
	"testing"
)

func TestCurrent_DefaultsWithoutLdflags(t *testing.T) {
	b := Current()
	if b.Version == "" || b.Commit == "" || b.Date == "" {
		t.Fatalf("build fields must not be empty: %+v", b)
	}
	if !b.Dev() {
		t.Fatalf("tests run without ldflags, expected dev build, got %q", b.Version)
	}
}

func TestBuildString(t *testing.T) {
	tests := []struct {
		name  string
		build Build
		want  string
	}{
		{
			name:  "long commit is shortened",
			build: Build{Version: "v1.4.0", Commit: "0123456789abcdef", Date: "2026-03-01"},
			want:  "storefront v1.4.0 (commit 0123456, built 2026-03-01)",
		},
		{
			name:  "short commit kept",
			build: Build{Version: "dev", Commit: "unknown", Date: "unknown"},
			want:  "storefront dev (commit unknown, built unknown)",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.build.String(); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}

	if !strings.HasPrefix(Current().String(), Service+" ") {
		t.Fatal("string form must start with service name")
	}
}
