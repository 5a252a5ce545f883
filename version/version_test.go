package version

import (
	"strings"
	"testing"
	"time"
)

func withBuildVars(t *testing.T, version, commit, buildTime string) {
	t.Helper()
	v, c, b := Version, GitCommit, BuildTime
	Version, GitCommit, BuildTime = version, commit, buildTime
	t.Cleanup(func() { Version, GitCommit, BuildTime = v, c, b })
}

func TestGet_LinkerValuesWin(t *testing.T) {
	withBuildVars(t, "1.4.0", "0123456789abcdef", "2026-03-01T10:00:00Z")

	info := Get()
	if info.Version != "1.4.0" {
		t.Errorf("expected 1.4.0, got %q", info.Version)
	}
	if info.GitCommit != "0123456" {
		t.Errorf("expected commit shortened to 7 chars, got %q", info.GitCommit)
	}
	if want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC); !info.BuildTime.Equal(want) {
		t.Errorf("expected build time %v, got %v", want, info.BuildTime)
	}
}

func TestInfo_IsRelease(t *testing.T) {
	tests := []struct {
		info Info
		want bool
	}{
		{Info{Version: "dev"}, false},
		{Info{Version: "1.0.0"}, true},
		{Info{Version: "1.0.0", Dirty: true}, false},
		{Info{Version: "1.0.0-dirty"}, false},
	}
	for _, tt := range tests {
		if got := tt.info.IsRelease(); got != tt.want {
			t.Errorf("%+v.IsRelease() = %v, want %v", tt.info, got, tt.want)
		}
	}
}

func TestInfo_Short(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{"version only", Info{Version: "dev"}, "dev"},
		{"with commit", Info{Version: "1.0.0", GitCommit: "abc1234"}, "1.0.0-abc1234"},
		{"dirty", Info{Version: "1.0.0", GitCommit: "abc1234", Dirty: true}, "1.0.0-abc1234-dirty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.Short(); got != tt.want {
				t.Errorf("Short() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInfo_String(t *testing.T) {
	info := Info{
		Version:   "1.0.0",
		BuildTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		GoVersion: "go1.26.0",
	}
	got := info.String()
	for _, part := range []string{"1.0.0", "(built 2026-01-02T03:04:05Z)", "go1.26.0"} {
		if !strings.Contains(got, part) {
			t.Errorf("String() = %q, missing %q", got, part)
		}
	}
	if s := (Info{Version: "dev"}).String(); s != "dev" {
		t.Errorf("expected bare version, got %q", s)
	}
}
