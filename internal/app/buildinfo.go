package app

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

var (
	// Version is filled by ldflags in release builds.
	Version = "dev"
	// BuildDate is filled by ldflags in release builds.
	BuildDate = ""
	// Commit is filled by ldflags; otherwise it falls back to the VCS stamp
	// recorded by the Go toolchain.
	Commit = ""

	readBuildInfo = debug.ReadBuildInfo
)

func BuildVersion() string {
	version := strings.TrimSpace(Version)
	if version == "" {
		return "dev"
	}

	return version
}

func BuildDateYMD() string {
	raw := strings.TrimSpace(BuildDate)
	if raw == "" {
		raw = buildSetting("vcs.time")
	}
	if raw == "" {
		return ""
	}

	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.Format("2006-01-02")
	}

	if len(raw) >= len("2006-01-02") {
		date := raw[:len("2006-01-02")]
		if _, err := time.Parse("2006-01-02", date); err == nil {
			return date
		}
	}

	return raw
}

// BuildCommit returns the short commit hash, marked "-dirty" when the tree
// had local changes at build time.
func BuildCommit() string {
	commit := strings.TrimSpace(Commit)
	dirty := false
	if commit == "" {
		commit = buildSetting("vcs.revision")
		dirty = buildSetting("vcs.modified") == "true"
	}
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if commit != "" && dirty {
		commit += "-dirty"
	}

	return commit
}

func BuildVersionWithDate() string {
	version := BuildVersion()
	var extra []string
	if commit := BuildCommit(); commit != "" {
		extra = append(extra, commit)
	}
	if buildDate := BuildDateYMD(); buildDate != "" {
		extra = append(extra, buildDate)
	}
	if len(extra) > 0 {
		return fmt.Sprintf("%s (%s)", version, strings.Join(extra, ", "))
	}

	return version
}

func buildSetting(key string) string {
	info, ok := readBuildInfo()
	if !ok || info == nil {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == key {
			return strings.TrimSpace(s.Value)
		}
	}

	return ""
}
