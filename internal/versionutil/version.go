// Package versionutil normalizes the build version reported by the binary.
package versionutil

import (
	"runtime/debug"
	"strings"
)

// Dev is the version of binaries built without release metadata.
const Dev = "dev"

// EnsureVPrefix returns s with a leading "v" if it doesn't already have one.
func EnsureVPrefix(s string) string {
	if s != "" && !strings.HasPrefix(s, "v") {
		return "v" + s
	}
	return s
}

// Resolve returns the version to report for a binary stamped with v. Dev
// builds fall back to the module version recorded by `go install`.
func Resolve(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || v == Dev {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return Dev
		}
		return fromBuildInfo(info)
	}
	return EnsureVPrefix(v)
}

func fromBuildInfo(info *debug.BuildInfo) string {
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return EnsureVPrefix(v)
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			return Dev + "+" + s.Value[:7]
		}
	}
	return Dev
}
