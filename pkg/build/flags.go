// SPDX-License-Identifier: MIT
//
// Package build carries the metadata stamped into the binary with -ldflags:
//
//	go build -ldflags "-X sdrpipe/pkg/build.buildName=sdrpipe \
//	  -X sdrpipe/pkg/build.buildVersion=v0.3.0 ..."
//
// Development builds run with placeholder values.
package build

import (
	"errors"
	"fmt"
)

// Description is the one-line summary shown by the CLI.
const Description = "Stream I/Q samples from SDR receivers and analyse their spectrum"

type ldFlags struct {
	Name    string
	Time    string
	Commit  string
	Version string
}

// String renders the flags for --version and startup logs.
func (f *ldFlags) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", f.Name, f.Version, f.Commit, f.Time)
}

// Set by -ldflags.
var (
	buildName    string
	buildTime    string
	buildCommit  string
	buildVersion string
	buildFlags   = &ldFlags{
		Name:    "sdrpipe",
		Time:    "unknown",
		Commit:  "unknown",
		Version: "dev",
	}
)

// Initialize copies the ldflags values into the build information. Missing
// values are reported together and leave the placeholders in place, so the
// caller may treat the error as a warning.
func Initialize() error {
	var errs []error
	for _, f := range []struct {
		name, value string
	}{
		{"BuildName", buildName},
		{"BuildTime", buildTime},
		{"BuildCommit", buildCommit},
		{"BuildVersion", buildVersion},
	} {
		if f.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", f.name))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	buildFlags.Name = buildName
	buildFlags.Time = buildTime
	buildFlags.Commit = buildCommit
	buildFlags.Version = buildVersion
	return nil
}

// GetBuildFlags returns the current build information.
func GetBuildFlags() *ldFlags {
	return buildFlags
}
