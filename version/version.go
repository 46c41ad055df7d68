// Package version reports build information set via ldflags.
package version

import (
	"fmt"
	"runtime"

	"github.com/Masterminds/semver/v3"
)

// Set at build time:
//
//	-ldflags "-X github.com/teranos/aggregator/version.Version=v1.2.0 -X ...CommitHash=$(git rev-parse HEAD)"
var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info contains version and build information
type Info struct {
	CommitHash string `json:"commit_hash" yaml:"commit_hash"`
	BuildTime  string `json:"build_time" yaml:"build_time"`
	Version    string `json:"version" yaml:"version"`
	GoVersion  string `json:"go_version" yaml:"go_version"`
	Platform   string `json:"platform" yaml:"platform"`
}

// Get returns the current version information
func Get() Info {
	return Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// Semver parses Version. Development builds return an error.
func (i Info) Semver() (*semver.Version, error) {
	return semver.NewVersion(i.Version)
}

func (i Info) String() string {
	v := i.Version
	if sv, err := i.Semver(); err == nil {
		v = "v" + sv.String()
	}
	return fmt.Sprintf("aggregator %s (commit %s, built %s, %s)", v, i.short(), i.BuildTime, i.Platform)
}

func (i Info) short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}

// Short returns the tagged version if there is one, else the short commit hash.
func Short() string {
	i := Get()
	if sv, err := i.Semver(); err == nil {
		return sv.String()
	}
	return i.short()
}
