// Package version reports the build identity amd and amctl print for
// their --version flags: the git commit/branch the binary was built from
// plus whatever the Go toolchain recorded in its build info.
package version

import (
	"fmt"
	"runtime/debug"

	"github.com/google/go-cmp/cmp"
)

var (
	// These will be set via -ldflags during build
	GitRepo   string
	GitBranch string
	GitCommit string
	BuildTime string
)

// Info returns a struct containing all version information
type Info struct {
	GitRepo   string           `json:"gitRepo,omitempty"`
	GitBranch string           `json:"gitBranch,omitempty"`
	GitCommit string           `json:"gitCommit,omitempty"`
	BuildTime string           `json:"buildTime,omitempty"`
	BuildInfo *debug.BuildInfo `json:"buildInfo,omitempty"`
}

// Get returns the version information
func Get() Info {
	buildInfo, ok := debug.ReadBuildInfo()
	ret := Info{
		GitRepo:   GitRepo,
		GitBranch: GitBranch,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
	}
	if ok {
		ret.BuildInfo = buildInfo
	}
	return ret
}

// String renders a one-line --version summary.
func (v Info) String() string {
	commit := v.GitCommit
	if commit == "" {
		commit = "unknown"
	}
	s := fmt.Sprintf("commit %s", commit)
	if v.GitBranch != "" {
		s += fmt.Sprintf(" (%s)", v.GitBranch)
	}
	if v.BuildTime != "" {
		s += fmt.Sprintf(", built %s", v.BuildTime)
	}
	if v.BuildInfo != nil {
		s += fmt.Sprintf(", %s", v.BuildInfo.GoVersion)
	}
	return s
}

// Equal checks if two version infos represent the same version: the same
// git commit, branch and repo, and, when v carries build info, the same
// main module path, dependencies and Go version. Build time is not compared.
func (v Info) Equal(other Info) bool {
	if v.BuildInfo != nil {
		if other.BuildInfo == nil {
			return false
		}
		if v.BuildInfo.Main.Path != other.BuildInfo.Main.Path ||
			!cmp.Equal(v.BuildInfo.Deps, other.BuildInfo.Deps) ||
			v.BuildInfo.GoVersion != other.BuildInfo.GoVersion {
			return false
		}
	}
	if v.GitBranch != other.GitBranch ||
		v.GitCommit != other.GitCommit ||
		v.GitRepo != other.GitRepo {
		return false
	}
	return true
}
