package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version and Commit are set with -ldflags "-X"; Version falls back to the
// module version recorded by go install and Commit to the vcs revision.
var (
	Version = "dev"
	Commit  = ""
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	if Commit == "" {
		Commit = revision(info.Settings)
	}
}

func revision(settings []debug.BuildSetting) string {
	for _, s := range settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return ""
}

// String renders the build for `picard version`.
func String() string {
	if Commit == "" {
		return fmt.Sprintf("picard %s %s/%s", Version, runtime.GOOS, runtime.GOARCH)
	}
	return fmt.Sprintf("picard %s (%s) %s/%s", Version, Commit, runtime.GOOS, runtime.GOARCH)
}
