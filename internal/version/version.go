// Package version reports build information injected with -ldflags, falling
// back to the VCS stamp recorded by the Go toolchain.
package version

import (
	"runtime/debug"
	"time"
)

var (
	// Version is the release version (set via -ldflags).
	Version = ""
	// Commit is the git commit hash (set via -ldflags).
	Commit = ""
	// BuildTime is the build timestamp (set via -ldflags).
	BuildTime = ""
)

type Info struct {
	Version   string
	Commit    string
	BuildTime string
	Modified  bool
}

func Resolve() Info {
	return resolve(debug.ReadBuildInfo)
}

func resolve(read func() (*debug.BuildInfo, bool)) Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	}
	if bi, ok := read(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.BuildTime == "" {
					info.BuildTime = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
		if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
	}
	if info.Version == "" {
		if info.BuildTime != "" {
			info.Version = info.BuildTime
		} else {
			info.Version = time.Now().UTC().Format("20060102T150405Z")
		}
	}
	return info
}

func String() string {
	return Resolve().String()
}

func (i Info) String() string {
	if i.Commit == "" {
		return i.Version
	}
	s := i.Version + " (" + shortCommit(i.Commit)
	if i.Modified {
		s += "+dirty"
	}
	return s + ")"
}

func shortCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}
