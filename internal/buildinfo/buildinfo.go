package buildinfo

import (
	"runtime/debug"
	"strings"
	"time"
)

// Linker-overridable build metadata.
var (
	Version    = "0.1.0"
	CommitHash = ""
	BuildDate  = ""
)

// Info is normalized build metadata for display.
type Info struct {
	Version    string
	CommitHash string
	BuildDate  string
}

// Current returns build metadata from linker overrides, with runtime build
// settings as fallback when available.
func Current() Info {
	info := Info{
		Version:    strings.TrimSpace(Version),
		CommitHash: strings.TrimSpace(CommitHash),
		BuildDate:  strings.TrimSpace(BuildDate),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if (info.Version == "" || info.Version == "0.1.0") && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		var revision, vcsTime string
		dirty := false
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				revision = setting.Value
			case "vcs.time":
				vcsTime = setting.Value
			case "vcs.modified":
				dirty = setting.Value == "true"
			}
		}
		if info.CommitHash == "" && revision != "" {
			if len(revision) > 12 {
				revision = revision[:12]
			}
			if dirty {
				revision += "-dirty"
			}
			info.CommitHash = revision
		}
		if info.BuildDate == "" && vcsTime != "" {
			info.BuildDate = vcsTime
		}
	}

	if info.Version == "" {
		info.Version = "dev"
	}
	if t, err := time.Parse(time.RFC3339, info.BuildDate); err == nil {
		info.BuildDate = t.UTC().Format("2006-01-02 15:04:05 UTC")
	}
	return info
}
