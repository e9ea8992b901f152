package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

const Name = "sessionrelay"

// Set at build time with
// -ldflags "-X github.com/lkarlslund/sessionrelay/pkg/version.Version=vX.Y.Z".
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
	Dirty   bool   `json:"dirty,omitempty"`
}

func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.Date == "" {
					info.Date = s.Value
				}
			case "vcs.modified":
				info.Dirty = s.Value == "true"
			}
		}
	}
	return info
}

func String() string {
	v := Current()
	out := v.Version
	if v.Commit != "" {
		out += "+" + v.Commit[:min(12, len(v.Commit))]
	}
	if v.Dirty {
		out += "+dirty"
	}
	return out
}

// Title is the product banner returned to connection probes.
func Title() string {
	return fmt.Sprintf("%s %s", Name, Current().Version)
}

func Detailed() string {
	v := Current()
	out := Name + " " + String()
	if v.Date != "" {
		out += "\nBuilt: " + v.Date
	}
	return out
}
