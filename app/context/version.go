package context

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// VersionInfo describes the build of the running binary.
type VersionInfo struct {
	Semantic string
	Commit   string
	Dirty    bool
	Go       string
	Platform string
}

// String returns the human readable version, e.g.
// "v1.2.0 (commit 1a2b3c4d5e6f, go1.24.2, linux/amd64)".
func (v *VersionInfo) String() string {
	meta := []string{}
	if v.Commit != "" {
		commit := v.Commit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		if v.Dirty {
			commit += "-dirty"
		}
		meta = append(meta, "commit "+commit)
	}
	meta = append(meta, v.Go, v.Platform)

	return fmt.Sprintf("%s (%s)", v.Semantic, strings.Join(meta, ", "))
}

// GetVersion returns the version information embedded in the binary by the Go
// toolchain.
func GetVersion() (*VersionInfo, error) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil, fmt.Errorf("build information is unavailable")
	}

	v := &VersionInfo{
		Semantic: info.Main.Version,
		Go:       info.GoVersion,
		Platform: fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
	if v.Semantic == "" || v.Semantic == "(devel)" {
		v.Semantic = "dev"
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			v.Commit = s.Value
		case "vcs.modified":
			v.Dirty = s.Value == "true"
		}
	}

	return v, nil
}
