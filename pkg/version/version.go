package version

import "runtime"

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// Info is reported by /api/v1/version and the agent on startup.
type Info struct {
	Build     string `json:"build"`
	GoVersion string `json:"goVersion"`
}

func Get() Info {
	return Info{Build: Build, GoVersion: runtime.Version()}
}

func (i Info) String() string {
	return i.Build + " (" + i.GoVersion + ")"
}
