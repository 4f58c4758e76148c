package engine

import (
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

var platformAliases = map[string]string{
	"host":          "macos",
	"macos":         "macos",
	"macosx":        "macos",
	"osx":           "macos",
	"ios":           "ios",
	"iphoneos":      "ios",
	"tvos":          "tvos",
	"appletvos":     "tvos",
	"watchos":       "watchos",
	"visionos":      "visionos",
	"xros":          "visionos",
	"maccatalyst":   "maccatalyst",
	"ios-simulator": "simulator",
	"iossimulator":  "simulator",
	"simulator":     "simulator",
}

// NormalizePlatform maps platform names (including debugger names such as
// remote-ios or ios-simulator) onto the short names the engine understands.
// An empty platform is returned as is.
func NormalizePlatform(platform string) (string, error) {
	if len(platform) == 0 {
		return "", nil
	}
	p := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(platform)), "remote-")
	if name, ok := platformAliases[p]; ok {
		return name, nil
	}
	if strings.HasSuffix(p, "-simulator") || strings.HasSuffix(p, "simulator") {
		return "simulator", nil
	}
	return "", errors.Errorf("unknown platform '%s'", platform)
}

// platformArchs returns the universal binary slices to try, in order, when
// no architecture was requested.
func platformArchs(platform string) []string {
	switch platform {
	case "ios", "tvos", "visionos":
		return []string{"arm64e", "arm64"}
	case "watchos":
		return []string{"arm64_32", "arm64", "armv7k"}
	case "macos", "maccatalyst", "simulator":
		if runtime.GOARCH == "amd64" {
			return []string{"x86_64h", "x86_64"}
		}
		return []string{"arm64e", "arm64", "x86_64"}
	}
	return nil
}
