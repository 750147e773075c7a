// Build information injected through -ldflags, e.g.
//   go build -ldflags "-X github.com/nobletooth/larder/pkg/utils.Version=v0.3.1" ./cmd/larder
// Values that are missing or malformed fall back to placeholders so logs never carry empty fields.

package utils

import (
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/mod/semver"
)

// devVersion is reported when no valid semantic version was stamped into the binary.
const devVersion = "v0.0.0-dev"

var (
	TestMode   string // Stamped as "true" for test builds.
	IsTestMode bool
	Version    string
	Commit     string
	BuildTime  string
	StartTime  time.Time
)

func init() {
	StartTime = time.Now()

	if !semver.IsValid(Version) {
		if Version != "" {
			slog.Warn("Ignoring malformed build version.", "version", Version)
		}
		Version = devVersion
	}
	if Commit == "" {
		Commit = "unknown"
	}
	if BuildTime == "" {
		BuildTime = "unknown"
	}
	if len(TestMode) > 0 {
		if isTestMode, err := strconv.ParseBool(TestMode); err == nil {
			IsTestMode = isTestMode
		} else {
			slog.Warn("Failed to parse TestMode build flag, defaulting to false.", "error", err)
		}
	}
}

// Uptime reports how long the process has been running.
func Uptime() time.Duration {
	return time.Since(StartTime)
}
