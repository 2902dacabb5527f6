// Package sysutil holds small process-level helpers shared by the daemon
// entrypoint and the configuration loader.
package sysutil

import (
	"strings"

	"github.com/rs/zerolog"
)

// SetLogLevel applies LOG_LEVEL to the global zerolog level. Unknown or
// empty values fall back to info so a typo in the environment never
// silences the gateway's logs. Accepted (case-insensitive): debug, info,
// warn/warning, error, fatal, panic.
func SetLogLevel(lvl string) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "panic":
		zerolog.SetGlobalLevel(zerolog.PanicLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// FirstNonEmpty returns the first value that is not blank after trimming.
// The config loader uses it to let newer MSGSYNC_-prefixed variables win
// over their legacy unprefixed names.
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
