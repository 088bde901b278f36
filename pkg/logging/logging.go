package logging

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// New returns the root logger of a binary. level is one of trace, debug, info, warn, error;
// anything else falls back to info. A nil writer logs to stderr.
func New(name, level string, w io.Writer) hclog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:            name,
		Level:           lvl,
		Output:          w,
		JSONFormat:      os.Getenv("LOG_JSON") == "1",
		IncludeLocation: lvl <= hclog.Debug,
	})
}
