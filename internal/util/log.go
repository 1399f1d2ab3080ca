package util

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

func NewLogger(level string) zerolog.Logger {
	return NewLoggerTo(os.Stdout, level)
}

// NewLoggerTo writes JSON lines to w; "console" in the level (e.g. "debug,console") switches to human output.
func NewLoggerTo(w io.Writer, level string) zerolog.Logger {
	lvlName, console := parseLevelSpec(level)
	lvl, err := zerolog.ParseLevel(lvlName)
	if err != nil || lvlName == "" {
		lvl = zerolog.InfoLevel
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

func parseLevelSpec(spec string) (string, bool) {
	level := ""
	console := false
	for _, part := range strings.Split(strings.ToLower(spec), ",") {
		part = strings.TrimSpace(part)
		if part == "console" {
			console = true
			continue
		}
		if level == "" {
			level = part
		}
	}
	return level, console
}
