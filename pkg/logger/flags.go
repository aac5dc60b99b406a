package logger

import (
	"flag"
	"fmt"
	"log/slog"
)

// Flags collects the raw logging flag values before validation
type Flags struct {
	Level string
	JSON  bool
	File  string
	Debug string
}

// Register installs the logging flags on the given FlagSet
func Register(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.Level, "log-level", "info", "log level (debug|info|warn|error)")
	fs.BoolVar(&f.JSON, "log-json", false, "emit JSON records instead of text")
	fs.StringVar(&f.File, "log-file", "", "append logs to this file instead of stderr")
	fs.StringVar(&f.Debug, "debug", "",
		fmt.Sprintf("comma-separated debug categories (%s, or all); implies -log-level debug", categoryNames()))

	return f
}

// Options validates the parsed flags into logger Options
func (f *Flags) Options() (Options, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.Level)); err != nil {
		return Options{}, fmt.Errorf("parse -log-level: %w", err)
	}

	debug, err := ParseCategories(f.Debug)
	if err != nil {
		return Options{}, fmt.Errorf("parse -debug: %w", err)
	}

	return Options{
		Level: level,
		JSON:  f.JSON,
		File:  f.File,
		Debug: debug,
	}, nil
}
