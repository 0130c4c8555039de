package logger

import (
	"flag"
	"fmt"
)

// Flags holds the logging-related command-line flags. Unlike the old
// per-category debug switches, verbosity is a single dial: off, error,
// warn, info, debug, trace. Enabling debug or trace turns on every
// DebugCategory at once, since the CLI no longer exposes per-category
// granularity.
type Flags struct {
	Verbosity string
	LogFormat string
	LogFile   string
}

// RegisterFlags registers the -v/--verbosity flag with the given FlagSet.
// Both spellings are registered separately because flag.FlagSet has no
// native concept of a long/short alias pair.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.Verbosity, "verbosity", "off",
		"Verbosity: off, error, warn, info, debug, trace")
	fs.StringVar(&f.Verbosity, "v", "off",
		"Verbosity (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")
	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.Verbosity)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	if level == LevelDebug || level == LevelTrace {
		cfg.EnableCategory(DebugAll)
	}

	return cfg, nil
}

// String returns a string representation of the resolved flags
func (f *Flags) String() string {
	out := fmt.Sprintf("verbosity=%s format=%s", f.Verbosity, f.LogFormat)
	if f.LogFile != "" {
		out += fmt.Sprintf(" output=%s", f.LogFile)
	} else {
		out += " output=stdout"
	}
	return out
}
