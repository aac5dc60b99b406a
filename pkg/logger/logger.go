// Package logger builds the process-wide slog.Logger and layers packet-plane
// debug facilities on top of it.
//
// The log level gates ordinary records; debug categories are a separate,
// immutable set chosen at startup. Enabling any category forces the handler
// down to debug level, and DebugCat tags each record with its facility so a
// JSON pipeline can split, say, nonce traces from fan-out traces.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// Category names one debug facility of the relay pipeline
type Category string

const (
	CatRTP       Category = "rtp"       // inbound packet flow through the ingress
	CatCrypto    Category = "crypto"    // cipher selection and nonce counters
	CatBroadcast Category = "broadcast" // sink registration and fan-out drops
	CatVoice     Category = "voice"     // sender loops and outbound wire packets
	CatWebRTC    Category = "webrtc"    // peer connection signaling and state
	CatDiscovery Category = "discovery" // IP discovery exchange
)

// catAll expands to every category in ParseCategories
const catAll = "all"

var known = map[Category]bool{
	CatRTP: true, CatCrypto: true, CatBroadcast: true,
	CatVoice: true, CatWebRTC: true, CatDiscovery: true,
}

// CategorySet is the immutable selection of enabled debug facilities
type CategorySet map[Category]struct{}

// ParseCategories parses a comma-separated category list, e.g. "rtp,voice".
// The empty string yields an empty set; "all" enables everything.
func ParseCategories(spec string) (CategorySet, error) {
	set := make(CategorySet)
	if spec == "" {
		return set, nil
	}

	for _, field := range strings.Split(spec, ",") {
		name := Category(strings.TrimSpace(field))
		if name == catAll {
			for cat := range known {
				set[cat] = struct{}{}
			}
			continue
		}
		if !known[name] {
			return nil, fmt.Errorf("unknown debug category %q (have %s, or all)", name, categoryNames())
		}
		set[name] = struct{}{}
	}

	return set, nil
}

// Has reports whether the category is enabled
func (s CategorySet) Has(cat Category) bool {
	_, ok := s[cat]
	return ok
}

// String renders the set as a sorted comma-separated list
func (s CategorySet) String() string {
	if len(s) == 0 {
		return "none"
	}
	names := make([]string, 0, len(s))
	for cat := range s {
		names = append(names, string(cat))
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func categoryNames() string {
	names := make([]string, 0, len(known))
	for cat := range known {
		names = append(names, string(cat))
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}

// Options configure a Logger once; there is no runtime reconfiguration
type Options struct {
	Level slog.Level
	JSON  bool
	File  string // append to this path instead of stderr
	Debug CategorySet
}

// Logger is a slog.Logger plus the debug-category set it was built with
type Logger struct {
	*slog.Logger
	debug  CategorySet
	closer io.Closer
}

// New builds the logger. With a non-empty debug set the handler level is
// forced to debug regardless of Options.Level.
func New(opts Options) (*Logger, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closer = f
	}

	level := opts.Level
	if len(opts.Debug) > 0 {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return &Logger{
		Logger: slog.New(handler),
		debug:  opts.Debug,
		closer: closer,
	}, nil
}

// Enabled reports whether a debug category was switched on at startup.
// Callers guarding expensive attribute construction should check this first.
func (l *Logger) Enabled(cat Category) bool {
	return l.debug.Has(cat)
}

// DebugCat emits a debug record tagged with its category, or nothing if the
// category is off
func (l *Logger) DebugCat(cat Category, msg string, args ...any) {
	if !l.debug.Has(cat) {
		return
	}
	l.Debug(msg, append([]any{slog.String("category", string(cat))}, args...)...)
}

// Hex formats the leading bytes of a packet for DebugCat attributes
func Hex(b []byte, max int) string {
	if len(b) > max {
		b = b[:max]
	}
	return fmt.Sprintf("% x", b)
}

// With returns a Logger carrying extra attributes and the same debug set
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		debug:  l.debug,
		closer: l.closer,
	}
}

// Close releases the log file, if any
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
