package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const (
	colorRed     = 31
	colorGreen   = 32
	colorYellow  = 33
	colorMagenta = 35
	colorCyan    = 36

	colorBold = 1
)

func colorize(s interface{}, c int) string {
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", c, s)
}

// Options selects the output format and verbosity.
type Options struct {
	// Env picks the format: "", "dev" and "development" give colored
	// console output, anything else JSON.
	Env   string
	Level string
	Out   io.Writer
}

// New creates a logger from opts. An unknown level falls back to info and
// is reported through the returned logger.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	var log zerolog.Logger
	if isDevelopment(opts.Env) {
		log = NewDevelopment(out)
	} else {
		log = NewProduction(out)
	}

	level, err := ParseLevel(opts.Level)
	log = log.Level(level)
	if err != nil {
		log.Warn().Str("level", opts.Level).Msg("Unknown log level, using info")
	}
	return log
}

func isDevelopment(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "dev", "development":
		return true
	}
	return false
}

// ParseLevel maps a level name to a zerolog level. Empty means info.
func ParseLevel(level string) (zerolog.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
	return l, nil
}

// NewDevelopment creates a console logger with colored level names.
func NewDevelopment(out io.Writer) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "2006-01-02 15:04:05",
		FormatLevel: func(i interface{}) string {
			ll, ok := i.(string)
			if !ok {
				return strings.ToUpper(fmt.Sprintf("%s", i))
			}
			switch ll {
			case "trace":
				return colorize("TRC", colorMagenta)
			case "debug":
				return colorize("DBG", colorYellow)
			case "info":
				return colorize("INF", colorGreen)
			case "warn":
				return colorize("WRN", colorRed)
			case "error":
				return colorize("ERR", colorRed)
			case "fatal":
				return colorize("FTL", colorRed)
			case "panic":
				return colorize("PNC", colorRed)
			default:
				if len(ll) > 3 {
					ll = ll[:3]
				}
				return colorize(strings.ToUpper(ll), colorBold)
			}
		},
		FormatFieldName: func(i interface{}) string {
			return colorize(fmt.Sprintf("%s=", i), colorCyan)
		},
	}
	return zerolog.New(output).With().Timestamp().Logger()
}

// NewProduction creates a JSON logger with UNIX timestamps.
func NewProduction(out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return zerolog.New(out).With().Timestamp().Logger()
}
