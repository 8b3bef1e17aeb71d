package logger

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the global zerolog logger: JSON output to stdout with
// timestamps, filtered at the given level. Unrecognized level strings fall
// back to info.
func InitLogger(logLevel string) {
	log.Logger = log.Output(os.Stdout).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(strings.ToLower(logLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Msgf("Logger initialized with level: %s", zerolog.GlobalLevel().String())
}

// Component returns a child of the global logger tagged with a component
// name, for callers that do not build their own tagged logger.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
