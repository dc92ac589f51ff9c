package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const (
	FormatAuto    = "auto"
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New builds the process logger. Auto format uses the console writer only
// when running locally.
func New(environment, level, format string) (zerolog.Logger, error) {
	return NewWithWriter(os.Stdout, environment, level, format)
}

func NewWithWriter(out io.Writer, environment, level, format string) (zerolog.Logger, error) {
	parsedLevel, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse LOG_LEVEL=%q: %w", level, err)
	}

	console := false
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatAuto:
		console = strings.EqualFold(strings.TrimSpace(environment), "local")
	case FormatConsole:
		console = true
	case FormatJSON:
	default:
		return zerolog.Logger{}, fmt.Errorf("unsupported LOG_FORMAT=%q", format)
	}

	writer := out
	if console {
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05.000",
		}
	}

	logger := zerolog.New(writer).
		Level(parsedLevel).
		With().
		Timestamp().
		Str("service", "greenhouse").
		Str("environment", strings.TrimSpace(environment)).
		Logger()

	return logger, nil
}
