package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// Setup configures slog to emit structured JSON on stdout and returns the
// base logger. Every line carries the service name and, when provided, the
// deployment environment. The standard library logger is bridged onto the
// same handler so dependencies keep working.
func Setup(service, env string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				attr.Key = "timestamp"
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				attr.Key = "message"
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	args := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, attr)
	}

	base := slog.New(handler).With(args...)
	slog.SetDefault(base)

	bridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
