package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// Setup installs a JSON slog logger as the process default and returns it.
// Every line carries the service name, and the environment when one is set.
// The minimum level is read from REFERRALD_LOG_LEVEL (debug, info, warn,
// error) and defaults to info. The stdlib logger is bridged so packages
// still using log.Printf emit through the same handler.
func Setup(service, env string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       levelFromEnv(),
		ReplaceAttr: renameCoreAttrs,
	}
	handler := slog.NewJSONHandler(os.Stdout, opts)

	args := []any{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		args = append(args, slog.String("env", env))
	}
	logger := slog.New(handler).With(args...)
	slog.SetDefault(logger)

	bridge := slog.NewLogLogger(logger.Handler(), slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return logger
}

// renameCoreAttrs maps slog's default keys onto the field names the log
// pipeline indexes on.
func renameCoreAttrs(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		attr.Key = "timestamp"
	case slog.LevelKey:
		return slog.String("severity", strings.ToUpper(attr.Value.String()))
	case slog.MessageKey:
		attr.Key = "message"
	}
	return attr
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("REFERRALD_LOG_LEVEL"))) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
