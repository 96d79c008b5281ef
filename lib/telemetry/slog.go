package telemetry

import (
	"log/slog"
	"os"
)

// InitSlog sets the process-wide logger. pretty turns on human-readable
// output at debug level, otherwise logs are json at info level.
func InitSlog(pretty bool) {
	var handler slog.Handler
	if pretty {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	slog.SetDefault(slog.New(handler))
}
