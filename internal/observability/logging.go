package observability

import (
	"log/slog"
	"os"
	"strconv"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

func WithLaunch(logger *slog.Logger, launchID int64) *slog.Logger {
	if logger == nil || launchID == 0 {
		return logger
	}
	return logger.With("launch_id", strconv.FormatInt(launchID, 10))
}

func WithItem(logger *slog.Logger, itemID int64) *slog.Logger {
	if logger == nil || itemID == 0 {
		return logger
	}
	return logger.With("item_id", strconv.FormatInt(itemID, 10))
}

func WithProject(logger *slog.Logger, projectID int64) *slog.Logger {
	if logger == nil || projectID == 0 {
		return logger
	}
	return logger.With("project_id", strconv.FormatInt(projectID, 10))
}

// WithRequest tags a logger with the routed request type and its hash key.
func WithRequest(logger *slog.Logger, requestType, hashOn string) *slog.Logger {
	if logger == nil {
		return logger
	}
	if requestType != "" {
		logger = logger.With("request_type", requestType)
	}
	if hashOn != "" {
		logger = logger.With("hash_on", hashOn)
	}
	return logger
}
