package utils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/golang-cz/devslog"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"google.golang.org/grpc"
)

func grpcLoggingOptions() []logging.Option {
	return []logging.Option{
		logging.WithLogOnEvents(logging.FinishCall),
		logging.WithDisableLoggingFields(
			logging.ComponentFieldKey,
			logging.MethodTypeFieldKey,
			logging.SystemTag[0],
			logging.SystemTag[1],
			logging.ServiceFieldKey,
		),
	}
}

func grpcLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}

// InterceptorLogger returns a grpc.UnaryServerInterceptor that logs finished calls with slog.
func InterceptorLogger(l *slog.Logger) grpc.UnaryServerInterceptor {
	return logging.UnaryServerInterceptor(grpcLogger(l), grpcLoggingOptions()...)
}

// StreamInterceptorLogger is the streaming counterpart of InterceptorLogger.
func StreamInterceptorLogger(l *slog.Logger) grpc.StreamServerInterceptor {
	return logging.StreamServerInterceptor(grpcLogger(l), grpcLoggingOptions()...)
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// SetupLogger builds a slog logger writing text, json or dev (devslog) output
// to stdout, or appending to filePath when it is set.
func SetupLogger(level, format, filePath string) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var writer io.Writer = os.Stdout
	if filePath != "" {
		file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = file
	}

	return slog.New(newHandler(writer, format, opts)), nil
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	switch format {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "dev":
		return devslog.NewHandler(w, &devslog.Options{
			HandlerOptions:    opts,
			MaxSlicePrintSize: 5,
			SortKeys:          true,
			StringerFormatter: true,
		})
	default:
		return slog.NewTextHandler(w, opts)
	}
}
