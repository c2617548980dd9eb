package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/luoye20230624/ZB/internal/ctxutil"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger
)

func init() {
	SetLevelAndFormat("info", "text")
}

func SetLevelAndFormat(l, f string) {
	SetOutput(os.Stderr, l, f)
}

// SetOutput 切换日志输出，测试中用于捕获日志
func SetOutput(w io.Writer, l, f string) {
	var level slog.Level
	switch strings.ToLower(l) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(f) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	mu.Lock()
	logger = slog.New(handler)
	mu.Unlock()
}

func Info(ctx context.Context, msg string, args ...any) {
	log(ctx, slog.LevelInfo, msg, args...)
}

func Warn(ctx context.Context, msg string, args ...any) {
	log(ctx, slog.LevelWarn, msg, args...)
}

func Debug(ctx context.Context, msg string, args ...any) {
	log(ctx, slog.LevelDebug, msg, args...)
}

func Error(ctx context.Context, err error, msg string, args ...any) {
	if err != nil {
		args = append(args, "error", err)
	}

	level := slog.LevelError
	if errors.Is(err, context.Canceled) {
		level = slog.LevelDebug
	}

	log(ctx, level, msg, args...)
}

func HttpRequest(ctx context.Context, r *http.Request, status int, duration time.Duration, bytesWritten int64) {
	level := slog.LevelInfo
	if status >= 500 {
		level = slog.LevelError
	} else if status >= 400 {
		level = slog.LevelWarn
	}

	log(ctx, level, "http",
		"remote", r.RemoteAddr,
		"method", r.Method,
		"status", status,
		"path", r.URL.Path,
		"written", humanizeBytes(bytesWritten),
		"duration", duration.Round(time.Microsecond).String(),
	)
}

func log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctxArgs := ctxutil.LogFields(ctx)
	if len(ctxArgs) > 0 {
		combinedArgs := make([]any, 0, len(ctxArgs)+len(args))
		combinedArgs = append(combinedArgs, ctxArgs...)
		combinedArgs = append(combinedArgs, args...)
		args = combinedArgs
	}

	mu.RLock()
	l := logger
	mu.RUnlock()
	l.Log(ctx, level, msg, args...)
}

func humanizeBytes(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * 1024
	)

	switch {
	case bytes >= MB:
		return fmt.Sprintf("%.1fMB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1fKB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}
