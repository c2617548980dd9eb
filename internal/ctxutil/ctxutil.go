package ctxutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const (
	runIDKey    contextKey = "run_id"
	regionKey   contextKey = "region"
	ispKey      contextKey = "isp"
	platformKey contextKey = "platform"
	hostKey     contextKey = "host"
)

func WithRunID(ctx context.Context) context.Context {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return context.WithValue(ctx, runIDKey, hex.EncodeToString(b))
}

func WithRegion(ctx context.Context, region, isp string) context.Context {
	ctx = context.WithValue(ctx, regionKey, region)
	return context.WithValue(ctx, ispKey, isp)
}

func WithPlatform(ctx context.Context, platform string) context.Context {
	return context.WithValue(ctx, platformKey, platform)
}

func WithHost(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, hostKey, host)
}

func RunID(ctx context.Context) string {
	return stringValue(ctx, runIDKey)
}

func Region(ctx context.Context) string {
	return stringValue(ctx, regionKey)
}

func Host(ctx context.Context) string {
	return stringValue(ctx, hostKey)
}

// LogFields returns the context values as slog key/value pairs.
func LogFields(ctx context.Context) []any {
	var fields []any
	for _, key := range []contextKey{runIDKey, regionKey, ispKey, platformKey, hostKey} {
		if v := stringValue(ctx, key); v != "" {
			fields = append(fields, string(key), v)
		}
	}
	return fields
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
