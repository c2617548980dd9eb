package query

import (
	"context"
	"fmt"
	"time"

	"github.com/luoye20230624/ZB/internal/logging"
)

// retryWithBackoff 固定间隔重试，只重试网络和解析错误
func retryWithBackoff[T any](ctx context.Context, platform, target string, attempts int, backoff time.Duration, queryFunc func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := queryFunc()
		if err == nil {
			if attempt > 1 {
				logging.Info(ctx, "retry succeeded", "platform", platform, "target", target, "attempt", attempt)
			}
			return result, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			return zero, err
		}

		if attempt == attempts {
			break
		}

		logging.Warn(ctx, "query failed, retrying",
			"platform", platform, "target", target, "attempt", attempt, "delay", backoff.String(), "error", err)

		if err := sleepContext(ctx, backoff); err != nil {
			return zero, err
		}
	}

	return zero, fmt.Errorf("重试%d次后仍然失败: %w", attempts, lastErr)
}

// sleepContext 等待 d，ctx 取消时提前返回
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
