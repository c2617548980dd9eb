package probe

import (
	"context"
	"errors"
	"sync"
)

// ErrNoVideo 流中没有可识别的视频轨
var ErrNoVideo = errors.New("no video stream")

// Capture 一次拉流会话。Open 建立连接，ReadFrame 读取下一帧，
// Release 释放底层连接，必须可重复调用。
type Capture interface {
	Open(ctx context.Context) error
	// Dimensions 返回 Open 后已知的分辨率，未知时为 0
	Dimensions() (int, int)
	ReadFrame(ctx context.Context) error
	Release() error
}

// CaptureFactory 为单个流地址创建 Capture，创建本身不做 I/O
type CaptureFactory func(streamURL string) Capture

// onceCapture 保证 Release 只执行一次，超时协程与正常退出可以同时调用
type onceCapture struct {
	Capture
	once sync.Once
	err  error
}

func (c *onceCapture) Release() error {
	c.once.Do(func() {
		c.err = c.Capture.Release()
	})
	return c.err
}

// NewCaptureFactory 按后端名返回对应实现
func NewCaptureFactory(backend, ffprobePath string, opts TSOptions) (CaptureFactory, error) {
	switch backend {
	case "", "ts":
		return func(streamURL string) Capture {
			return NewTSCapture(streamURL, opts)
		}, nil
	case "ffprobe":
		return func(streamURL string) Capture {
			return NewFFprobeCapture(ffprobePath, streamURL)
		}, nil
	}
	return nil, errors.New("unknown probe backend: " + backend)
}
