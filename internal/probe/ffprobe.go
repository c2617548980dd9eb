package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
)

// FFprobeStream ffprobe JSON 输出中单个流
type FFprobeStream struct {
	CodecType     string `json:"codec_type"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	NbReadPackets string `json:"nb_read_packets"`
}

// FFprobeOutput ffprobe JSON 输出的顶层结构
type FFprobeOutput struct {
	Streams []FFprobeStream `json:"streams"`
}

// FFprobeCapture 调用外部 ffprobe 探测流，读取到的视频包数作为可用帧数
type FFprobeCapture struct {
	path string
	url  string

	mu     sync.Mutex
	cancel context.CancelFunc
	width  int
	height int
	frames int
}

func NewFFprobeCapture(path, streamURL string) *FFprobeCapture {
	if path == "" {
		path = "ffprobe"
	}
	return &FFprobeCapture{path: path, url: streamURL}
}

func (c *FFprobeCapture) Open(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	cmd := exec.CommandContext(ctx, c.path,
		"-v", "quiet",
		"-print_format", "json",
		"-select_streams", "v:0",
		"-count_packets",
		"-read_intervals", "%+3",
		"-show_streams",
		c.url,
	)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffprobe执行失败: %w", err)
	}
	if len(output) == 0 {
		return errors.New("ffprobe输出为空")
	}

	return c.parse(output)
}

func (c *FFprobeCapture) parse(output []byte) error {
	var data FFprobeOutput
	if err := json.Unmarshal(output, &data); err != nil {
		return fmt.Errorf("解析ffprobe JSON输出失败: %w", err)
	}
	for _, s := range data.Streams {
		if s.CodecType != "video" {
			continue
		}
		c.width, c.height = s.Width, s.Height
		c.frames, _ = strconv.Atoi(s.NbReadPackets)
		return nil
	}
	return ErrNoVideo
}

func (c *FFprobeCapture) Dimensions() (int, int) {
	return c.width, c.height
}

func (c *FFprobeCapture) ReadFrame(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.frames <= 0 {
		return ErrNoVideo
	}
	c.frames--
	return nil
}

// Release 结束仍在运行的 ffprobe 进程
func (c *FFprobeCapture) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}
