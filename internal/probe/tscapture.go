package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

const (
	tsReadChunk        = tsPacketSize * 64
	defaultOpenBudget  = 256 * 1024
	defaultFrameBudget = 2 * 1024 * 1024
)

// TSOptions 原生 MPEG-TS 拉流参数
type TSOptions struct {
	Client *http.Client
	// OpenBudget Open 阶段为寻找 PMT 和 SPS 最多读取的字节数
	OpenBudget int
	// FrameBudget 单次 ReadFrame 最多读取的字节数，超过视为没有视频帧
	FrameBudget int
}

func (o TSOptions) withDefaults() TSOptions {
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	if o.OpenBudget <= 0 {
		o.OpenBudget = defaultOpenBudget
	}
	if o.FrameBudget <= 0 {
		o.FrameBudget = defaultFrameBudget
	}
	return o
}

// TSCapture 通过 HTTP 拉取中继输出的 MPEG-TS 流并在本地解复用
type TSCapture struct {
	url   string
	opts  TSOptions
	demux *tsDemuxer
	buf   []byte

	mu      sync.Mutex
	body    io.ReadCloser
	closed  bool
	pending int // Open 阶段已经读到的帧
}

func NewTSCapture(streamURL string, opts TSOptions) *TSCapture {
	return &TSCapture{
		url:   streamURL,
		opts:  opts.withDefaults(),
		demux: newTSDemuxer(),
		buf:   make([]byte, tsReadChunk),
	}
}

// Open 发起请求并读取到视频轨信息，H.264/H.265 会尽量解析出分辨率
func (c *TSCapture) Open(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("request creation failed: %w", err)
	}
	resp, err := c.opts.Client.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		resp.Body.Close()
		return fmt.Errorf("capture released")
	}
	c.body = resp.Body
	c.mu.Unlock()

	read := 0
	for read < c.opts.OpenBudget {
		n, err := c.body.Read(c.buf)
		if n > 0 {
			read += n
			c.pending += c.demux.feed(c.buf[:n])
			if c.openDone() {
				return nil
			}
		}
		if err != nil {
			if c.demux.hasVideo() {
				return nil
			}
			return fmt.Errorf("read stream failed: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if !c.demux.hasVideo() {
		return ErrNoVideo
	}
	return nil
}

func (c *TSCapture) openDone() bool {
	if !c.demux.hasVideo() {
		return false
	}
	switch c.demux.videoType {
	case streamTypeH264, streamTypeH265:
		w, _ := c.demux.dimensions()
		return w > 0
	}
	return true
}

func (c *TSCapture) Dimensions() (int, int) {
	return c.demux.dimensions()
}

// ReadFrame 读取到下一个视频 PES 起始为止
func (c *TSCapture) ReadFrame(ctx context.Context) error {
	if c.pending > 0 {
		c.pending--
		return nil
	}
	if c.body == nil {
		return fmt.Errorf("capture not opened")
	}

	read := 0
	for read < c.opts.FrameBudget {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := c.body.Read(c.buf)
		if n > 0 {
			read += n
			if frames := c.demux.feed(c.buf[:n]); frames > 0 {
				c.pending += frames - 1
				return nil
			}
		}
		if err != nil {
			return fmt.Errorf("read stream failed: %w", err)
		}
	}
	return ErrNoVideo
}

// Release 关闭响应体，阻塞中的读取会随之返回
func (c *TSCapture) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.body != nil {
		return c.body.Close()
	}
	return nil
}
