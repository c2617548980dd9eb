package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luoye20230624/ZB/internal/model"
)

// 1280x720 baseline SPS
var testSPS = []byte{0x67, 0x42, 0x00, 0x1e, 0xda, 0x01, 0x40, 0x16, 0xe4}

type fakeCapture struct {
	openErr   error
	width     int
	height    int
	frames    int
	readErr   error
	panicRead bool
	block     bool

	releases atomic.Int32
	opened   atomic.Bool
	unblock  chan struct{}
	once     sync.Once
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{unblock: make(chan struct{})}
}

func (f *fakeCapture) Open(ctx context.Context) error {
	f.opened.Store(true)
	return f.openErr
}

func (f *fakeCapture) Dimensions() (int, int) { return f.width, f.height }

func (f *fakeCapture) ReadFrame(ctx context.Context) error {
	if f.panicRead {
		panic("decoder crashed")
	}
	if f.block {
		// 忽略 ctx，只有 Release 能解除阻塞
		<-f.unblock
		return errors.New("closed")
	}
	if f.frames <= 0 {
		if f.readErr != nil {
			return f.readErr
		}
		return ErrNoVideo
	}
	f.frames--
	return nil
}

func (f *fakeCapture) Release() error {
	f.releases.Add(1)
	f.once.Do(func() { close(f.unblock) })
	return nil
}

func testOptions() Options {
	return Options{
		Window:      100 * time.Millisecond,
		MinFrames:   3,
		FastPath:    true,
		Grace:       100 * time.Millisecond,
		Concurrency: 1,
	}
}

func candidate(host string, port int) model.Candidate {
	return model.Candidate{Host: host, Port: port, Source: "test"}
}

func TestProbeReleasesExactlyOnce(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f *fakeCapture)
		wantOK bool
	}{
		{name: "fast path", setup: func(f *fakeCapture) { f.width, f.height = 1920, 1080 }, wantOK: true},
		{name: "frames", setup: func(f *fakeCapture) { f.frames = 3 }, wantOK: true},
		{name: "open failure", setup: func(f *fakeCapture) { f.openErr = errors.New("refused") }},
		{name: "read failure", setup: func(f *fakeCapture) { f.frames = 1; f.readErr = errors.New("eof") }},
		{name: "panic", setup: func(f *fakeCapture) { f.panicRead = true }},
		{name: "timeout", setup: func(f *fakeCapture) { f.block = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeCapture()
			tt.setup(fc)
			p := NewProber(func(string) Capture { return fc }, testOptions())

			ok := p.Probe(context.Background(), candidate("1.2.3.4", 4022), "239.1.1.1:5000")
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, int32(1), fc.releases.Load())
		})
	}
}

func TestProbeFastPathDisabledCountsFrames(t *testing.T) {
	fc := newFakeCapture()
	fc.width, fc.height = 1920, 1080
	fc.frames = 2

	opts := testOptions()
	opts.FastPath = false
	p := NewProber(func(string) Capture { return fc }, opts)

	assert.False(t, p.Probe(context.Background(), candidate("1.2.3.4", 4022), "239.1.1.1:5000"))
	assert.Equal(t, int32(1), fc.releases.Load())
}

func TestProbeAllShortCircuits(t *testing.T) {
	var mu sync.Mutex
	var opened []string
	factory := func(url string) Capture {
		mu.Lock()
		opened = append(opened, url)
		mu.Unlock()
		fc := newFakeCapture()
		if url == "http://1.2.3.4:4022/rtp/239.1.1.2:5000" {
			fc.openErr = errors.New("404")
		} else {
			fc.width, fc.height = 1280, 720
		}
		return fc
	}

	opts := testOptions()
	opts.ConfidenceChannels = 3
	p := NewProber(factory, opts)

	vh, ok := p.ProbeAll(context.Background(), candidate("1.2.3.4", 4022),
		[]string{"239.1.1.1:5000", "239.1.1.1:5000", "239.1.1.2:5000", "239.1.1.3:5000"})

	assert.False(t, ok)
	assert.Equal(t, []model.ChannelCheck{
		{Addr: "239.1.1.1:5000", OK: true},
		{Addr: "239.1.1.2:5000", OK: false},
	}, vh.Checks)
	assert.Len(t, opened, 2)
}

func TestProbeAllRecordsDimensions(t *testing.T) {
	fc := newFakeCapture()
	fc.width, fc.height = 1280, 720
	p := NewProber(func(string) Capture { return fc }, testOptions())
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	vh, ok := p.ProbeAll(context.Background(), candidate("1.2.3.4", 4022), []string{"239.1.1.1:5000"})
	require.True(t, ok)
	assert.Equal(t, 1280, vh.Width)
	assert.Equal(t, 720, vh.Height)
	assert.Equal(t, now, vh.ValidatedAt)
	assert.Equal(t, "1.2.3.4:4022", vh.Addr())
}

func TestProbeBatchKeepsDiscoveryOrder(t *testing.T) {
	good := map[string]bool{
		"http://10.0.0.1:80/rtp/239.1.1.1:5000": true,
		"http://10.0.0.3:80/rtp/239.1.1.1:5000": true,
		"http://10.0.0.4:80/rtp/239.1.1.1:5000": true,
	}
	factory := func(url string) Capture {
		fc := newFakeCapture()
		if good[url] {
			fc.width, fc.height = 720, 576
		} else {
			fc.openErr = errors.New("refused")
		}
		return fc
	}

	opts := testOptions()
	opts.Concurrency = 0
	opts.MaxConcurrency = 4
	opts.Load = func() (float64, float64) { return 10, 10 }
	p := NewProber(factory, opts)

	var cands []model.Candidate
	for i := 1; i <= 5; i++ {
		cands = append(cands, candidate(fmt.Sprintf("10.0.0.%d", i), 80))
	}

	got := p.ProbeBatch(context.Background(), cands, []string{"239.1.1.1:5000"})
	require.Len(t, got, 3)
	assert.Equal(t, "10.0.0.1", got[0].Host)
	assert.Equal(t, "10.0.0.3", got[1].Host)
	assert.Equal(t, "10.0.0.4", got[2].Host)
}

func TestProbeBatchStopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	factory := func(string) Capture {
		calls.Add(1)
		fc := newFakeCapture()
		fc.width, fc.height = 720, 576
		return fc
	}
	p := NewProber(factory, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := p.ProbeBatch(ctx, []model.Candidate{candidate("10.0.0.1", 80), candidate("10.0.0.2", 80)}, []string{"239.1.1.1:5000"})
	assert.Empty(t, got)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRecommendedConcurrency(t *testing.T) {
	assert.Equal(t, 8, RecommendedConcurrency(8, func() (float64, float64) { return 20, 30 }))
	assert.Equal(t, 4, RecommendedConcurrency(8, func() (float64, float64) { return 95, 30 }))
	assert.Equal(t, 4, RecommendedConcurrency(8, func() (float64, float64) { return 20, 81 }))
	assert.Equal(t, 1, RecommendedConcurrency(1, func() (float64, float64) { return 99, 99 }))
	assert.Equal(t, 6, RecommendedConcurrency(6, nil))
}

func TestStreamURL(t *testing.T) {
	assert.Equal(t, "http://1.2.3.4:4022/rtp/239.1.1.1:5000", StreamURL(candidate("1.2.3.4", 4022), "239.1.1.1:5000"))
}

func splitServerAddr(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestCheckStat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stat" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<html><head><title>udpxy status</title></head><body>udpxy 1.0-23-12 clients: 2</body></html>`)
	}))
	defer srv.Close()

	host, port := splitServerAddr(t, srv)
	info, err := CheckStat(context.Background(), srv.Client(), host, port, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "udpxy status", info.Title)
	assert.Equal(t, "udpxy", info.Software)
}

func TestStatCheckRejectsBeforeCapture(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	var calls atomic.Int32
	opts := testOptions()
	opts.StatCheck = true
	opts.Client = srv.Client()
	p := NewProber(func(string) Capture {
		calls.Add(1)
		return newFakeCapture()
	}, opts)

	host, port := splitServerAddr(t, srv)
	assert.False(t, p.Probe(context.Background(), candidate(host, port), "239.1.1.1:5000"))
	assert.Equal(t, int32(0), calls.Load())
}

// tsPacket 构造一个不带自适应字段的 TS 包，剩余空间填 0xFF
func tsPacket(pid int, start bool, payload []byte) []byte {
	pkt := bytes.Repeat([]byte{0xFF}, tsPacketSize)
	pkt[0] = tsSyncByte
	pkt[1] = byte(pid>>8) & 0x1F
	if start {
		pkt[1] |= 0x40
	}
	pkt[2] = byte(pid)
	pkt[3] = 0x10
	copy(pkt[4:], payload)
	return pkt
}

const (
	testPMTPID   = 0x1000
	testVideoPID = 0x100
)

// buildTestStream PAT + PMT + 带 SPS 的 PES + frames 个额外 PES
func buildTestStream(frames int) []byte {
	pat := []byte{
		0x00,                   // pointer
		0x00, 0xB0, 13,         // table_id, section_length
		0x00, 0x01, 0xC1, 0x00, 0x00,
		0x00, 0x01, 0xE0 | byte(testPMTPID>>8), byte(testPMTPID & 0xFF),
		0x00, 0x00, 0x00, 0x00, // CRC
	}
	pmt := []byte{
		0x00,
		0x02, 0xB0, 18,
		0x00, 0x01, 0xC1, 0x00, 0x00,
		0xE1, 0x00, // PCR PID
		0xF0, 0x00, // program_info_length
		streamTypeH264, 0xE0 | byte(testVideoPID>>8), byte(testVideoPID & 0xFF), 0xF0, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	pesHeader := []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80, 0x00, 0x00}

	first := append([]byte{}, pesHeader...)
	first = append(first, 0x00, 0x00, 0x00, 0x01, 0x09, 0xF0)
	first = append(first, 0x00, 0x00, 0x00, 0x01)
	first = append(first, testSPS...)
	first = append(first, 0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80)

	var out []byte
	out = append(out, tsPacket(0, true, pat)...)
	out = append(out, tsPacket(testPMTPID, true, pmt)...)
	out = append(out, tsPacket(testVideoPID, true, first)...)
	for i := 0; i < frames; i++ {
		// 一帧跨两个包
		out = append(out, tsPacket(testVideoPID, true, pesHeader)...)
		out = append(out, tsPacket(testVideoPID, false, nil)...)
	}
	return out
}

func TestTSDemuxerCountsFramesAndParsesSPS(t *testing.T) {
	stream := buildTestStream(4)

	d := newTSDemuxer()
	assert.Equal(t, 5, d.feed(stream))
	assert.True(t, d.hasVideo())
	w, h := d.dimensions()
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)
}

func TestTSDemuxerChunkedWithGarbage(t *testing.T) {
	stream := append([]byte{0x00, 0x01, 0x02}, buildTestStream(4)...)

	d := newTSDemuxer()
	total := 0
	for off := 0; off < len(stream); off += 100 {
		end := off + 100
		if end > len(stream) {
			end = len(stream)
		}
		total += d.feed(stream[off:end])
	}
	assert.Equal(t, 5, total)
	w, h := d.dimensions()
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)
}

func TestExtractNALUnits(t *testing.T) {
	data := []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xF0, 0x00, 0x00, 0x01, 0x67, 0x42}
	nals := extractNALUnits(data)
	require.Len(t, nals, 2)
	assert.Equal(t, []byte{0x09, 0xF0}, nals[0])
	assert.Equal(t, []byte{0x67, 0x42}, nals[1])
}

func TestTSCaptureAgainstRelay(t *testing.T) {
	stream := buildTestStream(12)
	var paths []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = w.Write(stream)
	}))
	defer srv.Close()

	factory, err := NewCaptureFactory("ts", "", TSOptions{Client: srv.Client()})
	require.NoError(t, err)

	host, port := splitServerAddr(t, srv)
	opts := testOptions()
	opts.Window = 2 * time.Second
	p := NewProber(factory, opts)

	vh, ok := p.ProbeAll(context.Background(), candidate(host, port), []string{"239.1.1.1:5000"})
	require.True(t, ok)
	assert.Equal(t, 1280, vh.Width)
	assert.Equal(t, 720, vh.Height)
	assert.Equal(t, []string{"/rtp/239.1.1.1:5000"}, paths)

	// 关闭快速通道后按帧计数
	opts.FastPath = false
	opts.MinFrames = 10
	p = NewProber(factory, opts)
	assert.True(t, p.Probe(context.Background(), candidate(host, port), "239.1.1.1:5000"))
}

func TestTSCaptureRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewTSCapture(srv.URL+"/rtp/239.1.1.1:5000", TSOptions{Client: srv.Client()})
	defer c.Release()
	assert.Error(t, c.Open(context.Background()))
}

func TestTSCaptureNoVideo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte{0xAB}, 4096))
	}))
	defer srv.Close()

	c := NewTSCapture(srv.URL, TSOptions{Client: srv.Client()})
	defer c.Release()
	assert.Error(t, c.Open(context.Background()))
	assert.NoError(t, c.Release())
	assert.NoError(t, c.Release())
}

func TestFFprobeParse(t *testing.T) {
	c := NewFFprobeCapture("", "http://1.2.3.4/rtp/239.1.1.1:5000")
	require.NoError(t, c.parse([]byte(`{"streams":[{"codec_type":"audio"},{"codec_type":"video","width":1920,"height":1080,"nb_read_packets":"2"}]}`)))
	w, h := c.Dimensions()
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)
	assert.NoError(t, c.ReadFrame(context.Background()))
	assert.NoError(t, c.ReadFrame(context.Background()))
	assert.ErrorIs(t, c.ReadFrame(context.Background()), ErrNoVideo)

	c = NewFFprobeCapture("", "x")
	assert.ErrorIs(t, c.parse([]byte(`{"streams":[{"codec_type":"audio"}]}`)), ErrNoVideo)
}

func TestNewCaptureFactoryUnknownBackend(t *testing.T) {
	_, err := NewCaptureFactory("vlc", "", TSOptions{})
	assert.Error(t, err)
}
