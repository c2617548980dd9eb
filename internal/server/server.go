package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/luoye20230624/ZB/internal/ctxutil"
	"github.com/luoye20230624/ZB/internal/logging"
	"github.com/luoye20230624/ZB/internal/metrics"
)

const muxPlaylistNameVar = "name"

// Options 发布的文件位置
type Options struct {
	ListenAddr  string
	OutputTXT   string
	OutputM3U   string
	PlaylistDir string
}

// Server 发布合并后的播放列表、地区片段与指标
type Server struct {
	router  *mux.Router
	server  *http.Server
	opts    Options
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(opts Options, m *metrics.Metrics) *Server {
	if m == nil {
		m = metrics.New()
	}
	ctx, cancel := context.WithCancel(ctxutil.WithRunID(context.Background()))
	s := &Server{
		router:  mux.NewRouter(),
		opts:    opts,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.Info(s.ctx, "starting http server", "address", s.opts.ListenAddr)

	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error(s.ctx, err, "server failed")
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logging.Info(ctx, "stopping http server")
	if err := s.server.Shutdown(ctx); err != nil {
		logging.Error(ctx, err, "server shutdown timeout, force closing connections")
		_ = s.server.Close()
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	s.router.HandleFunc("/"+filepath.Base(s.opts.OutputTXT), s.handleFile(s.opts.OutputTXT)).Methods(http.MethodGet)
	if s.opts.OutputM3U != "" {
		s.router.HandleFunc("/"+filepath.Base(s.opts.OutputM3U), s.handleFile(s.opts.OutputM3U)).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/playlist/{"+muxPlaylistNameVar+"}", s.handlePlaylist).Methods(http.MethodGet)

	s.router.Use(s.loggerMiddleware)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(http.StatusText(http.StatusOK)))
}

func (s *Server) handleFile(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.serveFile(w, r, path)
	}
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)[muxPlaylistNameVar]
	if name == "" || filepath.Base(name) != name || !strings.HasSuffix(name, ".txt") {
		http.NotFound(w, r)
		return
	}
	s.serveFile(w, r, filepath.Join(s.opts.PlaylistDir, name))
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	switch filepath.Ext(path) {
	case ".m3u", ".m3u8":
		w.Header().Set("Content-Type", "audio/x-mpegurl; charset=utf-8")
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	s.metrics.IncDownload(filepath.Base(path))
	http.ServeFile(w, r, path)
}
