package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/twinj/uuid"

	"github.com/janelia-flyem/lvv/loader"
	"github.com/janelia-flyem/lvv/loader/raveler"
	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/tile"
	"github.com/janelia-flyem/lvv/tileserver"
	"github.com/janelia-flyem/lvv/view"

	// Tile formats register themselves with the loader.
	_ "github.com/janelia-flyem/lvv/loader/blocktiff"
	_ "github.com/janelia-flyem/lvv/loader/pam"
)

// MaxViewers limits the number of remote viewers since viewers are never detached
// from the tile server.
const MaxViewers = 32

// DefaultViewer is the id of the viewer created with every service.
const DefaultViewer = "default"

// Service runs one tile server and the remote viewers attached to it.
type Service struct {
	config  *Config
	tiles   *tileserver.Server
	bytes   *loader.ByteCache
	started time.Time

	mu      sync.RWMutex
	viewers map[string]*Viewer
	order   []string

	repaint chan struct{}
	frames  chan chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	httpServer *http.Server
}

// NewService creates the tile server described by c and starts its render loop.
func NewService(c *Config) (*Service, error) {
	if c == nil {
		c = DefaultConfig()
	}
	if c.Loader.RavelerTileSize > 0 {
		raveler.TileSize = c.Loader.RavelerTileSize
	}
	s := &Service{
		config:  c,
		started: time.Now(),
		viewers: make(map[string]*Viewer),
		repaint: make(chan struct{}, 1),
		frames:  make(chan chan struct{}),
		done:    make(chan struct{}),
	}
	if c.Cache.BytesMB > 0 || c.Cache.DiskPath != "" {
		var err error
		if s.bytes, err = loader.NewByteCache(c.Cache.BytesMB, c.Cache.DiskPath); err != nil {
			return nil, err
		}
	}
	opts := c.LoaderOptions()
	opts.Cache = s.bytes
	s.tiles = tileserver.New(c.TileServer(), func(ctx context.Context, url string) (tile.LoadAdapter, error) {
		return loader.Open(ctx, url, opts)
	})
	s.tiles.OnLoadStatusChanged(func(status tileserver.LoadStatus) {
		lvv.Debugf("Tile load status: %s\n", status)
	})
	if _, err := s.addViewer(DefaultViewer); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.renderLoop(ctx)
	return s, nil
}

func (s *Service) Config() *Config { return s.config }

func (s *Service) Tiles() *tileserver.Server { return s.tiles }

// ByteCache returns the cache of raw tile bytes or nil if it is disabled.
func (s *Service) ByteCache() *loader.ByteCache { return s.bytes }

// LoadVolume sniffs and opens url, replacing any current volume.
func (s *Service) LoadVolume(ctx context.Context, url string) error {
	if err := s.tiles.LoadVolume(ctx, url); err != nil {
		return err
	}
	s.requestRepaint()
	return nil
}

// NewViewer attaches a new remote viewer and returns it.
func (s *Service) NewViewer() (*Viewer, error) {
	return s.addViewer(fmt.Sprintf("%x", uuid.NewV4().Bytes()))
}

func (s *Service) addViewer(id string) (*Viewer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.viewers) >= MaxViewers {
		return nil, fmt.Errorf("maximum of %d viewers reached", MaxViewers)
	}
	v := newViewer(id, s.repaint, s.tiles.Cache, s.tiles.Volume().Format)
	v.manager = s.tiles.NewViewTileManager(v, s.config.View)
	s.viewers[id] = v
	s.order = append(s.order, id)
	return v, nil
}

// Viewer returns the viewer with the given id.
func (s *Service) Viewer(id string) (*Viewer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, found := s.viewers[id]
	return v, found
}

// Viewers returns all viewers in creation order.
func (s *Service) Viewers() []*Viewer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	viewers := make([]*Viewer, len(s.order))
	for i, id := range s.order {
		viewers[i] = s.viewers[id]
	}
	return viewers
}

func (s *Service) requestRepaint() {
	select {
	case s.repaint <- struct{}{}:
	default:
	}
}

// renderLoop is the single render thread of the service.  Every frame renders
// all viewers and then lets the tile server reprioritize its load queue.
func (s *Service) renderLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.repaint:
			s.renderFrame()
		case ack := <-s.frames:
			s.renderFrame()
			close(ack)
		}
	}
}

func (s *Service) renderFrame() {
	for _, v := range s.Viewers() {
		if v.IsShowing() {
			v.RenderFrame()
		}
	}
	s.tiles.RefreshCurrentTileSet()
}

// RenderNow runs one frame on the render loop and waits for it to finish.
func (s *Service) RenderNow(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case s.frames <- ack:
	case <-s.done:
		return fmt.Errorf("service is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearCache drops every cached texture and, if present, the in-memory tile bytes.
func (s *Service) ClearCache() {
	s.tiles.ClearCache()
	if s.bytes != nil {
		s.bytes.Clear()
	}
	s.requestRepaint()
}

// Serve listens on the configured HTTP address until the server is shut down.
// Stay-alive connections are not allowed to hog goroutines for more than an hour.
func (s *Service) Serve() error {
	addr := s.config.Server.HTTPAddress
	if addr == "" {
		addr = DefaultWebAddress
	}
	lvv.Infof("Web server listening at %s ...\n", addr)
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 1 * time.Hour,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down the web server, the render loop and the tile server.
func (s *Service) Close() error {
	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			lvv.Errorf("Web server shutdown: %v\n", err)
		}
		cancel()
	}
	s.cancel()
	<-s.done
	err := s.tiles.Close()
	if s.bytes != nil {
		if cerr := s.bytes.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Status is the JSON returned by the status endpoint.
type Status struct {
	Host    string                 `json:"host"`
	Note    string                 `json:"note,omitempty"`
	Uptime  string                 `json:"uptime"`
	Tiles   tileserver.Stats       `json:"tiles"`
	Bytes   *loader.ByteCacheStats `json:"bytes,omitempty"`
	Loader  loader.MonitorStats    `json:"loader"`
	Viewers []ViewerStats          `json:"viewers"`
}

func (s *Service) Status() Status {
	st := Status{
		Host:   s.config.Host(),
		Note:   s.config.Server.Note,
		Uptime: time.Since(s.started).Round(time.Second).String(),
		Tiles:  s.tiles.Stats(),
		Loader: loader.DefaultMonitor.Stats(),
	}
	if s.bytes != nil {
		bs := s.bytes.Stats()
		st.Bytes = &bs
	}
	for _, v := range s.Viewers() {
		st.Viewers = append(st.Viewers, v.Stats())
	}
	return st
}

var _ view.Consumer = (*Viewer)(nil)
