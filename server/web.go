package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"
	"github.com/zenazn/goji/web"
	"github.com/zenazn/goji/web/middleware"

	"github.com/janelia-flyem/lvv/loader"
	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/tile"
)

const (
	// DefaultJPEGQuality is the quality of images returned if requesting JPEG images
	// and an explicit Quality amount is omitted.
	DefaultJPEGQuality = 80

	// TileTimeout bounds the synchronous load of a tile requested over HTTP.
	TileTimeout = 30 * time.Second
)

const webHelp = `
lvv serves tiles of one multi-resolution volume and keeps remote viewers' texture
caches warm.

GET  /api/help
	This message.

GET  /api/status
	JSON of texture cache, prefetcher, loader and viewer counters.

GET  /api/formats
	Registered tile formats in sniffing order.

GET  /api/volume
POST /api/volume
	Returns the current volume's format or, given JSON {"url": "..."}, loads
	a new volume.

POST /api/cache/clear
	Drops every cached texture and the in-memory tile bytes.

POST /api/viewers
GET  /api/viewers/<id>
POST /api/viewers/<id>/view[?wait=true]
	Creates a viewer, returns its state, or moves its camera with JSON
	{"focus": [x, y, z], "pixels_per_um": 1.0, "width": 1024, "height": 768,
	"axis": "z"}.  The viewer "default" always exists.  If wait is true the
	response is sent after the next rendered frame.

GET  /api/viewers/<id>/events
	Websocket streaming JSON {"frame", "status", "needed", "tiles"} after
	every frame rendered for the viewer.

GET  /api/tile/<axis>/<zoom>/<x>/<y>/<z>[?noblanks=true&format=png]
	Returns a tile where <axis> is the slice axis, <x> <y> <z> are tile
	numbers along the in-plane axes and a full resolution slice along the
	slice axis.  Missing tiles are returned blank unless noblanks is true.
	Format may be "png" or "jpg:<quality>".

GET  /metrics
	Prometheus metrics.
`

// Handler returns the HTTP handler for the service's API.
func (s *Service) Handler() http.Handler {
	mux := web.New()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Use(logRequests)

	mux.Get(WebAPIPath+"help", instrumented("help", s.helpHandler))
	mux.Get(WebAPIPath+"status", instrumented("status", s.statusHandler))
	mux.Get(WebAPIPath+"formats", instrumented("formats", s.formatsHandler))
	mux.Get(WebAPIPath+"volume", instrumented("volume", s.volumeHandler))
	mux.Post(WebAPIPath+"volume", instrumented("load", s.loadHandler))
	mux.Post(WebAPIPath+"cache/clear", instrumented("clear", s.clearHandler))
	mux.Post(WebAPIPath+"viewers", instrumented("viewers", s.newViewerHandler))
	mux.Get(WebAPIPath+"viewers/:id", instrumented("viewer", s.viewerHandler))
	mux.Post(WebAPIPath+"viewers/:id/view", instrumented("view", s.viewHandler))
	mux.Get(WebAPIPath+"viewers/:id/events", s.eventsHandler)
	mux.Get(WebAPIPath+"tile/:axis/:zoom/:x/:y/:z", instrumented("tile", s.tileHandler))
	mux.Get("/metrics", s.metricsHandler())
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, fmt.Sprintf("unknown request %s %s, see %shelp", r.Method, r.URL.Path, WebAPIPath),
			http.StatusNotFound)
	})

	if len(s.config.Server.CorsDomains) == 0 {
		return mux
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.config.Server.CorsDomains,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost},
	}).Handler(mux)
}

func logRequests(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		timedLog := lvv.NewTimeLog()
		h.ServeHTTP(w, r)
		if lvv.Verbose {
			timedLog.Debugf("HTTP %s %s [%s]", r.Method, r.URL, middleware.GetReqID(*c))
		}
	}
	return http.HandlerFunc(fn)
}

// BadRequest writes a standard error message to http.ResponseWriter with a 400 status.
func BadRequest(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	errorMsg := fmt.Sprintf("%s (%s).", message, r.URL.Path)
	lvv.Errorf("%s\n", errorMsg)
	http.Error(w, errorMsg, http.StatusBadRequest)
}

func writeJSON(w http.ResponseWriter, r *http.Request, value interface{}) {
	jsonBytes, err := json.Marshal(value)
	if err != nil {
		BadRequest(w, r, "unable to encode JSON: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(jsonBytes)
}

func (s *Service) helpHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, webHelp)
	fmt.Fprintf(w, "\nTile formats:\n")
	for _, f := range loader.Formats() {
		fmt.Fprintf(w, "\t%s\n", loader.FormatString(f))
	}
}

func (s *Service) statusHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.Status())
}

type formatInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

func (s *Service) formatsHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	var infos []formatInfo
	for _, f := range loader.Formats() {
		infos = append(infos, formatInfo{
			Name:        f.Name(),
			Version:     f.SemVer().String(),
			Description: f.Description(),
		})
	}
	writeJSON(w, r, infos)
}

type volumeInfo struct {
	URL              string     `json:"url"`
	Session          string     `json:"session"`
	LoadedAt         time.Time  `json:"loaded_at"`
	Style            string     `json:"style"`
	Origin           [3]int     `json:"origin"`
	VolumeSize       [3]int     `json:"volume_size"`
	TileSize         [3]int     `json:"tile_size"`
	VoxelMicrometers [3]float64 `json:"voxel_um"`
	ZoomLevels       int        `json:"zoom_levels"`
	BitDepth         int        `json:"bit_depth"`
	Channels         int        `json:"channels"`
	IntensityMin     int        `json:"intensity_min"`
	IntensityMax     int        `json:"intensity_max"`
	Axes             []string   `json:"axes"`
	BoundsMin        [3]float64 `json:"bounds_min_um"`
	BoundsMax        [3]float64 `json:"bounds_max_um"`
}

func (s *Service) volumeHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	vol := s.tiles.Volume()
	f := vol.Format()
	if f == nil {
		http.Error(w, "no volume loaded", http.StatusNotFound)
		return
	}
	bb := f.BoundingBox()
	info := volumeInfo{
		URL:              vol.URL(),
		Session:          vol.Session(),
		LoadedAt:         vol.LoadedAt(),
		Style:            f.Style.String(),
		Origin:           f.Origin,
		VolumeSize:       f.VolumeSize,
		TileSize:         f.TileSize,
		VoxelMicrometers: f.VoxelMicrometers,
		ZoomLevels:       f.ZoomLevelCount,
		BitDepth:         f.BitDepth,
		Channels:         f.ChannelCount,
		IntensityMin:     f.IntensityMin,
		IntensityMax:     f.IntensityMax,
		BoundsMin:        [3]float64(bb.Min),
		BoundsMax:        [3]float64(bb.Max),
	}
	for _, axis := range lvv.AllAxes {
		if f.HasSlices(axis) {
			info.Axes = append(info.Axes, axis.String())
		}
	}
	writeJSON(w, r, info)
}

func (s *Service) loadHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "bad volume JSON: %v", err)
		return
	}
	if req.URL == "" {
		BadRequest(w, r, "no volume url given")
		return
	}
	if err := s.LoadVolume(r.Context(), req.URL); err != nil {
		BadRequest(w, r, "%v", err)
		return
	}
	s.volumeHandler(c, w, r)
}

func (s *Service) clearHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	s.ClearCache()
	writeJSON(w, r, s.Status())
}

// viewRequest is the camera of a remote viewer.
type viewRequest struct {
	Focus              [3]float64 `json:"focus"`
	PixelsPerSceneUnit float64    `json:"pixels_per_um"`
	Width              int        `json:"width,omitempty"`
	Height             int        `json:"height,omitempty"`
	Axis               string     `json:"axis,omitempty"`
}

type viewResponse struct {
	ViewerStats
	Tiles []ShownTile `json:"tiles"`
}

func (s *Service) newViewerHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	v, err := s.NewViewer()
	if err != nil {
		BadRequest(w, r, "%v", err)
		return
	}
	writeJSON(w, r, v.Stats())
}

func (s *Service) viewer(c web.C, w http.ResponseWriter, r *http.Request) (*Viewer, bool) {
	id := c.URLParams["id"]
	v, found := s.Viewer(id)
	if !found {
		http.Error(w, fmt.Sprintf("no viewer %q", id), http.StatusNotFound)
	}
	return v, found
}

func (s *Service) viewerHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	if v, found := s.viewer(c, w, r); found {
		writeJSON(w, r, viewerResponse(v))
	}
}

func viewerResponse(v *Viewer) viewResponse {
	return viewResponse{ViewerStats: v.Stats(), Tiles: v.ShownTiles()}
}

func (s *Service) viewHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	v, found := s.viewer(c, w, r)
	if !found {
		return
	}
	var req viewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "bad view JSON: %v", err)
		return
	}
	if req.PixelsPerSceneUnit <= 0 {
		BadRequest(w, r, "pixels_per_um must be positive, got %f", req.PixelsPerSceneUnit)
		return
	}
	if req.Width < 0 || req.Height < 0 {
		BadRequest(w, r, "bad viewport %d x %d", req.Width, req.Height)
		return
	}
	axis := lvv.ZAxis
	if req.Axis != "" {
		var err error
		if axis, err = lvv.ParseAxis(req.Axis); err != nil {
			BadRequest(w, r, "%v", err)
			return
		}
	}
	if f := s.tiles.Volume().Format(); f != nil && !f.HasSlices(axis) {
		BadRequest(w, r, "volume has no %s slices", axis)
		return
	}
	v.SetView(lvv.Camera{Focus: lvv.Vec3(req.Focus), PixelsPerSceneUnit: req.PixelsPerSceneUnit},
		lvv.Viewport{Width: req.Width, Height: req.Height}, axis)
	if r.URL.Query().Get("wait") == "true" {
		if err := s.RenderNow(r.Context()); err != nil {
			BadRequest(w, r, "%v", err)
			return
		}
	}
	writeJSON(w, r, viewerResponse(v))
}

func (s *Service) tileHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	f := s.tiles.Volume().Format()
	if f == nil {
		http.Error(w, "no volume loaded", http.StatusNotFound)
		return
	}
	axis, err := lvv.ParseAxis(c.URLParams["axis"])
	if err != nil {
		BadRequest(w, r, "%v", err)
		return
	}
	var coords [4]int
	for i, name := range []string{"zoom", "x", "y", "z"} {
		if coords[i], err = strconv.Atoi(c.URLParams[name]); err != nil {
			BadRequest(w, r, "bad %s %q", name, c.URLParams[name])
			return
		}
	}
	zoom := coords[0]
	if zoom < 0 || zoom > f.MaxZoom() {
		BadRequest(w, r, "zoom %d outside 0 to %d", zoom, f.MaxZoom())
		return
	}
	if !f.HasSlices(axis) {
		BadRequest(w, r, "volume has no %s slices", axis)
		return
	}
	imgFormat, quality, err := parseImageFormat(r.URL.Query().Get("format"))
	if err != nil {
		BadRequest(w, r, "%v", err)
		return
	}
	noBlanks := r.URL.Query().Get("noblanks") == "true"

	ix := tile.NewIndex(coords[1], coords[2], coords[3], zoom, f.MaxZoom(), f.Style, axis)
	var img *tile.Image
	if f.InVolume(ix) {
		ctx, cancel := context.WithTimeout(r.Context(), TileTimeout)
		defer cancel()
		start := time.Now()
		img, err = s.tiles.LoadNow(ctx, ix)
		tileLoadLatency.Observe(time.Since(start).Seconds())
		switch {
		case tile.IsMissing(err):
			img = nil
		case err != nil:
			lvv.Errorf("Unable to load tile %s: %v\n", ix, err)
			http.Error(w, fmt.Sprintf("unable to load tile %s: %v", ix, err), http.StatusInternalServerError)
			return
		}
	}
	if img == nil {
		if noBlanks {
			http.Error(w, fmt.Sprintf("tile %s not found", ix), http.StatusNotFound)
			return
		}
		img = blankTile(f, axis)
	}
	if err := writeImageHTTP(w, img.ToImage(), imgFormat, quality); err != nil {
		lvv.Errorf("Unable to write tile %s: %v\n", ix, err)
	}
}

// blankTile returns an all-zero tile of the in-plane size for slices along axis.
func blankTile(f *tile.Format, axis lvv.CoordinateAxis) *tile.Image {
	wa, ha := axis.PlaneAxes()
	return tile.NewImage(f.TileSize[wa.Index()], f.TileSize[ha.Index()], f.ChannelCount, f.BitDepth)
}

// parseImageFormat parses an image format with optional compression strength, e.g.,
// "png", "jpg:80".
func parseImageFormat(formatStr string) (format string, quality int, err error) {
	quality = DefaultJPEGQuality
	name, q, hasQuality := strings.Cut(formatStr, ":")
	if hasQuality {
		if quality, err = strconv.Atoi(q); err != nil || quality < 1 || quality > 100 {
			return "", 0, fmt.Errorf("bad image quality %q", q)
		}
	}
	switch name {
	case "", "png":
		return "png", quality, nil
	case "jpg", "jpeg":
		return "jpg", quality, nil
	default:
		return "", 0, fmt.Errorf("illegal image format requested: %s", name)
	}
}

// writeImageHTTP encodes the image before writing so an encoding failure can still
// be reported with an error status.
func writeImageHTTP(w http.ResponseWriter, img image.Image, format string, quality int) error {
	var buf bytes.Buffer
	var err error
	switch format {
	case "jpg":
		w.Header().Set("Content-Type", "image/jpeg")
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	default:
		w.Header().Set("Content-Type", "image/png")
		err = png.Encode(&buf, img)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return err
	}
	_, err = io.Copy(w, &buf)
	return err
}
