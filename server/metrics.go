package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zenazn/goji/web"

	"github.com/janelia-flyem/lvv/loader"
	"github.com/janelia-flyem/lvv/tileserver"
)

const (
	routeLabel      = "route"
	codeLabel       = "code"
	prefetcherLabel = "prefetcher"
	tierLabel       = "tier"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lvv_http_requests",
		Help: "The number of HTTP requests served.",
	}, []string{
		routeLabel,
		codeLabel,
	})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "lvv_http_latency",
		Help: "The time to serve an HTTP request.",
	}, []string{
		routeLabel,
	})

	tileLoadLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lvv_tile_load_latency",
		Help:    "The time to load a tile requested over HTTP.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
)

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrumented counts requests to h under the given route name.
func instrumented(route string, h web.HandlerFunc) web.HandlerFunc {
	return func(c web.C, w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(c, rec, r)
		httpRequests.With(prometheus.Labels{
			routeLabel: route,
			codeLabel:  strconv.Itoa(rec.code),
		}).Inc()
		httpLatency.With(prometheus.Labels{
			routeLabel: route,
		}).Observe(time.Since(start).Seconds())
	}
}

// statsCollector exports one snapshot of the service counters per scrape.
type statsCollector struct {
	s *Service

	status       *prometheus.Desc
	entries      *prometheus.Desc
	capacity     *prometheus.Desc
	retained     *prometheus.Desc
	evictions    *prometheus.Desc
	hits         *prometheus.Desc
	misses       *prometheus.Desc
	generation   *prometheus.Desc
	queued       *prometheus.Desc
	active       *prometheus.Desc
	loaded       *prometheus.Desc
	missing      *prometheus.Desc
	failed       *prometheus.Desc
	stale        *prometheus.Desc
	bytesRead    *prometheus.Desc
	tilesRead    *prometheus.Desc
	byteEntries  *prometheus.Desc
	byteFetches  *prometheus.Desc
	byteDiskHits *prometheus.Desc
	viewers      *prometheus.Desc
}

func newStatsCollector(s *Service) *statsCollector {
	return &statsCollector{
		s:            s,
		status:       prometheus.NewDesc("lvv_load_status", "Aggregate tile load status of all viewers.", nil, nil),
		entries:      prometheus.NewDesc("lvv_texture_cache_entries", "Textures held per cache tier.", []string{tierLabel}, nil),
		capacity:     prometheus.NewDesc("lvv_texture_cache_capacity", "Texture capacity per cache tier.", []string{tierLabel}, nil),
		retained:     prometheus.NewDesc("lvv_texture_cache_bytes", "Approximate bytes of texture pixels held in RAM.", nil, nil),
		evictions:    prometheus.NewDesc("lvv_texture_cache_evictions", "Textures evicted from the cache.", nil, nil),
		hits:         prometheus.NewDesc("lvv_texture_cache_hits", "Texture cache lookups that found a texture.", nil, nil),
		misses:       prometheus.NewDesc("lvv_texture_cache_misses", "Texture cache lookups that found nothing.", nil, nil),
		generation:   prometheus.NewDesc("lvv_texture_cache_generation", "Number of times the texture cache was cleared.", nil, nil),
		queued:       prometheus.NewDesc("lvv_prefetch_queued", "Textures waiting for a prefetch worker.", []string{prefetcherLabel}, nil),
		active:       prometheus.NewDesc("lvv_prefetch_active", "Textures being loaded by a prefetcher.", []string{prefetcherLabel}, nil),
		loaded:       prometheus.NewDesc("lvv_prefetch_loaded", "Textures loaded by a prefetcher.", []string{prefetcherLabel}, nil),
		missing:      prometheus.NewDesc("lvv_prefetch_missing", "Tiles a prefetcher found missing.", []string{prefetcherLabel}, nil),
		failed:       prometheus.NewDesc("lvv_prefetch_failed", "Texture loads that failed.", []string{prefetcherLabel}, nil),
		stale:        prometheus.NewDesc("lvv_prefetch_stale", "Queued loads dropped because nothing wanted them anymore.", []string{prefetcherLabel}, nil),
		bytesRead:    prometheus.NewDesc("lvv_loader_bytes_read", "Bytes read from volume sources.", nil, nil),
		tilesRead:    prometheus.NewDesc("lvv_loader_tiles_read", "Tiles decoded from volume sources.", nil, nil),
		byteEntries:  prometheus.NewDesc("lvv_byte_cache_entries", "Raw tiles held in memory.", nil, nil),
		byteFetches:  prometheus.NewDesc("lvv_byte_cache_fetches", "Raw tile reads that went to the source.", nil, nil),
		byteDiskHits: prometheus.NewDesc("lvv_byte_cache_disk_hits", "Raw tile reads served from disk.", nil, nil),
		viewers:      prometheus.NewDesc("lvv_viewers", "Viewers attached to the tile server.", nil, nil),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	st := c.s.tiles.Stats()
	gauge(c.status, float64(st.Status))
	gauge(c.entries, float64(st.Cache.HistoryEntries), "history")
	gauge(c.entries, float64(st.Cache.FutureEntries), "future")
	gauge(c.capacity, float64(st.Cache.HistoryCapacity), "history")
	gauge(c.capacity, float64(st.Cache.FutureCapacity), "future")
	gauge(c.retained, float64(st.Cache.RetainedBytes))
	counter(c.evictions, float64(st.Cache.Evictions))
	counter(c.hits, float64(st.Cache.Hits))
	counter(c.misses, float64(st.Cache.Misses))
	counter(c.generation, float64(st.Cache.Generation))
	gauge(c.viewers, float64(st.Viewers))
	for name, ps := range map[string]tileserver.PrefetchStats{"minres": st.MinRes, "future": st.Future} {
		gauge(c.queued, float64(ps.Queued), name)
		gauge(c.active, float64(ps.Active), name)
		counter(c.loaded, float64(ps.Loaded), name)
		counter(c.missing, float64(ps.Missing), name)
		counter(c.failed, float64(ps.Failed), name)
		counter(c.stale, float64(ps.Stale), name)
	}

	ms := loader.DefaultMonitor.Stats()
	counter(c.bytesRead, float64(ms.TotalBytesRead))
	counter(c.tilesRead, float64(ms.TotalTiles))

	if c.s.bytes != nil {
		bs := c.s.bytes.Stats()
		gauge(c.byteEntries, float64(bs.MemoryEntries))
		counter(c.byteFetches, float64(bs.Fetches))
		counter(c.byteDiskHits, float64(bs.DiskHits))
	}
}

// metricsHandler serves the process-wide metrics plus this service's snapshot.
func (s *Service) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newStatsCollector(s))
	return promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, reg}, promhttp.HandlerOpts{})
}
