package server

import (
	"bytes"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/janelia-flyem/lvv/loader"
	"github.com/janelia-flyem/lvv/loader/raveler"
	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/tileserver"
	"github.com/janelia-flyem/lvv/view"
)

const (
	// DefaultWebAddress is the default URL of the lvv web server
	DefaultWebAddress = "localhost:8000"

	// WebAPIPath is the prefix of all HTTP API calls.
	WebAPIPath = "/api/"
)

// DefaultHost is the default most understandable alias for this server.
var DefaultHost = "localhost"

func init() {
	// Assumes Linux or Mac.
	cmd := exec.Command("/bin/hostname", "-f")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		lvv.Debugf("Unable to get default Host name via /bin/hostname: %v\n", err)
		return
	}
	if host := string(bytes.TrimSpace(out.Bytes())); host != "" {
		DefaultHost = host
	}
}

// Config is the parsed TOML configuration of a server.
type Config struct {
	Server   serverConfig
	Logging  lvv.LogConfig
	Cache    cacheConfig
	Prefetch prefetchConfig
	View     view.Options
	Loader   loaderConfig

	location string
}

type serverConfig struct {
	HTTPAddress string   `toml:"httpAddress"`
	Host        string   `toml:"host"`
	Note        string   `toml:"note"`
	CorsDomains []string `toml:"corsDomains"`

	// Volume is opened at startup if no volume is given on the command line.
	Volume string `toml:"volume"`
}

// cacheConfig sizes the texture cache and the cache of raw tile bytes.
type cacheConfig struct {
	MemoryMB        int     `toml:"memory_mb"`
	HistoryFraction float64 `toml:"history_fraction"`
	FutureFraction  float64 `toml:"future_fraction"`
	BytesMB         int     `toml:"bytes_mb"`
	DiskPath        string  `toml:"disk_path"`
}

type prefetchConfig struct {
	MinResWorkers int     `toml:"minres_workers"`
	FutureWorkers int     `toml:"future_workers"`
	Fraction      float64 `toml:"fraction"`
	MinRes        bool    `toml:"minres"`
}

type loaderConfig struct {
	HTTPRate        float64 `toml:"http_rate"`
	HTTPBurst       int     `toml:"http_burst"`
	Timeout         int     `toml:"timeout"`
	RavelerTileSize int     `toml:"raveler_tile_size"`
}

// DefaultConfig returns the configuration used for absent TOML settings.
func DefaultConfig() *Config {
	ts := tileserver.DefaultConfig()
	return &Config{
		Server: serverConfig{HTTPAddress: DefaultWebAddress},
		Cache: cacheConfig{
			HistoryFraction: ts.HistoryFraction,
			FutureFraction:  ts.FutureFraction,
			BytesMB:         loader.DefaultCacheMB,
		},
		Prefetch: prefetchConfig{
			MinResWorkers: ts.MinResWorkers,
			FutureWorkers: ts.FutureWorkers,
			Fraction:      ts.PrefetchFraction,
			MinRes:        ts.MinRes,
		},
		View: view.DefaultOptions(),
		Loader: loaderConfig{
			HTTPBurst:       loader.DefaultBurst,
			Timeout:         int(loader.DefaultTimeout.Seconds()),
			RavelerTileSize: raveler.TileSize,
		},
	}
}

// LoadConfig loads server configuration from a TOML file.  Settings absent from
// the file keep their defaults.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("no server TOML configuration file provided")
	}
	c := DefaultConfig()
	if _, err := toml.DecodeFile(filename, c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	c.location = filename
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, fmt.Errorf("could not convert relative paths to absolute paths in TOML config: %v", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Some settings in the TOML can be given as relative paths.
// This function converts them in-place to absolute paths,
// assuming the given paths were relative to the TOML file's own directory.
func (c *Config) convertPathsToAbsolute(configPath string) error {
	var err error
	configDir := filepath.Dir(configPath)

	// [logging].logfile
	if c.Logging.Logfile != "" {
		c.Logging.Logfile, err = lvv.ConvertToAbsolute(c.Logging.Logfile, configDir)
		if err != nil {
			return fmt.Errorf("error converting logfile setting to absolute path")
		}
	}

	// [cache].disk_path
	if c.Cache.DiskPath != "" {
		c.Cache.DiskPath, err = lvv.ConvertToAbsolute(c.Cache.DiskPath, configDir)
		if err != nil {
			return fmt.Errorf("error converting cache disk_path setting to absolute path")
		}
	}

	// [server].volume, unless it is a URL
	if v := c.Server.Volume; v != "" && !isURL(v) {
		if c.Server.Volume, err = lvv.ConvertToAbsolute(v, configDir); err != nil {
			return fmt.Errorf("error converting volume setting to absolute path")
		}
	}
	return nil
}

func isURL(s string) bool {
	return strings.Contains(s, "://")
}

func (c *Config) validate() error {
	if c.Cache.HistoryFraction < 0 || c.Cache.FutureFraction < 0 {
		return fmt.Errorf("cache fractions must not be negative")
	}
	if c.Prefetch.Fraction < 0 || c.Prefetch.Fraction > 1 {
		return fmt.Errorf("prefetch fraction must be between 0 and 1, got %f", c.Prefetch.Fraction)
	}
	if c.Loader.RavelerTileSize < 0 {
		return fmt.Errorf("bad raveler tile size %d", c.Loader.RavelerTileSize)
	}
	return nil
}

// Location returns the file the configuration was read from.
func (c *Config) Location() string {
	return c.location
}

// TileServer returns the texture cache and prefetch settings.
func (c *Config) TileServer() tileserver.Config {
	return tileserver.Config{
		MemoryMB:         c.Cache.MemoryMB,
		HistoryFraction:  c.Cache.HistoryFraction,
		FutureFraction:   c.Cache.FutureFraction,
		PrefetchFraction: c.Prefetch.Fraction,
		MinResWorkers:    c.Prefetch.MinResWorkers,
		FutureWorkers:    c.Prefetch.FutureWorkers,
		MinRes:           c.Prefetch.MinRes,
	}
}

// LoaderOptions returns the volume source settings.  The byte cache is created by
// the service so it can be shared and cleared.
func (c *Config) LoaderOptions() loader.Options {
	return loader.Options{
		RequestsPerSecond: c.Loader.HTTPRate,
		Burst:             c.Loader.HTTPBurst,
		TimeoutSeconds:    c.Loader.Timeout,
	}
}

// Host returns the most understandable host alias plus any port.
func (c *Config) Host() string {
	host := DefaultHost
	if c.Server.Host != "" {
		host = c.Server.Host
	}
	if _, port, err := net.SplitHostPort(c.Server.HTTPAddress); err == nil && port != "" {
		host += ":" + port
	}
	return host
}
