/*
	This file implements a monitor of loader I/O.  Sources report bytes read and
	loaders report decoded tiles through buffered channels; a goroutine tallies
	them into per-second rates.
*/

package loader

import (
	"sync"
	"time"
)

const MonitorBuffer = 10000

// Monitor tracks bytes read and tiles decoded per second.
type Monitor struct {
	bytesRead   chan int
	tilesLoaded chan struct{}
	done        chan struct{}

	access          sync.Mutex
	bytesReadPerSec int
	tilesPerSec     int
	totalBytes      int64
	totalTiles      int64
}

// DefaultMonitor receives reports from every Source and format in this package.
var DefaultMonitor *Monitor

func init() {
	DefaultMonitor = NewMonitor(time.Second)
}

// NewMonitor starts a monitor that publishes rates every interval.
func NewMonitor(interval time.Duration) *Monitor {
	m := &Monitor{
		bytesRead:   make(chan int, MonitorBuffer),
		tilesLoaded: make(chan struct{}, MonitorBuffer),
		done:        make(chan struct{}),
	}
	go m.run(interval)
	return m
}

// Read records n bytes read.  It never blocks; reports are dropped if the monitor
// falls behind.
func (m *Monitor) Read(n int) {
	select {
	case m.bytesRead <- n:
	default:
	}
}

// TileLoaded records one decoded tile.
func (m *Monitor) TileLoaded() {
	select {
	case m.tilesLoaded <- struct{}{}:
	default:
	}
}

func (m *Monitor) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var bytesRead, tiles int
	for {
		select {
		case b := <-m.bytesRead:
			bytesRead += b
		case <-m.tilesLoaded:
			tiles++
		case <-ticker.C:
			m.access.Lock()
			m.bytesReadPerSec = bytesRead
			m.tilesPerSec = tiles
			m.totalBytes += int64(bytesRead)
			m.totalTiles += int64(tiles)
			m.access.Unlock()
			bytesRead, tiles = 0, 0
		case <-m.done:
			return
		}
	}
}

// MonitorStats holds the last interval's rates and the running totals.
type MonitorStats struct {
	BytesReadPerSec int   `json:"bytes_read_per_sec"`
	TilesPerSec     int   `json:"tiles_per_sec"`
	TotalBytesRead  int64 `json:"total_bytes_read"`
	TotalTiles      int64 `json:"total_tiles"`
}

func (m *Monitor) Stats() MonitorStats {
	m.access.Lock()
	defer m.access.Unlock()
	return MonitorStats{
		BytesReadPerSec: m.bytesReadPerSec,
		TilesPerSec:     m.tilesPerSec,
		TotalBytesRead:  m.totalBytes,
		TotalTiles:      m.totalTiles,
	}
}

// Stop ends the tally goroutine.
func (m *Monitor) Stop() {
	close(m.done)
}
