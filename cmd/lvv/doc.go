/*
lvv serves the tiles of large multi-resolution image volumes, typically electron or
light microscopy stacks far bigger than memory, and keeps the texture caches of its
viewers warm.

Philosophy

A viewer only ever shows a few tiles, but it shows them after every camera motion.
lvv therefore keeps, per volume, a bounded cache of textures in two tiers: tiles
that were displayed and tiles that were only prefetched.  Loader goroutines fill the
cache in priority order: first the coarsest level of the whole volume so something
can always be drawn, then exactly the tiles the viewers need, then neighboring
slices.  Whenever the camera moves the speculative part of the queue is thrown
away.

Volumes are read from local directories, HTTP servers or cloud buckets, and their
layout is sniffed from the files present.  Supported layouts are octrees of
per-node 3D TIFF stacks or PAM slice files, and Raveler quadtree PNG tiles.

Commands

In the following documentation, the type of brackets designate
<required parameter> and [optional parameter].

	lvv about

Prints the version of the lvv software.

	lvv formats

Lists the tile formats compiled into the executable in the order they are sniffed.

	lvv sniff <volume url>

Opens the volume and prints its format: size, tile size, zoom levels, voxel size
and sample type.

	lvv tile <volume url> <axis> <zoom> <x> <y> <z> <png file>

Loads a single tile and writes it as a PNG.  The coordinate along <axis> is a full
resolution slice while the other two are tile numbers at the given zoom.

	lvv serve <config.toml> [volume url]

Starts an HTTP server for the volume.  If no volume is given, the [server] volume
setting of the configuration is used.  See "GET /api/help" on a running server for
the HTTP API.

Configuration

An annotated configuration:

	[server]
	httpAddress = "localhost:8000"
	host = "tiles.example.org"        # optional alias shown in status
	note = "FIB-SEM stack"
	corsDomains = ["http://example.org"]
	volume = "/data/stack"            # relative paths are relative to this file

	[logging]
	logfile = "lvv.log"
	max_log_size = 500                # megabytes
	max_log_age = 30                  # days

	[cache]
	memory_mb = 4096                  # texture budget; default is the Go memory limit
	history_fraction = 0.15
	future_fraction = 0.35
	bytes_mb = 256                    # raw tile bytes kept in memory
	disk_path = "tilecache"           # persistent cache of remote tile bytes

	[prefetch]
	minres = true
	minres_workers = 4
	future_workers = 4
	fraction = 0.9

	[view]
	zoom_offset = 0.5
	edge_inset = 0.25

	[loader]
	http_rate = 100.0                 # requests per second, 0 is unlimited
	http_burst = 16
	timeout = 30                      # seconds
	raveler_tile_size = 1024
*/
package main
