// Command-line interface to the lvv tile server.
// Provides commands to inspect tiled volumes and to serve them over HTTP.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/blang/semver"

	"github.com/janelia-flyem/lvv/loader"
	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/server"
	"github.com/janelia-flyem/lvv/tile"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Log debug messages if true.
	runDebug = flag.Bool("debug", false, "")

	// Address for http communication, overriding the config file.
	httpAddress = flag.String("http", "", "")

	// Profile CPU usage using standard gotest system.
	cpuprofile = flag.String("cpuprofile", "", "")

	// Profile memory usage using standard gotest system.
	memprofile = flag.String("memprofile", "", "")
)

const helpMessage = `
lvv serves tiles of large multi-resolution image volumes

Usage: lvv [options] <command>

      -http       =string   Address for HTTP communication.  Overrides config file.
      -cpuprofile =string   Write CPU profile to this file.
      -memprofile =string   Write memory profile to this file on ctrl-C.
      -debug      (flag)    Log debug messages.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	help
	formats
	sniff  <volume url>
	tile   <volume url> <axis> <zoom> <x> <y> <z> <png file>
	serve  <config.toml> [volume url]

Volume urls may be local directories, file://, http://, https://, gcs:// or
any other bucket URL understood by gocloud.dev.
`

var usage = func() {
	fmt.Print(helpMessage)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}

	if *runVerbose {
		lvv.Verbose = true
	}
	if *runDebug || *runVerbose {
		lvv.SetLogMode(lvv.DebugMode)
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if err := DoCommand(flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// DoCommand serves as a switchboard for commands.
func DoCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("Blank command!")
	}

	switch args[0] {
	case "about":
		v := semver.MustParse(lvv.Version)
		fmt.Printf("lvv %s (revision %s)\n", v, lvv.BuildRevision())
	case "formats":
		for _, f := range loader.Formats() {
			fmt.Println(loader.FormatString(f))
		}
	case "sniff":
		return DoSniff(args[1:])
	case "tile":
		return DoTile(args[1:])
	case "serve":
		return DoServe(args[1:])
	default:
		return fmt.Errorf("Unknown command %q.  Use 'lvv help' for usage.", args[0])
	}
	return nil
}

// DoSniff prints the format of a volume.
func DoSniff(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("sniff command must be followed by a volume url")
	}
	ctx := context.Background()
	adapter, err := loader.Open(ctx, args[0], loader.Options{})
	if err != nil {
		return err
	}
	defer closeAdapter(adapter)
	f := adapter.Format()
	fmt.Printf("%s\n", f)
	fmt.Printf("Bounding box (um): %s\n", f.BoundingBox())
	for z := 0; z <= f.MaxZoom(); z++ {
		fmt.Printf("  zoom %d: %d voxel(s) per tile voxel\n", z, f.ZoomFactor(z))
	}
	return nil
}

// DoTile loads one tile of a volume and writes it as a PNG file.
func DoTile(args []string) error {
	if len(args) != 7 {
		return fmt.Errorf("tile command needs <volume url> <axis> <zoom> <x> <y> <z> <png file>")
	}
	axis, err := lvv.ParseAxis(args[1])
	if err != nil {
		return err
	}
	var coords [4]int
	for i, s := range args[2:6] {
		if coords[i], err = strconv.Atoi(s); err != nil {
			return fmt.Errorf("bad tile coordinate %q", s)
		}
	}
	ctx := context.Background()
	adapter, err := loader.Open(ctx, args[0], loader.Options{})
	if err != nil {
		return err
	}
	defer closeAdapter(adapter)
	f := adapter.Format()
	ix := tile.NewIndex(coords[1], coords[2], coords[3], coords[0], f.MaxZoom(), f.Style, axis)
	if !f.InVolume(ix) {
		return fmt.Errorf("tile %s is outside the volume", ix)
	}
	timedLog := lvv.NewTimeLog()
	img, err := adapter.LoadToRAM(ctx, ix)
	if err != nil {
		return err
	}
	timedLog.Infof("Loaded tile %s", ix)
	return writePNG(args[6], img)
}

// DoServe runs the tile server until it is interrupted.
func DoServe(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("serve command must be followed by <config.toml> and optionally a volume url")
	}
	config, err := server.LoadConfig(args[0])
	if err != nil {
		return err
	}
	config.Logging.SetLogger()
	lvv.Infof("Config loaded from %s: %+v\n", config.Location(), config.Server)
	if *httpAddress != "" {
		config.Server.HTTPAddress = *httpAddress
	}
	volume := config.Server.Volume
	if len(args) == 2 {
		volume = args[1]
	}

	service, err := server.NewService(config)
	if err != nil {
		return err
	}
	if volume != "" {
		if err := service.LoadVolume(context.Background(), volume); err != nil {
			service.Close()
			return err
		}
	}

	// Capture ctrl+c and other interrupts.  Then handle graceful shutdown.
	stopSig := make(chan os.Signal, 1)
	go func() {
		sig := <-stopSig
		lvv.Infof("Stop signal captured: %q.  Shutting down...\n", sig)
		if *memprofile != "" {
			lvv.Infof("Storing memory profiling to %s...\n", *memprofile)
			f, err := os.Create(*memprofile)
			if err != nil {
				log.Fatal(err)
			}
			pprof.WriteHeapProfile(f)
			f.Close()
		}
		if *cpuprofile != "" {
			lvv.Infof("Stopping CPU profiling to %s...\n", *cpuprofile)
			pprof.StopCPUProfile()
		}
		if err := service.Close(); err != nil {
			lvv.Errorf("Error shutting down: %v\n", err)
		}
		lvv.Shutdown()
		time.Sleep(1 * time.Second)
		os.Exit(0)
	}()
	signal.Notify(stopSig, os.Interrupt, syscall.SIGTERM)

	return service.Serve()
}
