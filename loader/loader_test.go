package loader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blang/semver"

	"github.com/janelia-flyem/lvv/tile"
)

type fakeFormat struct {
	name  string
	probe string
}

func (f *fakeFormat) Name() string { return f.name }
func (f *fakeFormat) Description() string { return "test format " + f.name }
func (f *fakeFormat) SemVer() semver.Version { return semver.MustParse("1.2.3") }

func (f *fakeFormat) Sniff(ctx context.Context, src Source) (bool, error) {
	return src.Exists(ctx, f.probe)
}

func (f *fakeFormat) Open(ctx context.Context, src Source) (tile.LoadAdapter, error) {
	return nil, fmt.Errorf("%s cannot open volumes", f.name)
}

func TestRegistryOrder(t *testing.T) {
	late := &fakeFormat{name: "late", probe: "common.txt"}
	early := &fakeFormat{name: "early", probe: "common.txt"}
	RegisterFormat(late, 1000)
	RegisterFormat(early, 999)

	var names []string
	for _, f := range Formats() {
		names = append(names, f.Name())
	}
	iEarly, iLate := -1, -1
	for i, name := range names {
		switch name {
		case "early":
			iEarly = i
		case "late":
			iLate = i
		}
	}
	if iEarly < 0 || iLate < 0 || iEarly > iLate {
		t.Fatalf("expected early before late, got %v", names)
	}
	if s := FormatString(early); s != "early [1.2.3]: test format early" {
		t.Errorf("unexpected format string %q", s)
	}

	ctx := context.Background()
	dir := t.TempDir()
	src, err := OpenSource(ctx, dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if _, err := Sniff(ctx, src); !errors.Is(err, tile.ErrUnknownFormat) {
		t.Errorf("expected unknown format for empty folder, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "common.txt"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	f, err := Sniff(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if f.Name() != "early" {
		t.Errorf("expected early format to win, got %s", f.Name())
	}
	if _, err := Open(ctx, dir, Options{}); err == nil {
		t.Errorf("expected open failure from fake format")
	}
}

func TestFileSource(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "a", "b"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a", "b", "data.bin"), []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}
	src, err := OpenSource(ctx, dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	data, err := src.Read(ctx, "a/b/data.bin")
	if err != nil || string(data) != "0123456789" {
		t.Fatalf("bad read %q: %v", data, err)
	}
	data, err = src.ReadRange(ctx, "a/b/data.bin", 3, 4)
	if err != nil || string(data) != "3456" {
		t.Errorf("bad range read %q: %v", data, err)
	}
	data, err = src.ReadRange(ctx, "a/b/data.bin", 8, -1)
	if err != nil || string(data) != "89" {
		t.Errorf("bad open range read %q: %v", data, err)
	}
	if found, err := src.Exists(ctx, "a/b/data.bin"); err != nil || !found {
		t.Errorf("expected object to exist: %v", err)
	}
	if found, err := src.Exists(ctx, "a/nothing"); err != nil || found {
		t.Errorf("expected object not to exist: %v", err)
	}
	if _, err := src.Read(ctx, "a/nothing"); !IsNotExist(err) {
		t.Errorf("expected not exist error, got %v", err)
	}

	if _, err := OpenSource(ctx, filepath.Join(dir, "a", "b", "data.bin"), Options{}); err == nil {
		t.Errorf("expected error opening a file as a volume root")
	}
	if _, err := OpenSource(ctx, filepath.Join(dir, "missing"), Options{}); err == nil {
		t.Errorf("expected error opening a missing folder")
	}
}

func TestHTTPSource(t *testing.T) {
	var gets atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/root/tile.bin":
			if r.Method == http.MethodGet {
				gets.Add(1)
			}
			http.ServeContent(w, r, "tile.bin", time.Time{}, strings.NewReader("abcdefghij"))
		case "/root/broken":
			http.Error(w, "nope", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	ctx := context.Background()
	src, err := OpenSource(ctx, server.URL+"/root", Options{RequestsPerSecond: 1000})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	data, err := src.Read(ctx, "tile.bin")
	if err != nil || string(data) != "abcdefghij" {
		t.Fatalf("bad read %q: %v", data, err)
	}
	data, err = src.ReadRange(ctx, "tile.bin", 2, 3)
	if err != nil || string(data) != "cde" {
		t.Errorf("bad range read %q: %v", data, err)
	}
	if found, err := src.Exists(ctx, "tile.bin"); err != nil || !found {
		t.Errorf("expected tile to exist: %v", err)
	}
	if found, err := src.Exists(ctx, "other.bin"); err != nil || found {
		t.Errorf("expected other tile not to exist: %v", err)
	}
	if _, err := src.Read(ctx, "other.bin"); !IsNotExist(err) {
		t.Errorf("expected not exist error, got %v", err)
	}
	if _, err := src.Read(ctx, "broken"); err == nil || IsNotExist(err) {
		t.Errorf("expected server error, got %v", err)
	}
	if gets.Load() != 2 {
		t.Errorf("expected 2 GETs, got %d", gets.Load())
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := src.Read(canceled, "tile.bin"); err == nil {
		t.Errorf("expected error for canceled context")
	}
}

func TestByteCache(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewByteCache(1, filepath.Join(dir, "badger"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	var fetches atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) ([]byte, error) {
		fetches.Add(1)
		<-release
		return []byte("tile bytes"), nil
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := cache.Get(ctx, "vol|a", fetch)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = string(data)
		}(i)
	}
	for fetches.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()
	for i, r := range results {
		if r != "tile bytes" {
			t.Errorf("result %d: got %q", i, r)
		}
	}
	if n := fetches.Load(); n < 1 || n > int32(len(results)) {
		t.Errorf("unexpected fetch count %d", n)
	}
	if s := cache.Stats(); s.Fetches != uint64(fetches.Load()) {
		t.Errorf("expected %d fetches in stats, got %+v", fetches.Load(), s)
	}

	before := fetches.Load()
	if data, err := cache.Get(ctx, "vol|a", fetch); err != nil || string(data) != "tile bytes" {
		t.Errorf("expected memory hit, got %q: %v", data, err)
	}
	cache.Clear()
	if data, err := cache.Get(ctx, "vol|a", fetch); err != nil || string(data) != "tile bytes" {
		t.Errorf("expected disk hit, got %q: %v", data, err)
	}
	if fetches.Load() != before {
		t.Errorf("expected no new fetches, got %d", fetches.Load()-before)
	}
	if s := cache.Stats(); s.DiskHits < 1 {
		t.Errorf("expected a disk hit, got %+v", s)
	}

	boom := errors.New("boom")
	if _, err := cache.Get(ctx, "vol|b", func(context.Context) ([]byte, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Errorf("expected fetch error, got %v", err)
	}
	if data, err := cache.Get(ctx, "vol|b", func(context.Context) ([]byte, error) { return []byte("ok"), nil }); err != nil || string(data) != "ok" {
		t.Errorf("expected failed fetch not to be cached, got %q: %v", data, err)
	}
	if err := cache.Close(); err != nil {
		t.Fatal(err)
	}
}
