/*
	This file contains functions useful for testing lvv in other packages.
	Unfortunately, due to the way Go handles compilation of *_test.go files,
	these functions cannot be in server_test.go since they will be unavailable
	to test files in external packages.  So these functions are exported and
	contain the "Test" keyword.
*/

package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/janelia-flyem/lvv/loader/pam"
)

// TestHTTPResponse returns a response from a test run of the handler.
// Use TestHTTP if you just want the response body bytes.
func TestHTTPResponse(t *testing.T, h http.Handler, method, urlStr string, payload io.Reader) *httptest.ResponseRecorder {
	req, err := http.NewRequest(method, urlStr, payload)
	if err != nil {
		t.Fatalf("Unsuccessful %s on %q: %v\n", method, urlStr, err)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

// TestHTTP returns the response body bytes for a test request, making sure any response has
// status OK.
func TestHTTP(t *testing.T, h http.Handler, method, urlStr string, payload io.Reader) []byte {
	resp := TestHTTPResponse(t, h, method, urlStr, payload)
	if resp.Code != http.StatusOK {
		t.Fatalf("Bad server response (%d) to %s on %q: %s\n", resp.Code, method, urlStr, resp.Body.String())
	}
	return resp.Body.Bytes()
}

// TestBadHTTP expects a HTTP response with an error status code.
func TestBadHTTP(t *testing.T, h http.Handler, method, urlStr string, payload io.Reader) {
	resp := TestHTTPResponse(t, h, method, urlStr, payload)
	if resp.Code == http.StatusOK {
		t.Fatalf("Expected bad server response to %s on %q, got %d instead.\n", method, urlStr, resp.Code)
	}
}

// TestSample is the 8-bit value of voxel (x, y, z) in volumes written by
// WriteTestVolume.
func TestSample(x, y, z int) uint16 {
	return uint16((x + 3*y + 7*z) % 256)
}

// WriteTestVolume writes a single-level PAM volume of the given size into dir.
func WriteTestVolume(t *testing.T, dir string, width, height, slices int) {
	for z := 0; z < slices; z++ {
		data := []byte(fmt.Sprintf("P7\nWIDTH %d\nHEIGHT %d\nDEPTH 1\nMAXVAL 255\nTUPLTYPE GRAYSCALE\nENDHDR\n",
			width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				data = append(data, byte(TestSample(x, y, z)))
			}
		}
		if err := os.WriteFile(filepath.Join(dir, pam.SliceName(z)), data, 0644); err != nil {
			t.Fatalf("Unable to write test volume: %v\n", err)
		}
	}
}

// OpenTestService returns a service with a small texture cache that is closed when
// the test ends.  If volumeDir is not empty, the volume there is loaded.
func OpenTestService(t *testing.T, volumeDir string) *Service {
	c := DefaultConfig()
	c.Cache.MemoryMB = 16
	c.Cache.BytesMB = 0
	c.Prefetch.MinResWorkers = 2
	c.Prefetch.FutureWorkers = 2
	s, err := NewService(c)
	if err != nil {
		t.Fatalf("Unable to create test service: %v\n", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Error closing test service: %v\n", err)
		}
	})
	if volumeDir != "" {
		if err := s.LoadVolume(context.Background(), volumeDir); err != nil {
			t.Fatalf("Unable to load test volume %s: %v\n", volumeDir, err)
		}
	}
	return s
}
