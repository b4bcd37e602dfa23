package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
	"gocloud.dev/gcp"
	"golang.org/x/time/rate"

	"github.com/janelia-flyem/lvv/lvv"
)

// ErrNotExist is returned, possibly wrapped, when a named object is absent.
var ErrNotExist = errors.New("object does not exist")

// Source reads named objects below a volume root.  Names use "/" separators.
type Source interface {
	// Read returns the whole object.
	Read(ctx context.Context, name string) ([]byte, error)

	// ReadRange returns length bytes starting at offset.  A negative length reads
	// to the end of the object.
	ReadRange(ctx context.Context, name string, offset, length int64) ([]byte, error)

	Exists(ctx context.Context, name string) (bool, error)

	// URL is the root the source was opened with.
	URL() string

	Close() error
}

// OpenSource returns a Source for a volume root.  The reference may be
//
//	/local/path or file:///local/path
//	gcs://<bucket>[/prefix]    (Google default credentials)
//	gs://<bucket>, s3://<bucket>, mem://   (any gocloud.dev blob URL)
//	http://host/path, https://host/path
func OpenSource(ctx context.Context, ref string, opts Options) (Source, error) {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return newHTTPSource(ref, opts)
	case strings.HasPrefix(ref, "gcs://"):
		return openGCS(ctx, ref)
	case strings.Contains(ref, "://"):
		bucket, err := blob.OpenBucket(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("can't open bucket reference @ %q: %v", ref, err)
		}
		return &blobSource{bucket: bucket, ref: ref}, nil
	default:
		dir, err := filepath.Abs(ref)
		if err != nil {
			return nil, err
		}
		if fi, err := os.Stat(dir); err != nil {
			return nil, err
		} else if !fi.IsDir() {
			return nil, fmt.Errorf("volume path %q is not a directory", dir)
		}
		bucket, err := fileblob.OpenBucket(dir, nil)
		if err != nil {
			return nil, err
		}
		return &blobSource{bucket: bucket, ref: dir}, nil
	}
}

func openGCS(ctx context.Context, ref string) (Source, error) {
	creds, err := gcp.DefaultCredentials(ctx)
	if err != nil {
		return nil, err
	}
	client, err := gcp.NewHTTPClient(gcp.DefaultTransport(), gcp.CredentialsTokenSource(creds))
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(strings.TrimPrefix(ref, "gcs://"), "/", 2)
	bucket, err := gcsblob.OpenBucket(ctx, client, parts[0], nil)
	if err != nil {
		return nil, fmt.Errorf("can't open bucket reference @ %q: %v", ref, err)
	}
	if len(parts) == 2 && parts[1] != "" {
		bucket = blob.PrefixedBucket(bucket, strings.TrimSuffix(parts[1], "/")+"/")
	}
	return &blobSource{bucket: bucket, ref: ref}, nil
}

type blobSource struct {
	bucket *blob.Bucket
	ref    string
}

// NewBucketSource reads objects from an already opened bucket.  The source owns the
// bucket and closes it.
func NewBucketSource(bucket *blob.Bucket, ref string) Source {
	return &blobSource{bucket: bucket, ref: ref}
}

func (s *blobSource) URL() string { return s.ref }

func (s *blobSource) mapError(name string, err error) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("%s/%s: %w", s.ref, name, ErrNotExist)
	}
	return err
}

func (s *blobSource) Read(ctx context.Context, name string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, name)
	if err != nil {
		return nil, s.mapError(name, err)
	}
	DefaultMonitor.Read(len(data))
	return data, nil
}

func (s *blobSource) ReadRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	r, err := s.bucket.NewRangeReader(ctx, name, offset, length, nil)
	if err != nil {
		return nil, s.mapError(name, err)
	}
	defer r.Close()
	var buf bytes.Buffer
	if length > 0 {
		buf.Grow(int(length))
	}
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	DefaultMonitor.Read(buf.Len())
	return buf.Bytes(), nil
}

func (s *blobSource) Exists(ctx context.Context, name string) (bool, error) {
	return s.bucket.Exists(ctx, name)
}

func (s *blobSource) Close() error {
	return s.bucket.Close()
}

// httpSource reads objects relative to a base URL, throttled to a maximum request
// rate so a remote tile server is not flooded by the prefetchers.
type httpSource struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPSource(ref string, opts Options) (*httpSource, error) {
	if !strings.HasSuffix(ref, "/") {
		ref += "/"
	}
	base, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = DefaultBurst
	}
	timeout := time.Duration(opts.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &httpSource{
		base:    base,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

func (s *httpSource) URL() string { return s.base.String() }

func (s *httpSource) do(ctx context.Context, method, name string, header http.Header) (*http.Response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u, err := s.base.Parse(name)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	return s.client.Do(req)
}

func (s *httpSource) get(ctx context.Context, name string, header http.Header) ([]byte, error) {
	resp, err := s.do(ctx, http.MethodGet, name, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s%s: %w", s.base, name, ErrNotExist)
	default:
		return nil, fmt.Errorf("GET %s%s returned status %d", s.base, name, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	DefaultMonitor.Read(len(data))
	return data, nil
}

func (s *httpSource) Read(ctx context.Context, name string) ([]byte, error) {
	return s.get(ctx, name, nil)
}

func (s *httpSource) ReadRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	rng := fmt.Sprintf("bytes=%d-", offset)
	if length >= 0 {
		rng = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}
	return s.get(ctx, name, http.Header{"Range": []string{rng}})
}

func (s *httpSource) Exists(ctx context.Context, name string) (bool, error) {
	resp, err := s.do(ctx, http.MethodHead, name, nil)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("HEAD %s%s returned status %d", s.base, name, resp.StatusCode)
	}
}

func (s *httpSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// IsNotExist reports whether err means a missing object.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

func logClose(s Source) {
	if err := s.Close(); err != nil {
		lvv.Errorf("Error closing volume source %s: %v\n", s.URL(), err)
	}
}
