// Package fetcher downloads provider payloads over HTTP and FTP and decodes
// them into flat records.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Request describes one outbound fetch.
type Request struct {
	URL      string
	Method   string // default GET
	Headers  map[string]string
	Body     []byte
	Username string
	Password string
}

// Fetcher opens a remote resource. The caller closes the returned body.
type Fetcher interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// Router dispatches a request to the HTTP or FTP fetcher by URL scheme.
type Router struct {
	HTTP *HTTPFetcher
	FTP  *FTPFetcher
}

// NewRouter creates a Router from the given fetchers.
func NewRouter(httpF *HTTPFetcher, ftpF *FTPFetcher) *Router {
	return &Router{HTTP: httpF, FTP: ftpF}
}

// Open implements Fetcher.
func (r *Router) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %q", req.URL)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if r.HTTP == nil {
			return nil, eris.New("fetcher: no http fetcher configured")
		}
		return r.HTTP.Open(ctx, req)
	case "ftp":
		if r.FTP == nil {
			return nil, eris.New("fetcher: no ftp fetcher configured")
		}
		return r.FTP.Open(ctx, req)
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
}

// ReadAll opens req and reads at most maxBytes of the body. A body larger
// than maxBytes is an error. maxBytes <= 0 means unlimited.
func ReadAll(ctx context.Context, f Fetcher, req Request, maxBytes int64) ([]byte, error) {
	body, err := f.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	var r io.Reader = body
	if maxBytes > 0 {
		r = io.LimitReader(body, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read %s", req.URL)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, eris.Errorf("fetcher: %s exceeds %d bytes", req.URL, maxBytes)
	}
	return data, nil
}

// ToTempFile downloads req into a temporary file and returns its path and
// a cleanup func that removes it.
func ToTempFile(ctx context.Context, f Fetcher, req Request, pattern string) (string, func(), error) {
	body, err := f.Open(ctx, req)
	if err != nil {
		return "", func() {}, err
	}
	defer body.Close() //nolint:errcheck

	dir, err := os.MkdirTemp("", "padlock-fetch-")
	if err != nil {
		return "", func() {}, eris.Wrap(err, "fetcher: create temp dir")
	}
	cleanup := func() { os.RemoveAll(dir) } //nolint:errcheck

	path := filepath.Join(dir, pattern)
	file, err := os.Create(path)
	if err != nil {
		cleanup()
		return "", func() {}, eris.Wrap(err, "fetcher: create temp file")
	}
	defer file.Close() //nolint:errcheck

	if _, err := io.Copy(file, body); err != nil {
		cleanup()
		return "", func() {}, eris.Wrapf(err, "fetcher: write %s", req.URL)
	}
	return path, cleanup, nil
}
