// Package remote retrieves patch manifests, file lists and file contents from
// an ordered list of mirrors, trying each mirror with an ordered list of
// transports until one succeeds.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/schaermu/patchd/internal/fileset"
)

// ManifestFile is the remote listing of available versions.
const ManifestFile = "update_list.txt"

// LocalSourceName is reported as the mirror for manifests read from disk.
const LocalSourceName = "local"

var (
	// ErrNoMirrors is returned when the fetcher has no mirrors configured.
	ErrNoMirrors = errors.New("no mirrors configured")
	// ErrEmptyBody marks a 200 response without content where content is required.
	ErrEmptyBody = errors.New("empty response body")
	// ErrAllMirrorsFailed wraps the aggregated attempt errors of a failed walk.
	ErrAllMirrorsFailed = errors.New("all mirrors failed")
)

// Mirror is one remote host serving patch content.
type Mirror struct {
	Name string
	URL  string
}

// Source identifies where a successful fetch came from.
type Source struct {
	Mirror    string `json:"mirror"`
	Transport string `json:"transport,omitempty"`
	URL       string `json:"url"`
}

func (s Source) String() string {
	if s.Transport == "" {
		return s.Mirror
	}
	return s.Mirror + " via " + s.Transport
}

// Fetcher walks mirrors and transports in order.
type Fetcher struct {
	mirrors []Mirror
	logger  *slog.Logger

	httpOpts        HTTPOptions
	downloadTimeout time.Duration
	diagConnect     time.Duration
	diagTimeout     time.Duration

	listTransports []Transport
	fileTransports []Transport
	diagTransports []Transport

	localManifest string
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPOptions sets the options the built-in transports are created with.
func WithHTTPOptions(opts HTTPOptions) Option {
	return func(f *Fetcher) {
		f.httpOpts = opts
	}
}

// WithDownloadTimeout sets the total timeout for file downloads.
func WithDownloadTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.downloadTimeout = d
	}
}

// WithDiagnosticTimeouts sets the connect and total timeouts used by Diagnose.
func WithDiagnosticTimeouts(connect, total time.Duration) Option {
	return func(f *Fetcher) {
		f.diagConnect = connect
		f.diagTimeout = total
	}
}

// WithTransports replaces the manifest and file list chain. The file chain
// becomes the same list; use WithFileTransports to set it separately.
func WithTransports(ts ...Transport) Option {
	return func(f *Fetcher) {
		f.listTransports = ts
		if f.fileTransports == nil {
			f.fileTransports = ts
		}
		if f.diagTransports == nil {
			f.diagTransports = ts
		}
	}
}

// WithFileTransports replaces the file download chain.
func WithFileTransports(ts ...Transport) Option {
	return func(f *Fetcher) {
		f.fileTransports = ts
	}
}

// WithLocalManifest reads the version manifest from path instead of the network.
func WithLocalManifest(path string) Option {
	return func(f *Fetcher) {
		f.localManifest = path
	}
}

// WithLogger sets the logger used for attempt-level debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// New creates a Fetcher over mirrors, in the given order.
func New(mirrors []Mirror, opts ...Option) *Fetcher {
	f := &Fetcher{
		mirrors:         mirrors,
		logger:          slog.New(slog.DiscardHandler),
		httpOpts:        DefaultHTTPOptions(),
		downloadTimeout: 60 * time.Second,
		diagConnect:     5 * time.Second,
		diagTimeout:     10 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.listTransports == nil {
		f.listTransports = []Transport{NewTunedTransport(f.httpOpts), NewCompatTransport(f.httpOpts)}
	}
	if f.fileTransports == nil {
		dl := f.httpOpts
		dl.Timeout = f.downloadTimeout
		f.fileTransports = []Transport{NewTunedTransport(dl), NewCompatTransport(dl), NewGenericTransport(dl)}
	}
	if f.diagTransports == nil {
		diag := f.httpOpts
		diag.ConnectTimeout = f.diagConnect
		diag.Timeout = f.diagTimeout
		f.diagTransports = []Transport{NewTunedTransport(diag), NewCompatTransport(diag)}
	}
	return f
}

// FetchManifest returns the versions listed in the remote manifest.
func (f *Fetcher) FetchManifest(ctx context.Context) ([]string, Source, error) {
	if f.localManifest != "" {
		data, err := os.ReadFile(f.localManifest)
		if err != nil {
			return nil, Source{}, fmt.Errorf("reading local manifest: %w", err)
		}
		return fileset.ParseList(data), Source{Mirror: LocalSourceName, URL: f.localManifest}, nil
	}

	body, src, err := f.fetch(ctx, f.listTransports, ManifestFile, false)
	if err != nil {
		return nil, src, err
	}
	return fileset.ParseList(body), src, nil
}

// FetchFileList returns the relative paths listed for version.
func (f *Fetcher) FetchFileList(ctx context.Context, version string) ([]string, Source, error) {
	body, src, err := f.fetch(ctx, f.listTransports, escapePath(version, fileset.ListFile), false)
	if err != nil {
		return nil, src, err
	}
	return fileset.ParseList(body), src, nil
}

// FetchFile downloads one file of version. Empty files are valid content.
func (f *Fetcher) FetchFile(ctx context.Context, version, rel string) ([]byte, Source, error) {
	return f.fetch(ctx, f.fileTransports, escapePath(version, rel), true)
}

// fetch tries every (mirror, transport) pair in order and returns the first
// successful body. The error of every failed attempt is kept.
func (f *Fetcher) fetch(ctx context.Context, chain []Transport, path string, allowEmpty bool) ([]byte, Source, error) {
	if len(f.mirrors) == 0 {
		return nil, Source{}, ErrNoMirrors
	}

	var errs []error
	for _, m := range f.mirrors {
		target := joinURL(m.URL, path)
		for _, t := range chain {
			if err := ctx.Err(); err != nil {
				return nil, Source{}, err
			}

			body, err := t.Get(ctx, target)
			if err == nil && len(body) == 0 && !allowEmpty {
				err = ErrEmptyBody
			}
			if err != nil {
				f.logger.Debug("fetch attempt failed",
					"mirror", m.Name,
					"transport", t.Name(),
					"url", target,
					"error", err)
				errs = append(errs, fmt.Errorf("%s via %s: %w", m.Name, t.Name(), err))
				continue
			}

			src := Source{Mirror: m.Name, Transport: t.Name(), URL: target}
			f.logger.Debug("fetched", "source", src.String(), "url", target, "bytes", len(body))
			return body, src, nil
		}
	}

	return nil, Source{}, fmt.Errorf("%w for %s: %w", ErrAllMirrorsFailed, path, errors.Join(errs...))
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + path
}

// escapePath escapes each slash-separated segment for use in a URL path.
func escapePath(version, rel string) string {
	segments := append([]string{version}, strings.Split(rel, "/")...)
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
