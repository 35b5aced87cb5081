// Package transfer moves episode bytes from an HTTP URL to the local disk.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/episode_downloader/internal/logctx"
	"github.com/italolelis/episode_downloader/internal/progress"
	"github.com/italolelis/episode_downloader/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	dirPerm = 0755

	// PartialSuffix marks a file that is still being written.
	PartialSuffix = ".part"

	defaultReportInterval = 512 * 1024
)

// Report receives the completed fraction in [0,1] and a speed label such as
// "1.2 MB/s". The fraction is 0 while the total size is unknown.
type Report func(fraction float64, speed string)

// Fetcher downloads a URL into a file, reporting progress as it goes.
type Fetcher struct {
	client    *http.Client
	telemetry *telemetry.Telemetry
	interval  int64
	now       func() time.Time
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithTelemetry records fetch spans and errors.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(f *Fetcher) {
		f.telemetry = t
	}
}

// WithReportInterval sets how many bytes are read between progress reports.
func WithReportInterval(bytes int64) Option {
	return func(f *Fetcher) {
		f.interval = bytes
	}
}

// NewFetcher creates a Fetcher. Without WithHTTPClient it uses a client whose
// transport is wrapped by otelhttp.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		interval: defaultReportInterval,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Fetch streams url into targetPath. Bytes are written to targetPath plus
// PartialSuffix and renamed on success; the partial file is removed on any
// failure, including cancellation of ctx.
func (f *Fetcher) Fetch(ctx context.Context, url, targetPath string, report Report) error {
	return f.telemetry.InstrumentFetch(ctx, func(ctx context.Context) error {
		return f.fetch(ctx, url, targetPath, report)
	})
}

func (f *Fetcher) fetch(ctx context.Context, url, targetPath string, report Report) error {
	logger := logctx.LoggerFromContext(ctx).With("url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &NetworkError{Operation: "build_request", Message: err.Error(), Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return &NetworkError{Operation: "request", Message: err.Error(), Err: err}
	}

	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &NetworkError{Operation: "request", StatusCode: resp.StatusCode, Message: resp.Status}
	}

	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return &FileError{Path: dir, Reason: "failed to create target directory", Err: err}
	}

	partial := targetPath + PartialSuffix

	out, err := os.Create(partial)
	if err != nil {
		return &FileError{Path: partial, Reason: "failed to create partial file", Err: err}
	}

	total := resp.ContentLength
	if total > 0 {
		logger.Info("downloading episode", "file_path", targetPath, "file_size", humanize.Bytes(uint64(total)))
	} else {
		logger.Info("downloading episode", "file_path", targetPath)
	}

	start := f.now()
	pr := progress.NewReader(resp.Body, total, f.interval, func(read, total int64) {
		if report != nil {
			report(fraction(read, total), speedLabel(read, f.now().Sub(start)))
		}
	})

	_, copyErr := io.Copy(out, pr)
	closeErr := out.Close()

	if copyErr != nil || closeErr != nil {
		if err := os.Remove(partial); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove partial file", "file_path", partial, "err", err)
		}

		if copyErr != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("download interrupted: %w", ctx.Err())
			}

			return &NetworkError{Operation: "read_body", Message: copyErr.Error(), Err: copyErr}
		}

		return &FileError{Path: partial, Reason: "failed to flush partial file", Err: closeErr}
	}

	if err := os.Rename(partial, targetPath); err != nil {
		_ = os.Remove(partial)

		return &FileError{Path: targetPath, Reason: "failed to rename partial file", Err: err}
	}

	logger.Info("downloaded and saved episode",
		"file_path", targetPath,
		"downloaded", humanize.Bytes(uint64(pr.BytesRead())),
		"duration", f.now().Sub(start).String())

	return nil
}

func fraction(read, total int64) float64 {
	if total <= 0 {
		return 0
	}

	return float64(read) / float64(total)
}

func speedLabel(read int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return humanize.Bytes(uint64(read)) + "/s"
	}

	return humanize.Bytes(uint64(float64(read)/elapsed.Seconds())) + "/s"
}
