// Package cache keeps playlist videos on local disk.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"caesartv/config"
	"caesartv/models"

	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// MinVideoSize is the smallest file treated as a real download.
const MinVideoSize = 1024

type Options struct {
	Dir         string
	HTTPClient  *http.Client
	Validator   Validator
	MaxRetries  int
	BaseDelay   time.Duration
	Concurrency int
	// Online is consulted before every download attempt; nil means always online.
	Online func(context.Context) bool
}

type Downloader struct {
	dir         string
	client      *http.Client
	validator   Validator
	maxRetries  int
	baseDelay   time.Duration
	concurrency int
	online      func(context.Context) bool
	logger      *log.Entry
}

func NewDownloader(opts Options) *Downloader {
	d := &Downloader{
		dir:         opts.Dir,
		client:      opts.HTTPClient,
		validator:   opts.Validator,
		maxRetries:  opts.MaxRetries,
		baseDelay:   opts.BaseDelay,
		concurrency: opts.Concurrency,
		online:      opts.Online,
		logger:      log.WithFields(log.Fields{"module": "cache"}),
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: 10 * time.Minute}
	}
	if d.validator == nil {
		d.validator = NewProber("")
	}
	if d.maxRetries < 0 {
		d.maxRetries = 0
	}
	if d.baseDelay <= 0 {
		d.baseDelay = 2 * time.Second
	}
	if d.concurrency <= 0 {
		d.concurrency = 1
	}
	return d
}

func (d *Downloader) Dir() string {
	return d.dir
}

func (d *Downloader) Validator() Validator {
	return d.validator
}

// Path is the cache location of the video with the given id.
func (d *Downloader) Path(id string) string {
	return filepath.Join(d.dir, id+".mp4")
}

func (d *Downloader) isOnline(ctx context.Context) bool {
	return d.online == nil || d.online(ctx)
}

var errTooSmall = errors.New("downloaded video too small")

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.code)
}

// Download stores the video at url under id and returns its local path. An
// empty result means no usable local copy exists.
func (d *Downloader) Download(ctx context.Context, url, id string) string {
	logger := d.logger.WithField("mediaID", id)
	if url == "" {
		logger.Warn("no URL provided")
		return ""
	}
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		logger.Errorf("failed to create videos directory %s: %v", d.dir, err)
		return ""
	}
	path := d.Path(id)

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ""
		}

		if info, err := os.Stat(path); err == nil && info.Size() > MinVideoSize && models.FileReadable(path) {
			logger.Debugf("video already cached: %s, size %d bytes", path, info.Size())
			if d.validator.Valid(ctx, path) {
				return path
			}
			logger.Warnf("cached video is invalid, deleting and downloading again: %s", path)
			os.Remove(path)
		}

		if !d.isOnline(ctx) {
			logger.Warnf("no network available, cannot download %s", url)
			return ""
		}

		logger.Debugf("downloading %s, attempt %d", url, attempt+1)
		err := d.fetch(ctx, url, path)
		var se *statusError
		switch {
		case err == nil:
		case errors.As(err, &se), errors.Is(err, errTooSmall):
			logger.Debugf("download attempt %d rejected: %v", attempt+1, err)
			continue
		default:
			logger.Warnf("error downloading %s, attempt %d: %v", url, attempt+1, err)
			if attempt < d.maxRetries {
				if err := sleepWithContext(ctx, d.baseDelay*time.Duration(1<<attempt)); err != nil {
					return ""
				}
			}
			continue
		}

		if !d.validator.Valid(ctx, path) {
			logger.Warnf("downloaded video is invalid: %s", path)
			os.Remove(path)
			return ""
		}
		logger.Infof("downloaded video to %s", path)
		return path
	}

	logger.Warnf("failed to download %s after %d attempts", url, d.maxRetries+1)
	return ""
}

// fetch writes the body of url to a temporary file and renames it to path
// once it is complete.
func (d *Downloader) fetch(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "caesartv/"+config.Version)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return &statusError{code: resp.StatusCode}
	}

	tmp, err := os.CreateTemp(d.dir, filepath.Base(path)+".*.part")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if n < MinVideoSize {
		return fmt.Errorf("%w: %d bytes", errTooSmall, n)
	}
	return os.Rename(tmpName, path)
}

// DownloadAll fetches every item video and every video slot of split-screen
// items. The returned copy carries local paths where downloads succeeded.
func (d *Downloader) DownloadAll(ctx context.Context, items []models.MediaItem) []models.MediaItem {
	out := make([]models.MediaItem, len(items))
	for i, item := range items {
		out[i] = item
		out[i].MultipleURL = append([]models.MediaURL(nil), item.MultipleURL...)
	}

	var g errgroup.Group
	g.SetLimit(d.concurrency)

	for i := range out {
		item := &out[i]
		if item.URL != "" {
			g.Go(func() error {
				item.LocalFilePath = d.Download(ctx, item.URL, item.ID)
				return nil
			})
		} else if item.MediaType == models.MediaSingle {
			d.logger.Warnf("no URL provided for media %s", item.ID)
		}

		for j := range item.MultipleURL {
			u := &item.MultipleURL[j]
			if u.URLType != models.URLVideo {
				continue
			}
			g.Go(func() error {
				u.LocalFilePath = d.Download(ctx, u.URL, u.ID)
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		sentry.CaptureException(err)
	}

	var cached int
	for _, item := range out {
		if item.LocalFilePath != "" {
			cached++
		}
	}
	d.logger.Infof("downloaded %d/%d media videos", cached, len(out))
	return out
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
