// Package repository combines the local store and the video cache into the
// playlist the agent plays.
package repository

import (
	"context"
	"fmt"
	"os"

	"caesartv/cache"
	"caesartv/database"
	"caesartv/models"
	"caesartv/sentryhelper"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

type Repository struct {
	db         *database.Database
	downloader *cache.Downloader
	logger     *log.Entry
}

func New(db *database.Database, downloader *cache.Downloader) *Repository {
	return &Repository{
		db:         db,
		downloader: downloader,
		logger:     log.WithFields(log.Fields{"module": "repository"}),
	}
}

// Sync downloads the videos of items and replaces the stored playlist with
// them. It returns the items annotated with their local paths.
func (r *Repository) Sync(ctx context.Context, items []models.MediaItem) ([]models.MediaItem, error) {
	span := sentryhelper.StartSpan(ctx, "repository.sync")
	defer span.Finish()

	r.logger.Infof("syncing %d media items", len(items))
	annotated := r.downloader.DownloadAll(span.Context(), items)

	if err := r.db.ReplaceAll(span.Context(), annotated); err != nil {
		sentryhelper.CaptureException(ctx, err)
		return nil, fmt.Errorf("failed to save playlist: %w", err)
	}
	r.logger.Debugf("saved media %v", models.MediaIDs(annotated))
	return annotated, nil
}

// CachedMedia returns the stored playlist. Local paths whose files are gone
// are dropped so playback falls back to the remote URL.
func (r *Repository) CachedMedia(ctx context.Context) ([]models.MediaItem, error) {
	items, err := r.db.ActiveMedia(ctx)
	if err != nil {
		return nil, err
	}
	for i := range items {
		item := &items[i]
		if item.LocalFilePath != "" && !fileExists(item.LocalFilePath) {
			r.logger.Debugf("cached file for %s is gone: %s", item.ID, item.LocalFilePath)
			item.LocalFilePath = ""
		}
		for j := range item.MultipleURL {
			u := &item.MultipleURL[j]
			if u.LocalFilePath != "" && !fileExists(u.LocalFilePath) {
				u.LocalFilePath = ""
			}
		}
	}
	r.logger.Debugf("loaded %d cached media items", len(items))
	return items, nil
}

func (r *Repository) CountCachedMedia(ctx context.Context) (int, error) {
	return r.db.CountActiveMedia(ctx)
}

func (r *Repository) RecordPlay(ctx context.Context, mediaID, title, path string, outcome database.PlayOutcome) error {
	return r.db.RecordPlay(ctx, mediaID, title, path, outcome)
}

func (r *Repository) RecentPlays(ctx context.Context, limit int) ([]database.PlayRecord, error) {
	return r.db.RecentPlays(ctx, limit)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (r *Repository) validFile(ctx context.Context, path string) bool {
	return fileExists(path) && r.downloader.Validator().Valid(ctx, path)
}

// VerifyCachedFiles clears local paths that point at missing or unplayable
// files and returns how many were cleared.
func (r *Repository) VerifyCachedFiles(ctx context.Context) (int, error) {
	items, err := r.db.ActiveMedia(ctx)
	if err != nil {
		return 0, err
	}

	cleared := 0
	for _, item := range items {
		if item.LocalFilePath != "" && !r.validFile(ctx, item.LocalFilePath) {
			r.logger.Warnf("invalid or missing cached file for media %s: %s", item.ID, item.LocalFilePath)
			if err := r.db.SetMediaLocalPath(ctx, item.ID, ""); err != nil {
				return cleared, err
			}
			cleared++
		}
		for _, u := range item.MultipleURL {
			if u.LocalFilePath != "" && !r.validFile(ctx, u.LocalFilePath) {
				r.logger.Warnf("invalid or missing cached file for media url %s: %s", u.ID, u.LocalFilePath)
				if err := r.db.SetURLLocalPath(ctx, u.DBID, ""); err != nil {
					return cleared, err
				}
				cleared++
			}
		}
	}
	if cleared > 0 {
		r.logger.Infof("cleared %d stale cache entries", cleared)
	}
	return cleared, nil
}

// WatchCache clears the local path of any cached video removed from disk
// while the agent runs. The watch stops when ctx is done.
func (r *Repository) WatchCache(ctx context.Context) error {
	dir := r.downloader.Dir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache dir %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create cache watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				n, err := r.db.ClearLocalPath(ctx, event.Name)
				if err != nil {
					r.logger.Errorf("failed to clear removed file %s: %v", event.Name, err)
					continue
				}
				if n > 0 {
					r.logger.Warnf("cached file %s removed, cleared %d references", event.Name, n)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Errorf("cache watcher error: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
