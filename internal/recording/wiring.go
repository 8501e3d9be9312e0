package recording

import (
	"fmt"
	"log/slog"
	"os"

	"webrtsp-restreamer/internal/config"
	"webrtsp-restreamer/internal/listing"
	"webrtsp-restreamer/internal/observability/metrics"
	"webrtsp-restreamer/internal/registry"
)

// Poster hands a closure to the event loop that owns the registry.
type Poster func(fn func()) bool

// WatchRecordDirs evaluates every Record mountpoint directory now and again
// whenever it changes. Missing directories are created.
func WatchRecordDirs(w *Watcher, cfg *config.Config, logger *slog.Logger, recorder *metrics.Recorder) ([]*Evictor, error) {
	var evictors []*Evictor
	for _, name := range cfg.Names() {
		streamer := cfg.Streamers[name]
		if streamer.Type != config.TypeRecord || streamer.Record == nil {
			continue
		}
		record := streamer.Record.Normalized()
		if err := os.MkdirAll(record.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create recording dir for %s: %w", name, err)
		}
		ev := NewEvictor(EvictorConfig{
			Dir:        record.Dir,
			MaxDirSize: record.MaxDirSize,
			Logger:     logger.With("mountpoint", name),
			Metrics:    recorder,
		})
		evaluate := func() {
			if _, err := ev.Evaluate(); err != nil {
				ev.logger.Warn("recording eviction failed", "error", err)
			}
		}
		evaluate()
		if err := w.Watch(record.Dir, evaluate); err != nil {
			return nil, err
		}
		evictors = append(evictors, ev)
	}
	return evictors, nil
}

// WatchPlayerDirs keeps the listing of every FilePlayer mountpoint current.
// Listings are built on the watcher goroutine and stored through post.
func WatchPlayerDirs(w *Watcher, cfg *config.Config, reg *registry.SharedRegistry, post Poster, logger *slog.Logger) error {
	for _, name := range cfg.Names() {
		streamer := cfg.Streamers[name]
		if streamer.Type != config.TypeFilePlayer {
			continue
		}
		name, dir := name, streamer.URI
		refresh := func() {
			body, err := listing.DirectoryListing(name, dir)
			if err != nil {
				logger.Warn("player listing failed", "mountpoint", name, "error", err)
				return
			}
			post(func() { reg.SetMountpointList(name, body) })
		}
		refresh()
		if err := w.Watch(dir, refresh); err != nil {
			return err
		}
	}
	return nil
}
