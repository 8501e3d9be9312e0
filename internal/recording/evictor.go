// Package recording keeps recording directories under their size cap and
// keeps FilePlayer listings in step with their directories.
package recording

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shirou/gopsutil/disk"

	"webrtsp-restreamer/internal/observability/metrics"
)

// DefaultCandidates bounds how many of the oldest files one pass may delete.
const DefaultCandidates = 10

// EvictorConfig configures an Evictor.
type EvictorConfig struct {
	Dir        string
	MaxDirSize uint64
	Candidates int
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	// Remove deletes a file. Defaults to os.Remove.
	Remove func(path string) error
	// Usage reports the filesystem holding Dir. Defaults to disk.Usage.
	Usage func(path string) (*disk.UsageStat, error)
}

// Evictor deletes the oldest files of one directory while its total size
// exceeds the cap.
type Evictor struct {
	dir        string
	maxDirSize uint64
	candidates int
	logger     *slog.Logger
	metrics    *metrics.Recorder
	remove     func(string) error
	usage      func(string) (*disk.UsageStat, error)
}

func NewEvictor(cfg EvictorConfig) *Evictor {
	if cfg.Candidates <= 0 {
		cfg.Candidates = DefaultCandidates
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Remove == nil {
		cfg.Remove = os.Remove
	}
	if cfg.Usage == nil {
		cfg.Usage = disk.Usage
	}
	return &Evictor{
		dir:        cfg.Dir,
		maxDirSize: cfg.MaxDirSize,
		candidates: cfg.Candidates,
		logger:     cfg.Logger.With("dir", cfg.Dir),
		metrics:    cfg.Metrics,
		remove:     cfg.Remove,
		usage:      cfg.Usage,
	}
}

// Eviction summarises one pass. FSFree and FSUsedPercent describe the
// filesystem holding the directory after the pass; both are zero when it
// could not be queried.
type Eviction struct {
	DirSize       uint64
	Deleted       []string
	Freed         uint64
	FSFree        uint64
	FSUsedPercent float64
}

type candidate struct {
	path    string
	size    uint64
	modTime time.Time
}

// Evaluate enumerates the directory once and deletes candidates oldest
// first until the total no longer exceeds the cap. Delete failures are
// skipped; the next pass retries them.
func (e *Evictor) Evaluate() (Eviction, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return Eviction{}, fmt.Errorf("read recording dir: %w", err)
	}

	var result Eviction
	oldest := make([]candidate, 0, e.candidates+1)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		c := candidate{path: filepath.Join(e.dir, entry.Name()), size: uint64(info.Size()), modTime: info.ModTime()}
		result.DirSize += c.size
		oldest = insertCandidate(oldest, c, e.candidates)
	}

	if result.DirSize > e.maxDirSize {
		e.evict(&result, oldest)
	}
	e.observeFilesystem(&result)
	return result, nil
}

func (e *Evictor) evict(result *Eviction, oldest []candidate) {
	for _, c := range oldest {
		if result.DirSize <= e.maxDirSize {
			break
		}
		if err := e.remove(c.path); err != nil {
			e.logger.Warn("delete recording failed", "path", c.path, "error", err)
			continue
		}
		result.DirSize -= c.size
		result.Freed += c.size
		result.Deleted = append(result.Deleted, c.path)
	}
	if len(result.Deleted) > 0 {
		e.logger.Info("recordings evicted", "files", len(result.Deleted), "freed", result.Freed, "dir_size", result.DirSize)
		if e.metrics != nil {
			e.metrics.ObserveEviction(len(result.Deleted), result.Freed)
		}
	}
}

// observeFilesystem records free space on the volume holding the directory,
// so a disk filling up from outside the recordings shows on /metrics.
func (e *Evictor) observeFilesystem(result *Eviction) {
	usage, err := e.usage(e.dir)
	if err != nil {
		e.logger.Debug("recording filesystem usage unavailable", "error", err)
		return
	}
	result.FSFree = usage.Free
	result.FSUsedPercent = usage.UsedPercent
	if e.metrics != nil {
		e.metrics.ObserveRecordingFilesystem(e.dir, usage.Free, usage.UsedPercent)
	}
}

// insertCandidate keeps set sorted oldest first and at most limit long. A
// file newer than every candidate of a full set is ignored.
func insertCandidate(set []candidate, c candidate, limit int) []candidate {
	if len(set) >= limit && !c.modTime.Before(set[len(set)-1].modTime) {
		return set
	}
	i := sort.Search(len(set), func(i int) bool { return c.modTime.Before(set[i].modTime) })
	set = append(set, candidate{})
	copy(set[i+1:], set[i:])
	set[i] = c
	if len(set) > limit {
		set = set[:limit]
	}
	return set
}
