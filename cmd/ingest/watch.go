package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/WessleyAI/docchat/engine/extract"
	"github.com/WessleyAI/docchat/engine/ingest"
	"github.com/WessleyAI/docchat/pkg/fn"
	"github.com/WessleyAI/docchat/pkg/metrics"
)

// eligible reports whether a file name is worth ingesting: visible and of a
// supported format.
func eligible(name string) bool {
	return name != "" && name[0] != '.' && extract.Supported(name)
}

// processor submits files to an ingester and remembers which file versions
// were already ingested, persisting them to a state file.
type processor struct {
	ing       ingest.Ingester
	met       *metrics.Docchat
	statePath string
	logger    *slog.Logger

	mu   sync.Mutex
	done map[string]bool
}

func newProcessor(ing ingest.Ingester, met *metrics.Docchat, statePath string, logger *slog.Logger) *processor {
	if logger == nil {
		logger = slog.Default()
	}
	if met == nil {
		met = metrics.NewDocchat(nil)
	}
	return &processor{
		ing:       ing,
		met:       met,
		statePath: statePath,
		logger:    logger,
		done:      loadState(statePath),
	}
}

// versionKey identifies one version of a file.
func versionKey(name string, info fs.FileInfo) string {
	return fmt.Sprintf("%s:%d:%d", name, info.Size(), info.ModTime().UnixNano())
}

// process ingests the file at path unless it is ineligible or this version
// was already ingested. It reports whether the file was submitted.
func (p *processor) process(ctx context.Context, path string) (bool, error) {
	name := filepath.Base(path)
	if !eligible(name) {
		return false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("ingest: stat %s: %w", name, err)
	}
	if info.IsDir() {
		return false, nil
	}

	key := versionKey(name, info)
	p.mu.Lock()
	seen := p.done[key]
	p.mu.Unlock()
	if seen {
		return false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		p.met.IngestErrors("read").Inc()
		return true, fmt.Errorf("ingest: read %s: %w", name, err)
	}

	start := time.Now()
	p.logger.Info("processing file", "file", name, "bytes", len(data))
	stats, err := p.ing.Ingest(ctx, name, data)
	p.met.IngestDuration().Since(start)
	if err != nil {
		kind := "ingest"
		if ingest.Permanent(err) {
			kind = "rejected"
		}
		p.met.IngestErrors(kind).Inc()
		return true, err
	}

	p.met.Ingested(stats.Type).Inc()
	p.met.ChunksStored().Add(int64(stats.ChunksStored))
	p.logger.Info("file done",
		"file", name,
		"type", stats.Type,
		"chunks", stats.ChunksStored,
		"replaced", stats.ChunksReplaced,
		"vision", stats.VisionAnalysis != "",
		"duration", time.Since(start),
	)

	p.mu.Lock()
	p.done[key] = true
	err = saveState(p.statePath, p.done)
	p.mu.Unlock()
	if err != nil {
		p.logger.Warn("state save failed", "path", p.statePath, "err", err)
	}
	return true, nil
}

// scan processes every eligible file directly inside dir, workers at a time,
// and returns how many were submitted and how many of those failed.
func (p *processor) scan(ctx context.Context, dir string, workers int) (submitted, failed int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		p.met.IngestErrors("scan").Inc()
		p.logger.Error("readdir failed", "dir", dir, "err", err)
		return 0, 0
	}

	paths := fn.FilterMap(entries, func(e os.DirEntry) (string, bool) {
		return filepath.Join(dir, e.Name()), !e.IsDir() && eligible(e.Name())
	})
	results := fn.ParMapResult(paths, workers, func(path string) fn.Result[bool] {
		if ctx.Err() != nil {
			return fn.Err[bool](ctx.Err())
		}
		sent, err := p.process(ctx, path)
		if err != nil {
			p.logger.Error("file failed, will retry on next scan", "file", filepath.Base(path), "err", err)
		}
		return fn.FromPair(sent, err)
	})

	for _, r := range results {
		sent, err := r.Unwrap()
		switch {
		case err != nil:
			submitted++
			failed++
		case sent:
			submitted++
		}
	}
	return submitted, failed
}

// watch reports eligible files in dir that were created or written, once
// they have been quiet for settle. The channel closes when ctx is done.
func watch(ctx context.Context, dir string, settle time.Duration, logger *slog.Logger) (<-chan string, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ingest: watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("ingest: watch %s: %w", dir, err)
	}
	if settle <= 0 {
		settle = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	out := make(chan string, 100)
	go func() {
		defer close(out)
		defer w.Close()

		// path -> time of the last event seen for it
		pending := make(map[string]time.Time)
		tick := time.NewTicker(settle / 2)
		defer tick.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !eligible(filepath.Base(ev.Name)) {
					continue
				}
				switch {
				case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
					pending[ev.Name] = time.Now()
				case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
					delete(pending, ev.Name)
					logger.Info("file removed, indexed chunks are kept", "file", filepath.Base(ev.Name))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("watch error", "err", err)
			case now := <-tick.C:
				for path, last := range pending {
					if now.Sub(last) < settle {
						continue
					}
					delete(pending, path)
					select {
					case out <- path:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func loadState(path string) map[string]bool {
	m := make(map[string]bool)
	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	if err := json.Unmarshal(data, &m); err != nil {
		slog.Warn("ignoring unreadable state file", "path", path, "err", err)
		return make(map[string]bool)
	}
	return m
}

func saveState(path string, m map[string]bool) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
