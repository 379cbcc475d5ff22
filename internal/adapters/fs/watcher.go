// Package fs adapts filesystem and OS facilities to the coordination
// ports: project change watching via fsnotify and suspend notices via
// process signals.
package fs

import (
	"context"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/studiolock/studiolock/internal/clock"
	"github.com/studiolock/studiolock/internal/domain"
	"github.com/studiolock/studiolock/internal/ports"
)

// Watcher implements ports.ChangeWatcher over fsnotify. One watcher
// serves all projects; events are mapped back to a project by the longest
// matching watched directory.
type Watcher struct {
	clock  clock.Clock
	logger ports.Logger

	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	projects map[string]string // projectID -> watched dir
	events   chan domain.ChangeEvent
}

// NewWatcher creates the watcher.
func NewWatcher(clk clock.Clock, logger ports.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		clock:    clk,
		logger:   logger,
		fsw:      fsw,
		projects: make(map[string]string),
		events:   make(chan domain.ChangeEvent, 256),
	}, nil
}

// Watch begins monitoring the project's directory tree.
func (w *Watcher) Watch(projectID, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if err := w.addTree(abs); err != nil {
		return err
	}
	w.mu.Lock()
	w.projects[projectID] = abs
	w.mu.Unlock()
	w.logger.Info("watching project",
		ports.String("project", projectID),
		ports.String("dir", abs),
	)
	return nil
}

// addTree registers root and every nested subdirectory. fsnotify watches
// a single directory level, so project bundles need a watch per
// subdirectory to see writes anywhere in the tree.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && ignoredPath(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// Unwatch stops monitoring the project.
func (w *Watcher) Unwatch(projectID string) error {
	w.mu.Lock()
	dir, ok := w.projects[projectID]
	delete(w.projects, projectID)
	w.mu.Unlock()
	if !ok {
		return nil
	}
	prefix := dir + string(filepath.Separator)
	for _, watched := range w.fsw.WatchList() {
		if watched == dir || strings.HasPrefix(watched, prefix) {
			// A subdirectory watch may already be gone with its
			// directory; removal failures are not actionable here.
			_ = w.fsw.Remove(watched)
		}
	}
	return nil
}

// Events returns the change event stream.
func (w *Watcher) Events() <-chan domain.ChangeEvent {
	return w.events
}

// Run pumps fsnotify events into the change stream until the context is
// cancelled, then closes the stream.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if ignoredPath(event.Name) {
				continue
			}
			projectID := w.projectFor(event.Name)
			if projectID == "" {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				// New subdirectories need their own watch, including
				// any children created before the watch landed.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn("watch new directory",
							ports.String("dir", event.Name),
							ports.Err(err),
						)
					}
				}
			}
			ev := domain.ChangeEvent{
				ProjectID: projectID,
				Path:      event.Name,
				At:        w.clock.Now(),
			}
			select {
			case w.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("filesystem watch error", ports.Err(err))
		}
	}
}

func (w *Watcher) projectFor(path string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	best, bestLen := "", -1
	for projectID, dir := range w.projects {
		if len(dir) > bestLen && strings.HasPrefix(path, dir+string(filepath.Separator)) {
			best, bestLen = projectID, len(dir)
		}
	}
	return best
}

// ignoredPath filters editor scratch and version-control internals that
// would otherwise retrigger the debounce forever.
func ignoredPath(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return true
	}
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if part == ".git" || part == ".studiolock" {
			return true
		}
	}
	return false
}
