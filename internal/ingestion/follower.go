// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// maxPartial bounds the unterminated tail kept per file.
const maxPartial = 64 * 1024

// LineFunc receives each complete line read from a followed file.
type LineFunc func(source, line string)

type followed struct {
	path    string
	source  string
	file    *os.File
	offset  int64
	partial []byte
}

// Tailer follows a set of log files with a single fsnotify watcher on their
// parent directories. Existing files are read from their end; files that
// appear later are read from the start. Truncation rewinds to offset 0.
type Tailer struct {
	globs   []string
	onLine  LineFunc
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	files map[string]*followed
	dirs  map[string]struct{}
}

// NewTailer creates a tailer for the given glob patterns.
func NewTailer(globs []string, onLine LineFunc) (*Tailer, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ingestion: create watcher: %w", err)
	}
	return &Tailer{
		globs:   globs,
		onLine:  onLine,
		watcher: w,
		files:   make(map[string]*followed),
		dirs:    make(map[string]struct{}),
	}, nil
}

// Discover expands the globs and starts following any new matches.
// On the first call existing content is skipped.
func (t *Tailer) Discover(initial bool) int {
	added := 0
	for _, g := range t.globs {
		matches, err := filepath.Glob(g)
		if err != nil {
			log.WithError(err).WithField("pattern", g).Warn("ingestion: bad source pattern")
			continue
		}
		for _, m := range matches {
			if info, err := os.Stat(m); err != nil || info.IsDir() {
				continue
			}
			if t.Follow(m, !initial) {
				added++
			}
		}
		// Watch the directory even before any file exists in it.
		t.watchDir(filepath.Dir(g))
	}
	return added
}

// Follow starts following path. It returns false if path was already followed.
func (t *Tailer) Follow(path string, fromStart bool) bool {
	path = filepath.Clean(path)
	t.mu.Lock()
	if _, ok := t.files[path]; ok {
		t.mu.Unlock()
		return false
	}
	ff := &followed{path: path, source: sourceFor(path)}
	t.files[path] = ff
	if f, err := os.Open(path); err == nil {
		ff.file = f
		if !fromStart {
			if info, err := f.Stat(); err == nil {
				ff.offset = info.Size()
			}
		}
	}
	t.mu.Unlock()

	t.watchDir(filepath.Dir(path))
	log.WithFields(log.Fields{"path": path, "source": ff.source}).Debug("ingestion: following log file")
	if fromStart {
		t.read(path)
	}
	return true
}

// Followed returns the number of tracked files.
func (t *Tailer) Followed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}

func (t *Tailer) watchDir(dir string) {
	dir = filepath.Clean(dir)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.dirs[dir]; ok {
		return
	}
	if err := t.watcher.Add(dir); err != nil {
		log.WithError(err).WithField("dir", dir).Debug("ingestion: cannot watch directory")
		return
	}
	t.dirs[dir] = struct{}{}
}

// Run processes watcher events until ctx is done.
func (t *Tailer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-t.watcher.Events:
			if !ok {
				return nil
			}
			t.handle(event)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return nil
			}
			log.Errorf("ingestion: watcher error: %v", err)
		}
	}
}

func (t *Tailer) handle(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	t.mu.Lock()
	ff, tracked := t.files[path]
	t.mu.Unlock()

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if tracked {
			t.mu.Lock()
			ff.close()
			t.mu.Unlock()
		}
	case event.Op&fsnotify.Create != 0:
		if !tracked {
			if t.matches(path) {
				t.Follow(path, true)
			}
			return
		}
		t.mu.Lock()
		ff.close()
		t.mu.Unlock()
		t.read(path)
	case event.Op&fsnotify.Write != 0:
		if tracked {
			t.read(path)
		}
	}
}

func (t *Tailer) matches(path string) bool {
	for _, g := range t.globs {
		if ok, _ := filepath.Match(filepath.Clean(g), path); ok {
			return true
		}
	}
	return false
}

// Poll re-reads every followed file. It catches writes whose events were
// coalesced or missed.
func (t *Tailer) Poll() {
	t.mu.Lock()
	paths := make([]string, 0, len(t.files))
	for p := range t.files {
		paths = append(paths, p)
	}
	t.mu.Unlock()
	for _, p := range paths {
		t.read(p)
	}
}

// read consumes everything appended since the last offset.
func (t *Tailer) read(path string) {
	t.mu.Lock()
	ff, ok := t.files[path]
	if !ok {
		t.mu.Unlock()
		return
	}
	lines, err := ff.drain()
	source := ff.source
	t.mu.Unlock()

	if err != nil {
		log.WithError(err).WithField("path", path).Debug("ingestion: read failed")
	}
	for _, l := range lines {
		t.onLine(source, l)
	}
}

// Close releases the watcher and every open file.
func (t *Tailer) Close() error {
	t.mu.Lock()
	for _, ff := range t.files {
		ff.close()
	}
	t.mu.Unlock()
	return t.watcher.Close()
}

func (ff *followed) close() {
	if ff.file != nil {
		_ = ff.file.Close()
		ff.file = nil
	}
	ff.offset = 0
	ff.partial = nil
}

func (ff *followed) drain() ([]string, error) {
	if ff.file == nil {
		f, err := os.Open(ff.path)
		if err != nil {
			return nil, nil
		}
		ff.file = f
		ff.offset = 0
		ff.partial = nil
	}
	info, err := ff.file.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < ff.offset {
		ff.offset = 0
		ff.partial = nil
	}
	if size == ff.offset {
		return nil, nil
	}

	buf := make([]byte, size-ff.offset)
	n, err := ff.file.ReadAt(buf, ff.offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	ff.offset += int64(n)
	data := append(ff.partial, buf[:n]...)

	var lines []string
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(data[:i], "\r")
		if len(line) > 0 {
			lines = append(lines, string(line))
		}
		data = data[i+1:]
	}
	if len(data) > maxPartial {
		lines = append(lines, string(data))
		data = nil
	}
	ff.partial = append([]byte(nil), data...)
	return lines, nil
}
