package server

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceTime coalesces bursts of ref writes (a push advances the branch
// file via temp-then-rename, which fires several events).
const debounceTime = 100 * time.Millisecond

// startWatcher watches the refs directory and broadcasts branch updates to
// websocket clients. fsnotify does not recurse, so hierarchical branch
// directories (feature/x) are watched as they appear.
func (s *Server) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	refsDir := filepath.Join(s.repo.OxenDir(), "refs")
	if err := watcher.Add(refsDir); err != nil {
		watcher.Close()
		return err
	}
	addSubdirs(watcher, refsDir)

	s.wg.Add(1)
	go s.watchLoop(watcher, refsDir)
	s.logger.Info("watching refs for changes", "dir", refsDir)
	return nil
}

// addSubdirs registers watches for existing branch subdirectories.
func addSubdirs(watcher *fsnotify.Watcher, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			sub := filepath.Join(dir, e.Name())
			_ = watcher.Add(sub)
			addSubdirs(watcher, sub)
		}
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// watchLoop debounces ref events and broadcasts branch updates.
func (s *Server) watchLoop(watcher *fsnotify.Watcher, refsDir string) {
	defer s.wg.Done()
	defer watcher.Close()

	var mu sync.Mutex
	pending := make(map[string]bool)
	var timer *time.Timer

	fire := func() {
		mu.Lock()
		branches := pending
		pending = make(map[string]bool)
		mu.Unlock()

		for branch := range branches {
			commit, err := s.repo.Refs().Get(branch)
			if err != nil {
				s.hub.broadcast(event{Type: "branch_deleted", Branch: branch})
				continue
			}
			s.hub.broadcast(event{Type: "branch_updated", Branch: branch, Commit: commit.String()})
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, open := <-watcher.Events:
			if !open {
				return
			}
			name := filepath.Base(ev.Name)
			if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".lock") {
				continue
			}
			if ev.Op.Has(fsnotify.Create) && isDir(ev.Name) {
				_ = watcher.Add(ev.Name)
				continue
			}
			rel, err := filepath.Rel(refsDir, ev.Name)
			if err != nil {
				continue
			}
			mu.Lock()
			pending[filepath.ToSlash(rel)] = true
			mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceTime, fire)
		case err, open := <-watcher.Errors:
			if !open {
				return
			}
			s.logger.Warn("ref watcher error", "err", err)
		}
	}
}
