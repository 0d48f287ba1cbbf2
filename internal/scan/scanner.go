// Package scan discovers claimable documents under a watch root's Entrada.
// Discovery is polling-based on purpose: the tree is typically a network
// mount where inotify-style change notification is unreliable.
package scan

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/mdutra/ocrpipe/constants"
	"github.com/mdutra/ocrpipe/internal/claim"
	"github.com/mdutra/ocrpipe/internal/common"
)

// Candidate is a discovered, stable, claimable document.
type Candidate struct {
	Root    common.WatchRoot
	RelPath string
	Size    int64
}

// snapshot records one observation of a candidate file.
type snapshot struct {
	size      int64
	mtime     time.Time
	firstSeen time.Time
}

// Scanner enumerates one root's Entrada. It keeps per-path observations
// across scans so a file mid-copy from a network share is never claimed: a
// candidate is yielded only after size and mtime held still for the whole
// stability window.
type Scanner struct {
	root   common.WatchRoot
	window time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]snapshot

	now func() time.Time // test hook
}

func NewScanner(root common.WatchRoot, window time.Duration, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		root:   root,
		window: window,
		logger: logger,
		seen:   make(map[string]snapshot),
		now:    time.Now,
	}
}

// Scan walks Entrada recursively and returns the candidates that passed the
// stability gate, in walk order. Unstable entries stay tracked for the next
// pass; entries that vanished (claimed elsewhere, removed) are forgotten.
func (s *Scanner) Scan() ([]Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	live := make(map[string]struct{})
	var out []Candidate

	input := s.root.Input()
	err := filepath.WalkDir(input, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// A concurrently claimed or removed entry is expected churn.
			s.logger.Debug("scan entry error", "path", path, "error", walkErr)
			return nil
		}
		base := filepath.Base(path)
		if d.IsDir() {
			if path != input && claim.IsClaimedName(base) {
				return filepath.SkipDir
			}
			return nil
		}
		if claim.IsClaimedName(base) {
			return nil
		}
		if !constants.AllowedExt(constants.NormalizeExt(filepath.Ext(base))) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(input, path)
		if err != nil {
			return nil
		}
		live[rel] = struct{}{}

		prev, ok := s.seen[rel]
		cur := snapshot{size: info.Size(), mtime: info.ModTime(), firstSeen: now}
		if !ok || prev.size != cur.size || !prev.mtime.Equal(cur.mtime) {
			// First sighting or still changing: restart the window.
			s.seen[rel] = cur
			s.logger.Debug("deferring unstable input", "rel_path", rel, "reason", common.ErrUnstableInput)
			return nil
		}
		if now.Sub(prev.firstSeen) < s.window {
			return nil
		}

		out = append(out, Candidate{Root: s.root, RelPath: rel, Size: cur.size})
		return nil
	})
	if err != nil {
		return nil, err
	}

	for rel := range s.seen {
		if _, ok := live[rel]; !ok {
			delete(s.seen, rel)
		}
	}
	return out, nil
}

// Forget drops the tracking entry for relPath. Called after a successful
// claim so a later file with the same name restarts the stability window.
func (s *Scanner) Forget(relPath string) {
	s.mu.Lock()
	delete(s.seen, relPath)
	s.mu.Unlock()
}
