// Package claim implements the filesystem-based mutual exclusion that lets
// independent instances share a watch tree with no coordinator. The only
// primitive is the atomic rename: whoever renames the visible input to its
// hidden claimed name owns the document until a terminal release.
package claim

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/mdutra/ocrpipe/constants"
	"github.com/mdutra/ocrpipe/internal/common"
)

// Token proves ownership of a claimed document.
type Token struct {
	JobID      uuid.UUID
	InstanceID string
	Root       common.WatchRoot
	// RelPath is the source path relative to Entrada; preserved for routing.
	RelPath string
	// ClaimedPath is where the source lives while this instance owns it.
	ClaimedPath string
}

// Outcome selects the terminal move a release performs.
type Outcome int

const (
	// OutcomeSuccess archives the original and promotes the built output.
	OutcomeSuccess Outcome = iota
	// OutcomeError relocates the original, untouched, under Erro.
	OutcomeError
)

// Store is the claim contract shared by all instances.
type Store interface {
	// Claim atomically takes ownership of the file at relPath under root's
	// Entrada. Returns common.ErrClaimConflict when another instance won.
	Claim(root common.WatchRoot, relPath string) (Token, error)

	// Release performs the terminal moves for the claimed document.
	// On success outPath (the assembled document) is promoted into Saida and
	// the original archived; on error the original goes to Erro. Each target
	// is reached by a single atomic rename.
	Release(token Token, outcome Outcome, outPath string) error
}

// FSStore claims via rename on the shared filesystem. Works identically on
// local and network mounts with POSIX rename semantics.
type FSStore struct {
	instanceID string
	logger     *slog.Logger
}

// NewFSStore builds a store stamping claims with instanceID.
func NewFSStore(instanceID string, logger *slog.Logger) *FSStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSStore{instanceID: instanceID, logger: logger}
}

// ClaimedName returns the hidden name a claimed source is renamed to, in the
// same directory so the rename never crosses a mount.
func ClaimedName(path, instanceID string) string {
	dir, base := filepath.Split(path)
	return filepath.Join(dir, "."+base+"."+instanceID+constants.ClaimSuffix)
}

// IsClaimedName reports whether base is a claim-renamed entry.
func IsClaimedName(base string) bool {
	return len(base) > 0 && base[0] == '.'
}

func (s *FSStore) Claim(root common.WatchRoot, relPath string) (Token, error) {
	src := filepath.Join(root.Input(), relPath)
	dst := ClaimedName(src, s.instanceID)

	// The rename is the lock. No existence pre-check: that would reintroduce
	// the check-then-act race across instances.
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Token{}, common.ErrClaimConflict
		}
		return Token{}, fmt.Errorf("claim %s: %w", relPath, err)
	}

	tok := Token{
		JobID:       uuid.New(),
		InstanceID:  s.instanceID,
		Root:        root,
		RelPath:     relPath,
		ClaimedPath: dst,
	}
	s.logger.Debug("claimed input", "rel_path", relPath, "job_id", tok.JobID)
	return tok, nil
}

func (s *FSStore) Release(token Token, outcome Outcome, outPath string) error {
	switch outcome {
	case OutcomeSuccess:
		if outPath == "" {
			return fmt.Errorf("release %s: success outcome requires an output artifact", token.RelPath)
		}
		dstOut := filepath.Join(token.Root.Output(), token.RelPath)
		if err := atomicMove(outPath, dstOut); err != nil {
			return fmt.Errorf("promote output for %s: %w", token.RelPath, err)
		}
		dstArch := filepath.Join(token.Root.Archive(), token.RelPath)
		if err := atomicMove(token.ClaimedPath, dstArch); err != nil {
			return fmt.Errorf("archive original %s: %w", token.RelPath, err)
		}
	case OutcomeError:
		dstErr := filepath.Join(token.Root.Error(), token.RelPath)
		if err := atomicMove(token.ClaimedPath, dstErr); err != nil {
			return fmt.Errorf("relocate failed original %s: %w", token.RelPath, err)
		}
	default:
		return fmt.Errorf("release %s: unknown outcome %d", token.RelPath, outcome)
	}
	return nil
}

// atomicMove creates dst's parent directories and renames src into place.
// Rename is the only visibility transition, so observers never see a partial
// file at dst.
func atomicMove(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}
