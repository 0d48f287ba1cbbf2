// Package route performs the terminal transitions of a job: archive+output
// on success, error relocation plus diagnostics on failure. Routing always
// releases the claim and removes the job temp area, whatever else happens.
package route

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mdutra/ocrpipe/constants"
	"github.com/mdutra/ocrpipe/internal/claim"
	"github.com/mdutra/ocrpipe/internal/job"
	"github.com/mdutra/ocrpipe/internal/journal"
)

// Diagnostic is the record written next to a failed original under Erro.
type Diagnostic struct {
	JobID      string    `json:"job_id"`
	InstanceID string    `json:"instance_id"`
	RelPath    string    `json:"rel_path"`
	Stage      string    `json:"stage"`
	Error      string    `json:"error"`
	Signed     bool      `json:"signed"`
	Pages      int       `json:"pages"`
	StartedAt  time.Time `json:"started_at"`
	FailedAt   time.Time `json:"failed_at"`
}

type Router struct {
	store   claim.Store
	journal *journal.Journal // nil disables journaling
	logger  *slog.Logger
}

func NewRouter(store claim.Store, jn *journal.Journal, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{store: store, journal: jn, logger: logger}
}

// Success archives the original, promotes artifact into Saida under the
// job's relative subpath and, when sidecar is non-empty, places it next to
// the output as <name>.txt. Each placement is a single atomic rename.
func (r *Router) Success(ctx context.Context, j *job.Job, artifact, sidecar string) error {
	defer r.cleanup(j)

	var sidecarDst string
	if sidecar != "" {
		sidecarDst = filepath.Join(j.Claim.Root.Output(), j.Claim.RelPath+".txt")
		if err := moveInto(sidecar, sidecarDst); err != nil {
			return r.demote(ctx, j, "route", fmt.Errorf("place sidecar: %w", err))
		}
	}
	if err := r.store.Release(j.Claim, claim.OutcomeSuccess, artifact); err != nil {
		// The original is still claimed; degrade to the error path so the
		// document cannot linger invisible in Entrada. The already-placed
		// sidecar must not survive alone in Saida.
		if sidecarDst != "" {
			if rmErr := os.Remove(sidecarDst); rmErr != nil {
				r.logger.Warn("orphan sidecar removal failed", "path", sidecarDst, "error", rmErr)
			}
		}
		return r.demote(ctx, j, "route", err)
	}

	j.State = constants.StateDone
	r.record(ctx, j, "", "")
	r.logger.Info("job done",
		"job_id", j.Claim.JobID, "rel_path", j.Claim.RelPath,
		"pages", len(j.Pages), "signed", j.Signed,
		"duration_ms", time.Since(j.StartedAt).Milliseconds())
	return nil
}

// Failure relocates the original, untouched, under Erro and emits the
// diagnostic record. stage names the pipeline stage that failed.
func (r *Router) Failure(ctx context.Context, j *job.Job, stage string, cause error) error {
	defer r.cleanup(j)
	return r.demote(ctx, j, stage, cause)
}

func (r *Router) demote(ctx context.Context, j *job.Job, stage string, cause error) error {
	j.State = constants.StateErrored

	if err := r.store.Release(j.Claim, claim.OutcomeError, ""); err != nil {
		// Worst case: the claimed file stays in place under its hidden name
		// for operator recovery. Never silently drop it.
		r.logger.Error("error relocation failed, original remains under claimed name",
			"job_id", j.Claim.JobID, "claimed_path", j.Claim.ClaimedPath, "error", err)
		r.record(ctx, j, stage, cause.Error())
		return fmt.Errorf("relocate to error dir: %w (original cause: %v)", err, cause)
	}

	r.writeDiagnostic(j, stage, cause)
	r.record(ctx, j, stage, cause.Error())
	r.logger.Error("job failed",
		"job_id", j.Claim.JobID, "rel_path", j.Claim.RelPath,
		"stage", stage, "error", cause)
	return cause
}

// writeDiagnostic drops the JSON record next to the relocated original.
// Written under a temp name first so observers never see a partial record.
func (r *Router) writeDiagnostic(j *job.Job, stage string, cause error) {
	diag := Diagnostic{
		JobID:      j.Claim.JobID.String(),
		InstanceID: j.Claim.InstanceID,
		RelPath:    j.Claim.RelPath,
		Stage:      stage,
		Error:      cause.Error(),
		Signed:     j.Signed,
		Pages:      len(j.Pages),
		StartedAt:  j.StartedAt,
		FailedAt:   time.Now().UTC(),
	}
	data, err := json.MarshalIndent(diag, "", "  ")
	if err != nil {
		return
	}
	dst := filepath.Join(j.Claim.Root.Error(), j.Claim.RelPath+constants.DiagSuffix)
	tmp := dst + ".tmp"
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		r.logger.Warn("diagnostic dir create failed", "path", dst, "error", err)
		return
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		r.logger.Warn("diagnostic write failed", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, dst); err != nil {
		r.logger.Warn("diagnostic publish failed", "path", dst, "error", err)
	}
}

// record journals the outcome. Only terminal states are ever journaled.
func (r *Router) record(ctx context.Context, j *job.Job, stage, detail string) {
	if r.journal == nil || !j.State.Terminal() {
		return
	}
	skipped := 0
	for _, p := range j.Pages {
		if p.HasTextLayer {
			skipped++
		}
	}
	rec := journal.Record{
		JobID:       j.Claim.JobID.String(),
		InstanceID:  j.Claim.InstanceID,
		Root:        j.Claim.Root.Base,
		RelPath:     j.Claim.RelPath,
		State:       j.State,
		Signed:      j.Signed,
		Pages:       len(j.Pages),
		OCRSkipped:  skipped,
		ErrorCode:   stage,
		ErrorDetail: detail,
		StartedAt:   j.StartedAt,
		FinishedAt:  time.Now().UTC(),
	}
	if err := r.journal.Append(ctx, rec); err != nil {
		r.logger.Warn("journal append failed", "job_id", rec.JobID, "error", err)
	}
}

// cleanup removes the job's private temp area. Terminal guarantee, both
// outcomes pass through here.
func (r *Router) cleanup(j *job.Job) {
	if j.TempDir == "" {
		return
	}
	if err := os.RemoveAll(j.TempDir); err != nil {
		r.logger.Warn("temp area cleanup failed", "job_id", j.Claim.JobID, "dir", j.TempDir, "error", err)
	}
}

func moveInto(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}
