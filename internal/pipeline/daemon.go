package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mdutra/ocrpipe/internal/claim"
	"github.com/mdutra/ocrpipe/internal/common"
	"github.com/mdutra/ocrpipe/internal/scan"
	"github.com/mdutra/ocrpipe/internal/sched"
)

// Daemon drives the scan/claim/process loop for every configured watch root.
// A cancelled context stops claiming immediately; jobs already claimed run to
// their terminal state before Run returns.
type Daemon struct {
	cfg       *common.Config
	store     claim.Store
	scheduler *sched.Scheduler
	processor *Processor
	logger    *slog.Logger

	scanners []*scan.Scanner
	inflight sync.WaitGroup
}

func NewDaemon(cfg *common.Config, store claim.Store, scheduler *sched.Scheduler, processor *Processor, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		cfg:       cfg,
		store:     store,
		scheduler: scheduler,
		processor: processor,
		logger:    logger,
	}
	for _, root := range cfg.Roots {
		d.scanners = append(d.scanners, scan.NewScanner(root, cfg.StabilityWindow, logger))
	}
	return d
}

// Run polls every root on the scan interval until ctx is cancelled, then
// waits for in-flight jobs.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	d.logger.Info("daemon started",
		"roots", len(d.cfg.Roots),
		"max_files", d.cfg.MaxFiles,
		"max_pages", d.cfg.MaxPages,
		"scan_interval", d.cfg.ScanInterval.String())

	for {
		d.Sweep(ctx)
		select {
		case <-ctx.Done():
			d.logger.Info("shutdown requested, waiting for in-flight jobs")
			d.inflight.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single bounded pass for operator/cron use. The
// stability gate needs two observations of every candidate, so it sweeps
// once to record them, waits out the stability window, sweeps again to
// claim, and blocks until the dispatched jobs reach a terminal state.
func (d *Daemon) RunOnce(ctx context.Context) error {
	d.Sweep(ctx)
	select {
	case <-ctx.Done():
		d.inflight.Wait()
		return ctx.Err()
	case <-time.After(d.cfg.StabilityWindow):
	}
	d.Sweep(ctx)
	d.inflight.Wait()
	return nil
}

// Sweep performs one scan pass over every root, dispatching as many claimable
// candidates as free job slots allow. Exposed for the one-shot mode.
func (d *Daemon) Sweep(ctx context.Context) {
	for i, root := range d.cfg.Roots {
		if ctx.Err() != nil {
			return
		}
		candidates, err := d.scanners[i].Scan()
		if err != nil {
			d.logger.Error("scan failed", "root", root.Base, "error", err)
			continue
		}
		pool := d.scheduler.JobPool(root)
		for _, cand := range candidates {
			release, ok := pool.TryAcquire()
			if !ok {
				// Pool full: the rest stays in Entrada and queues for a
				// later sweep instead of spawning unbounded work.
				break
			}
			token, err := d.store.Claim(cand.Root, cand.RelPath)
			if err != nil {
				release()
				if errors.Is(err, common.ErrClaimConflict) {
					// Another instance won; silently skip.
					continue
				}
				d.logger.Error("claim failed", "rel_path", cand.RelPath, "error", err)
				continue
			}
			d.scanners[i].Forget(cand.RelPath)

			d.inflight.Add(1)
			go func(token claim.Token) {
				defer d.inflight.Done()
				defer release()
				// Detached from the sweep ctx: a claimed job always runs to
				// a terminal route, even during shutdown.
				if err := d.processor.Process(context.WithoutCancel(ctx), token); err != nil {
					d.logger.Debug("job ended in error route", "job_id", token.JobID, "error", err)
				}
			}(token)
		}
	}
}

// Wait blocks until all dispatched jobs reached a terminal state.
func (d *Daemon) Wait() { d.inflight.Wait() }
