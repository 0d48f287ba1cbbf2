// ocrpiped is the searchable-PDF pipeline daemon: it watches the configured
// roots, claims arriving documents, OCRs them page by page and routes the
// rebuilt output. Multiple instances may share the same tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mdutra/ocrpipe/internal/assemble"
	"github.com/mdutra/ocrpipe/internal/claim"
	"github.com/mdutra/ocrpipe/internal/common"
	"github.com/mdutra/ocrpipe/internal/export"
	"github.com/mdutra/ocrpipe/internal/extract"
	"github.com/mdutra/ocrpipe/internal/journal"
	"github.com/mdutra/ocrpipe/internal/normalize"
	"github.com/mdutra/ocrpipe/internal/ocr"
	"github.com/mdutra/ocrpipe/internal/pdf"
	"github.com/mdutra/ocrpipe/internal/pipeline"
	"github.com/mdutra/ocrpipe/internal/route"
	"github.com/mdutra/ocrpipe/internal/runner"
	"github.com/mdutra/ocrpipe/internal/sched"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "ocrpiped",
		Short:         "filesystem-driven searchable-PDF OCR pipeline",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to JSON config file")

	root.AddCommand(newRunCmd(&cfgPath))
	root.AddCommand(newOnceCmd(&cfgPath))
	root.AddCommand(newReportCmd(&cfgPath))
	root.AddCommand(newCheckToolsCmd(&cfgPath))
	return root
}

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "start the daemon and process until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, cleanup, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			daemon, jn, err := buildDaemon(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer jn.Close()

			if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("daemon stopped")
			return nil
		},
	}
}

func newOnceCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "run a single scan pass, process what is claimable, exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, cleanup, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer cleanup()

			daemon, jn, err := buildDaemon(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer jn.Close()

			return daemon.RunOnce(cmd.Context())
		},
	}
}

func newReportCmd(cfgPath *string) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "export the local job journal to an .xlsx report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, cleanup, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer cleanup()

			jn, err := journal.Open(cfg.JournalPath)
			if err != nil {
				return err
			}
			defer jn.Close()

			data, err := export.NewService(jn, logger).ExportJobsXLSX(cmd.Context())
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "report written to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "ocrpipe-report.xlsx", "report output path")
	return cmd
}

func newCheckToolsCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "checktools",
		Short: "verify the required external programs and print their versions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, cleanup, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer cleanup()

			kit := pdf.NewToolkit(cfg.Tools, runner.Exec(), logger)
			versions, err := kit.CheckTools(cmd.Context())
			for _, v := range versions {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-12s %s\n", v.Name, v.Command, v.Version)
			}
			return err
		},
	}
}

func setup(cfgPath string) (*common.Config, *slog.Logger, func(), error) {
	cfg, err := common.LoadConfig(cfgPath)
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		return nil, nil, nil, err
	}
	logger, closeLog := common.SetupLogger(cfg.LogFile, cfg.LogLevel)
	slog.SetDefault(logger)
	cleanup := func() {
		if err := closeLog(); err != nil {
			slog.Error("close log file", "error", err)
		}
	}
	return cfg, logger, cleanup, nil
}

func buildDaemon(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*pipeline.Daemon, *journal.Journal, error) {
	kit := pdf.NewToolkit(cfg.Tools, runner.Exec(), logger)

	// External capability preflight is fatal: a half-capable instance must
	// not start claiming documents.
	versions, err := kit.CheckTools(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, v := range versions {
		logger.Info("external tool", "name", v.Name, "version", v.Version)
	}

	instanceID := newInstanceID()
	for _, root := range cfg.Roots {
		if err := root.EnsureLayout(instanceID); err != nil {
			return nil, nil, err
		}
	}

	jn, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return nil, nil, err
	}

	store := claim.NewFSStore(instanceID, logger)
	scheduler := sched.NewScheduler(cfg)
	router := route.NewRouter(store, jn, logger)
	processor := pipeline.NewProcessor(
		kit,
		extract.NewExtractor(kit, cfg.DPI, logger),
		ocr.NewInjector(kit, cfg, logger),
		normalize.NewNormalizer(kit, logger),
		assemble.NewAssembler(kit, cfg.DPI, logger),
		router,
		scheduler,
		logger,
	)

	logger.Info("instance ready", "instance_id", instanceID)
	return pipeline.NewDaemon(cfg, store, scheduler, processor, logger), jn, nil
}

// newInstanceID builds a host-scoped, filename-safe identity stamped into
// claim names so operators can tell which instance holds a document.
func newInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	host = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, host)
	return host + "-" + uuid.NewString()[:8]
}
