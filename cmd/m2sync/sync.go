package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TFMV/m2sync/metrics"
	"github.com/TFMV/m2sync/pkg/apply"
	"github.com/TFMV/m2sync/pkg/core"
	"github.com/TFMV/m2sync/pkg/pipeline"
	"github.com/TFMV/m2sync/report"
	"github.com/TFMV/m2sync/version"
)

// SyncOptions holds the sync command flags. Set flags override the config.
type SyncOptions struct {
	From         string
	To           string
	Reset        bool
	DryRun       bool
	Verify       bool
	Only         []string
	ExportDir    string
	ExportFormat string
	HTMLPath     string
	NoSpinner    bool
}

func newSyncCommand(a *app) *cobra.Command {
	options := &SyncOptions{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the configured data types for a date window",
		Long: `The sync command fetches every configured data type for the date window,
classifies the records against the stored tables and writes the result.

Dates are YYYY-MM-DD and default to today. Use --reset to drop and rebuild
the tables, and --dry-run to classify without writing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(); err != nil {
				return err
			}
			applySyncFlags(cmd, a, options)
			return runSync(runCtx(cmd), cmd, a, options)
		},
	}

	cmd.Flags().StringVar(&options.From, "from", "", "Start date of the window (YYYY-MM-DD)")
	cmd.Flags().StringVar(&options.To, "to", "", "End date of the window (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&options.Reset, "reset", false, "Drop the tables before syncing")
	cmd.Flags().BoolVar(&options.DryRun, "dry-run", false, "Classify only, do not write to the store")
	cmd.Flags().BoolVar(&options.Verify, "verify", false, "Re-read the tables after apply and check them against the fetched records")
	cmd.Flags().StringSliceVar(&options.Only, "only", nil, "Data types to sync (default all)")
	cmd.Flags().StringVar(&options.ExportDir, "export-dir", "", "Write the new and changed buckets to this directory")
	cmd.Flags().StringVar(&options.ExportFormat, "export-format", "", "Export format (json, parquet, arrow)")
	cmd.Flags().StringVar(&options.HTMLPath, "html", "", "Write an HTML report of the run to this path")
	cmd.Flags().BoolVar(&options.NoSpinner, "no-spinner", false, "Disable the progress spinner")

	return cmd
}

// applySyncFlags lets explicitly set flags override the loaded config.
func applySyncFlags(cmd *cobra.Command, a *app, o *SyncOptions) {
	flags := cmd.Flags()
	if flags.Changed("from") {
		a.cfg.Sync.From = o.From
	}
	if flags.Changed("to") {
		a.cfg.Sync.To = o.To
	}
	if flags.Changed("reset") {
		a.cfg.Sync.Reset = o.Reset
	}
	if flags.Changed("dry-run") {
		a.cfg.Sync.DryRun = o.DryRun
	}
	if flags.Changed("verify") {
		a.cfg.Sync.Verify = o.Verify
	}
	if flags.Changed("export-dir") {
		a.cfg.Export.Dir = o.ExportDir
	}
	if flags.Changed("export-format") {
		a.cfg.Export.Format = o.ExportFormat
	}
}

// resolveWindow fills missing dates with today.
func resolveWindow(from, to string, now time.Time) (core.Window, error) {
	today := now.Format(core.DateLayout)
	if from == "" {
		from = today
	}
	if to == "" {
		to = today
	}
	return core.ParseWindow(from, to)
}

func runSync(ctx context.Context, cmd *cobra.Command, a *app, o *SyncOptions) error {
	cfg := a.cfg
	log := a.logger

	dataTypes, err := selectDataTypes(cfg, o.Only)
	if err != nil {
		return err
	}
	scoped := *cfg
	scoped.DataTypes = dataTypes
	if err := scoped.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	window, err := resolveWindow(cfg.Sync.From, cfg.Sync.To, time.Now())
	if err != nil {
		return err
	}

	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
	status := &spinnerStatus{sp: sp}
	spinning := !o.NoSpinner
	startSpinner := func() {
		if spinning {
			sp.Start()
		}
	}
	defer sp.Stop()

	prompt := stdinPrompt(cmd.InOrStdin(), cmd.ErrOrStderr())
	jobs, err := buildJobs(&scoped, dataTypes, func(ctx context.Context) (string, error) {
		sp.Stop()
		defer startSpinner()
		return prompt(ctx)
	}, log)
	if err != nil {
		return err
	}

	gw, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := gw.Close(); err != nil {
			log.Warn("Failed to close store", zap.Error(err))
		}
	}()

	reports := &metrics.JSONReportStore{Dir: cfg.Reports.Dir, Out: cmd.OutOrStdout()}
	runner := pipeline.NewRunner(gw, reports, pipeline.Options{
		Window:       window,
		Reset:        cfg.Sync.Reset,
		DryRun:       cfg.Sync.DryRun,
		Verify:       cfg.Sync.Verify,
		ExportDir:    cfg.Export.Dir,
		ExportFormat: cfg.Export.Format,
		Apply: apply.Options{
			ProgressEvery: cfg.Sync.ProgressEvery,
			UpsertTimeout: cfg.Sync.UpsertTimeout,
			Retries:       cfg.Sync.Retries,
			RetryBackoff:  cfg.Sync.RetryBackoff,
			OnProgress:    status.progress,
		},
		StoreName: cfg.Store.Kind,
		Version:   version.Version,
		OnStage:   status.stage,
	}, log)

	startSpinner()
	run, runErr := runner.Run(ctx, jobs)
	sp.Stop()

	printRun(cmd.OutOrStdout(), run)

	if o.HTMLPath != "" {
		gen := &report.HTMLReportGenerator{}
		if err := gen.SaveReportToFile(run, o.HTMLPath); err != nil {
			log.Error("Failed to write HTML report", zap.String("path", o.HTMLPath), zap.Error(err))
		}
	}
	if report.NeedsAlert(run) {
		alert, err := (&report.JSONReportGenerator{}).GenerateAlertNotification(run)
		if err == nil {
			fmt.Fprintln(cmd.ErrOrStderr(), string(alert))
		}
	}
	return runErr
}

// spinnerStatus shows the current data type, stage and apply progress in the
// spinner suffix.
type spinnerStatus struct {
	sp       *spinner.Spinner
	dataType string
}

func (s *spinnerStatus) stage(dataType, stage string) {
	s.dataType = dataType
	s.set(fmt.Sprintf(" %s: %s", dataType, stage))
}

func (s *spinnerStatus) progress(processed, total int) {
	s.set(fmt.Sprintf(" %s: apply %d/%d", s.dataType, processed, total))
}

func (s *spinnerStatus) set(suffix string) {
	s.sp.Lock()
	s.sp.Suffix = suffix
	s.sp.Unlock()
}

// printRun writes a per-data-type summary table.
func printRun(w io.Writer, run *metrics.RunReport) {
	fmt.Fprintf(w, "Run %s (%s) window %s\n", run.RunID, run.Status(), run.Window)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATA TYPE\tTABLE\tINCOMING\tNEW\tCHANGED\tUNCHANGED\tAPPENDED\tUPDATED\tFAILED\tSTATUS")
	for _, c := range run.Cycles {
		var appended, updated, failed int64
		if c.Apply != nil {
			appended, updated, failed = c.Apply.Appended, c.Apply.Updated, c.Apply.Failed
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			c.DataType, c.Table,
			c.Summary.Incoming, c.Summary.New, c.Summary.Changed, c.Summary.Unchanged,
			appended, updated, failed, c.Status)
	}
	tw.Flush()
}
