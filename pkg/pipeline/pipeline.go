// Package pipeline runs reconciliation cycles: fetch, classify, apply and
// report, one data type at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/TFMV/m2sync/metrics"
	"github.com/TFMV/m2sync/pkg/apply"
	"github.com/TFMV/m2sync/pkg/core"
	"github.com/TFMV/m2sync/pkg/diff"
	"github.com/TFMV/m2sync/pkg/schema"
	"github.com/TFMV/m2sync/pkg/sources"
	"github.com/TFMV/m2sync/pkg/writers"
	"github.com/TFMV/m2sync/utils"
	"github.com/TFMV/m2sync/validation"
)

// Stage names reported to OnStage.
const (
	StageReset    = "reset"
	StageFetch    = "fetch"
	StageSnapshot = "snapshot"
	StageClassify = "classify"
	StageExport   = "export"
	StageApply    = "apply"
	StageVerify   = "verify"
)

// Job is one data type to reconcile.
type Job struct {
	Source       sources.Source
	Table        string
	IgnoreFields []string
}

// Options configures a Runner.
type Options struct {
	Window       core.Window
	Reset        bool
	DryRun       bool
	Verify       bool
	ExportDir    string
	ExportFormat string
	Apply        apply.Options

	// StoreName and Version are recorded in the run report.
	StoreName string
	Version   string

	// OnStage is called when a cycle enters a stage.
	OnStage func(dataType, stage string)
}

// Runner executes cycles against one store gateway.
type Runner struct {
	gw      core.StoreGateway
	reports metrics.ReportStore
	opts    Options
	logger  *zap.Logger
}

// NewRunner creates a Runner. reports may be nil to skip persistence.
func NewRunner(gw core.StoreGateway, reports metrics.ReportStore, opts Options, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ExportFormat == "" {
		opts.ExportFormat = "json"
	}
	return &Runner{gw: gw, reports: reports, opts: opts, logger: logger}
}

// Run reconciles every job in order and persists the run report. A failed
// cycle does not stop the following ones unless ctx is done. The returned
// error aggregates the cycle errors.
func (r *Runner) Run(ctx context.Context, jobs []Job) (*metrics.RunReport, error) {
	run := metrics.NewRunReport(r.opts.StoreName, r.opts.Window.String(), r.opts.Version)
	log := r.logger.With(zap.String("run_id", run.RunID))
	log.Info("Starting sync",
		zap.String("window", r.opts.Window.String()),
		zap.Bool("reset", r.opts.Reset),
		zap.Bool("dry_run", r.opts.DryRun),
		zap.Int("data_types", len(jobs)))

	var errs error
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		cycle, err := r.RunCycle(ctx, job)
		run.Cycles = append(run.Cycles, cycle)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", job.Source.Name(), err))
		}
	}
	run.Finish()

	if r.reports != nil {
		if err := r.reports.Save(run); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to save report: %w", err))
		}
	}

	log.Info("Sync finished",
		zap.String("status", string(run.Status())),
		zap.Duration("duration", run.Duration))
	return run, errs
}

// RunCycle reconciles one data type. The cycle report is always returned;
// the error is set when the cycle failed or ctx ended.
func (r *Runner) RunCycle(ctx context.Context, job Job) (cycle metrics.CycleReport, err error) {
	src := job.Source
	table := job.Table
	if table == "" {
		table = src.Name()
	}
	cycle = metrics.CycleReport{
		DataType:  src.Name(),
		Table:     table,
		Identity:  src.Identity(),
		Window:    r.opts.Window.String(),
		Reset:     r.opts.Reset,
		DryRun:    r.opts.DryRun,
		StartTime: time.Now().UTC(),
	}
	log := r.logger.With(zap.String("data_type", src.Name()), zap.String("table", table))

	defer func() {
		cycle.EndTime = time.Now().UTC()
		cycle.Duration = cycle.EndTime.Sub(cycle.StartTime)
		if err != nil {
			cycle.Status = metrics.StatusFailed
			cycle.Error = err.Error()
			log.Error("Cycle failed", zap.Error(err))
			return
		}
		log.Info("Cycle complete",
			zap.String("status", string(cycle.Status)),
			zap.Int64("new", cycle.Summary.New),
			zap.Int64("changed", cycle.Summary.Changed),
			zap.Int64("unchanged", cycle.Summary.Unchanged))
	}()

	if r.opts.Reset && !r.opts.DryRun {
		r.stage(src.Name(), StageReset)
		if err := r.gw.ResetTable(ctx, table); err != nil {
			return cycle, fmt.Errorf("reset failed: %w", err)
		}
	}

	r.stage(src.Name(), StageFetch)
	incoming, err := src.Fetch(ctx, r.opts.Window)
	if err != nil {
		return cycle, fmt.Errorf("fetch failed: %w", err)
	}
	if incoming.Empty() {
		log.Info("No data for window", zap.String("window", r.opts.Window.String()))
		cycle.Status = metrics.StatusNoData
		return cycle, nil
	}
	if err := incoming.Validate(); err != nil {
		return cycle, err
	}
	incomingSchema := utils.TextSchema(incoming.Fields())
	if err := schema.ForIdentity(incoming.Identity()).ValidateSchema(incomingSchema); err != nil {
		return cycle, fmt.Errorf("invalid incoming schema: %w", err)
	}

	r.stage(src.Name(), StageSnapshot)
	existing, columns, err := r.snapshot(ctx, table, incoming.Identity())
	if err != nil {
		return cycle, err
	}
	if len(columns) > 0 {
		if drift := schema.Compare(incomingSchema, utils.TextSchema(columns)); !drift.Empty() {
			log.Warn("Schema drift", zap.Strings("added", drift.Added), zap.Strings("missing", drift.Missing))
			cycle.SchemaDrift = &drift
		}
	}
	if existing.Empty() && !r.opts.DryRun {
		if err := r.gw.CreateTable(ctx, table, incoming); err != nil {
			return cycle, fmt.Errorf("create table failed: %w", err)
		}
		cycle.Created = true
	}

	r.stage(src.Name(), StageClassify)
	cls, err := diff.NewDiffer(diff.Options{IgnoreFields: job.IgnoreFields}).Classify(ctx, incoming, existing)
	if err != nil {
		return cycle, fmt.Errorf("classify failed: %w", err)
	}
	cycle.Summary = cls.Summary
	log.Info("Classified records",
		zap.Int64("incoming", cls.Summary.Incoming),
		zap.Int64("existing", cls.Summary.Existing),
		zap.Int64("existing_duplicates", cls.Summary.ExistingDuplicates))

	var exportErr error
	if r.opts.ExportDir != "" {
		r.stage(src.Name(), StageExport)
		cycle.Exports, exportErr = r.export(ctx, table, cls)
		if exportErr != nil {
			log.Warn("Export failed", zap.Error(exportErr))
			cycle.Error = exportErr.Error()
		}
	}

	cycle.Status = metrics.StatusOK
	if exportErr != nil {
		cycle.Status = metrics.StatusPartial
	}
	if r.opts.DryRun {
		log.Info("Dry run, store not modified")
		return cycle, nil
	}

	r.stage(src.Name(), StageApply)
	report, err := apply.NewApplier(r.opts.Apply, log).Apply(ctx, cls, r.gw, table, incoming.Identity())
	cycle.Apply = report
	if err != nil {
		return cycle, fmt.Errorf("apply interrupted: %w", err)
	}
	if report.HasFailures() {
		cycle.Status = metrics.StatusPartial
	}

	if r.opts.Verify {
		r.stage(src.Name(), StageVerify)
		res, err := validation.NewVerifier(r.gw, table, job.IgnoreFields, log).Verify(ctx, incoming, report)
		if err != nil {
			return cycle, fmt.Errorf("verify failed: %w", err)
		}
		cycle.Verification = res
		if !res.Status {
			log.Warn("Store does not match incoming records", zap.Strings("unexpected", res.Unexpected))
			cycle.Status = metrics.StatusPartial
		}
	}
	return cycle, nil
}

// snapshot reads the stored table and its columns. A missing or schemaless
// table is an empty snapshot; other gateway errors are returned.
func (r *Runner) snapshot(ctx context.Context, table, identity string) (*core.Dataset, []string, error) {
	cols, err := r.gw.TableSchema(ctx, table)
	if errors.Is(err, core.ErrTableNotFound) {
		return core.EmptyDataset(identity), nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read schema of %s: %w", table, err)
	}
	if len(cols) == 0 {
		return core.EmptyDataset(identity), nil, nil
	}
	existing, err := r.gw.ReadAll(ctx, table, identity)
	if errors.Is(err, core.ErrTableNotFound) {
		return core.EmptyDataset(identity), nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read snapshot of %s: %w", table, err)
	}
	return existing, cols, nil
}

// export writes the non-empty new and changed buckets to ExportDir.
func (r *Runner) export(ctx context.Context, table string, cls *core.Classification) ([]string, error) {
	if err := os.MkdirAll(r.opts.ExportDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export dir: %w", err)
	}

	var paths []string
	var errs error
	buckets := []struct {
		name core.Bucket
		ds   *core.Dataset
	}{
		{core.BucketNew, cls.New},
		{core.BucketChanged, cls.Changed},
	}
	for _, b := range buckets {
		if b.ds.Empty() {
			continue
		}
		path := filepath.Join(r.opts.ExportDir,
			fmt.Sprintf("%s-%s.%s", table, b.name, writers.Extension(r.opts.ExportFormat)))
		if err := writers.WriteFile(ctx, r.opts.ExportFormat, path, b.ds); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("export %s: %w", b.name, err))
			continue
		}
		paths = append(paths, path)
	}
	return paths, errs
}

func (r *Runner) stage(dataType, stage string) {
	if r.opts.OnStage != nil {
		r.opts.OnStage(dataType, stage)
	}
}
