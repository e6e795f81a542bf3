// Package apply persists a classification through a store gateway.
package apply

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TFMV/m2sync/pkg/core"
)

// Progress is called as changed records are processed.
type Progress func(processed, total int)

// Options configures the Applier.
type Options struct {
	// ProgressEvery is the record cadence for progress reporting. Defaults to 10.
	ProgressEvery int

	// UpsertTimeout bounds each UpsertOne call. Zero disables the deadline.
	UpsertTimeout time.Duration

	// Retries is the number of extra attempts for a failed upsert.
	Retries int

	// RetryBackoff is the base delay between attempts, doubled each retry.
	RetryBackoff time.Duration

	// OnProgress receives progress updates when set.
	OnProgress Progress
}

// Applier appends new records in bulk and upserts changed records one by one.
type Applier struct {
	opts   Options
	logger *zap.Logger
}

// NewApplier creates a new Applier. A nil logger discards output.
func NewApplier(opts Options, logger *zap.Logger) *Applier {
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{opts: opts, logger: logger}
}

// Apply writes cls to the gateway. The new and changed buckets are
// independent: a failed append does not prevent the upserts. Per-record
// failures are collected in the report. The returned error is non-nil when
// cls is nil or ctx ends before the work completes; the partial report is
// still returned.
//
// A changed record is skipped when cls.Changes records no field change for
// it. A nil Changes map disables that check and every changed record is
// upserted.
func (a *Applier) Apply(ctx context.Context, cls *core.Classification, gw core.StoreGateway, table, identity string) (*core.ApplyReport, error) {
	report := &core.ApplyReport{StartTime: time.Now()}
	defer func() { report.EndTime = time.Now() }()

	log := a.logger.With(zap.String("table", table))

	if cls == nil {
		return report, core.NewValidationError("", "", "classification is nil")
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	if !cls.New.Empty() {
		a.appendNew(ctx, log, cls.New, gw, table, report)
	} else {
		log.Info("No new records to append")
	}

	if cls.Changed.Empty() {
		log.Info("No changed records to update")
		return report, nil
	}

	if err := a.upsertChanged(ctx, log, cls, gw, table, identity, report); err != nil {
		return report, err
	}
	return report, nil
}

func (a *Applier) appendNew(ctx context.Context, log *zap.Logger, ds *core.Dataset, gw core.StoreGateway, table string, report *core.ApplyReport) {
	log.Info("Appending new records", zap.Int("count", ds.Len()))

	if err := gw.AppendBatch(ctx, table, ds); err != nil {
		log.Error("Batch append failed", zap.Int("count", ds.Len()), zap.Error(err))
		report.AppendError = err.Error()
		for _, id := range ds.Identities() {
			report.Failures = append(report.Failures, core.ApplyFailure{
				Identity: id,
				Bucket:   core.BucketNew,
				Error:    err.Error(),
			})
		}
		report.Failed += int64(ds.Len())
		return
	}

	report.Appended = int64(ds.Len())
	log.Info("New records appended", zap.Int("count", ds.Len()))
}

func (a *Applier) upsertChanged(ctx context.Context, log *zap.Logger, cls *core.Classification, gw core.StoreGateway, table, identity string, report *core.ApplyReport) error {
	ds := cls.Changed
	total := ds.Len()
	log.Info("Updating changed records", zap.Int("count", total))

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			log.Warn("Update interrupted", zap.Int("processed", i), zap.Int("total", total), zap.Error(err))
			return err
		}

		id := ds.IdentityAt(i)
		if cls.Changes != nil && len(cls.Changes[id]) == 0 {
			log.Info("No field changes recorded, skipping update", zap.String(identity, id))
			report.Skipped++
		} else if err := a.upsertWithRetry(ctx, gw, table, identity, ds.At(i)); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			log.Error("Update failed", zap.String(identity, id), zap.Error(err))
			report.Failed++
			report.Failures = append(report.Failures, core.ApplyFailure{
				Identity: id,
				Bucket:   core.BucketChanged,
				Error:    err.Error(),
			})
		} else {
			log.Debug("Record updated", zap.String(identity, id))
			report.Updated++
		}

		processed := i + 1
		if processed%a.opts.ProgressEvery == 0 || processed == total {
			log.Info(fmt.Sprintf("Processed %d/%d records (%.1f%%)", processed, total, float64(processed)/float64(total)*100))
			if a.opts.OnProgress != nil {
				a.opts.OnProgress(processed, total)
			}
		}
	}
	return nil
}

// upsertWithRetry runs UpsertOne under the per-record deadline, retrying with
// exponential backoff.
func (a *Applier) upsertWithRetry(ctx context.Context, gw core.StoreGateway, table, identity string, rec core.Record) error {
	var lastErr error

	for attempt := 0; attempt <= a.opts.Retries; attempt++ {
		if attempt > 0 {
			delay := a.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = a.upsertOnce(ctx, gw, table, identity, rec)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if a.opts.Retries > 0 {
		return fmt.Errorf("upsert failed after %d attempts: %w", a.opts.Retries+1, lastErr)
	}
	return lastErr
}

func (a *Applier) upsertOnce(ctx context.Context, gw core.StoreGateway, table, identity string, rec core.Record) error {
	if a.opts.UpsertTimeout <= 0 {
		return gw.UpsertOne(ctx, table, identity, rec)
	}
	callCtx, cancel := context.WithTimeout(ctx, a.opts.UpsertTimeout)
	defer cancel()
	return gw.UpsertOne(callCtx, table, identity, rec)
}
