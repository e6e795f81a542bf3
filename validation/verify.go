// Package validation checks that an applied cycle left the store in the
// state the classification asked for.
package validation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TFMV/m2sync/pkg/core"
	"github.com/TFMV/m2sync/pkg/diff"
	"github.com/TFMV/m2sync/pkg/schema"
	"github.com/TFMV/m2sync/utils"
)

// Result is the outcome of verifying one table after apply.
type Result struct {
	Status bool `json:"status"`

	// Drift compares the incoming fields with the table after apply.
	Drift schema.Drift `json:"drift"`

	// Stored is the row count of the table after apply.
	Stored int64 `json:"stored"`

	// Outstanding lists identities still new or changed after apply.
	Outstanding []string `json:"outstanding,omitempty"`

	// Unexpected lists outstanding identities the apply report did not
	// record as failed.
	Unexpected []string `json:"unexpected,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Verifier re-reads a table and re-classifies the incoming dataset against it.
type Verifier struct {
	Gateway      core.StoreGateway
	Table        string
	IgnoreFields []string
	Logger       *zap.Logger
}

// NewVerifier creates a Verifier for one table.
func NewVerifier(gw core.StoreGateway, table string, ignoreFields []string, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{Gateway: gw, Table: table, IgnoreFields: ignoreFields, Logger: logger}
}

// Verify passes when every incoming record is stored unchanged, apart from
// the records the apply report lists as failed.
func (v *Verifier) Verify(ctx context.Context, incoming *core.Dataset, applied *core.ApplyReport) (*Result, error) {
	start := time.Now()
	log := v.Logger.With(zap.String("table", v.Table))
	log.Info("Starting verification")

	var (
		wg      sync.WaitGroup
		errCh   = make(chan error, 2)
		columns []string
		cls     *core.Classification
		stored  int64
	)

	wg.Add(2)

	go func() {
		defer wg.Done()
		cols, err := v.Gateway.TableSchema(ctx, v.Table)
		if err != nil {
			errCh <- fmt.Errorf("schema check failed: %w", err)
			return
		}
		columns = cols
	}()

	go func() {
		defer wg.Done()
		existing, err := v.Gateway.ReadAll(ctx, v.Table, incoming.Identity())
		if err != nil {
			errCh <- fmt.Errorf("row check failed: %w", err)
			return
		}
		stored = int64(existing.Len())
		res, err := diff.NewDiffer(diff.Options{IgnoreFields: v.IgnoreFields}).Classify(ctx, incoming, existing)
		if err != nil {
			errCh <- fmt.Errorf("row check failed: %w", err)
			return
		}
		cls = res
	}()

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			log.Error("Verification failed", zap.Error(err))
			return nil, err
		}
	}

	result := &Result{
		Drift:  schema.Compare(utils.TextSchema(incoming.Fields()), utils.TextSchema(columns)),
		Stored: stored,
	}
	result.Outstanding = append(cls.New.Identities(), cls.Changed.Identities()...)
	sort.Strings(result.Outstanding)

	failed := make(map[string]bool)
	if applied != nil {
		for _, f := range applied.Failures {
			failed[f.Identity] = true
		}
	}
	for _, id := range result.Outstanding {
		if !failed[id] {
			result.Unexpected = append(result.Unexpected, id)
		}
	}
	result.Status = len(result.Unexpected) == 0
	result.Duration = time.Since(start)

	log.Info("Verification completed",
		zap.Bool("status", result.Status),
		zap.Int64("stored", result.Stored),
		zap.Int("outstanding", len(result.Outstanding)),
		zap.Int("unexpected", len(result.Unexpected)))
	return result, nil
}
