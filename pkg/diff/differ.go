// Package diff classifies freshly fetched datasets against the store snapshot.
package diff

import (
	"context"
	"fmt"

	"github.com/TFMV/m2sync/pkg/core"
)

// cancelCheckInterval is how many rows are processed between context checks.
const cancelCheckInterval = 1000

// Options configures classification.
type Options struct {
	// IgnoreFields are excluded from the equality comparison.
	IgnoreFields []string
}

// Differ implements core.Differ with a hash join on the identity field.
type Differ struct {
	opts Options
}

var _ core.Differ = (*Differ)(nil)

// NewDiffer creates a new Differ.
func NewDiffer(opts Options) *Differ {
	return &Differ{opts: opts}
}

// Classify partitions incoming into new, changed and unchanged records.
//
// Rows present only in existing are ignored. When existing is empty or does
// not carry the identity field every incoming row is new.
func (d *Differ) Classify(ctx context.Context, incoming, existing *core.Dataset) (*core.Classification, error) {
	if err := incoming.Validate(); err != nil {
		return nil, fmt.Errorf("incoming dataset: %w", err)
	}
	identity := incoming.Identity()

	summary := core.ClassificationSummary{
		Incoming: int64(incoming.Len()),
		Existing: int64(existing.Len()),
		Columns:  make(map[string]int64),
	}

	// No prior state: everything is new.
	if existing.Empty() || !existing.HasField(identity) {
		all := make([]int, incoming.Len())
		for i := range all {
			all[i] = i
		}
		summary.New = int64(len(all))
		return &core.Classification{
			New:       incoming.Subset(all),
			Changed:   incoming.Subset(nil),
			Unchanged: incoming.Subset(nil),
			Changes:   map[string][]core.FieldChange{},
			Summary:   summary,
		}, nil
	}

	existingKeys, dups, err := d.buildKeyMap(ctx, existing, identity)
	if err != nil {
		return nil, err
	}
	summary.ExistingDuplicates = dups

	compareFields := d.getCompareFields(incoming, existing, identity)

	var newIdx, changedIdx, unchangedIdx []int
	changes := make(map[string][]core.FieldChange)

	for i := 0; i < incoming.Len(); i++ {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		key := incoming.IdentityAt(i)
		existingIdx, found := existingKeys[key]
		if !found {
			newIdx = append(newIdx, i)
			continue
		}

		diffs := compareRecords(incoming, existing, i, existingIdx, compareFields)
		if len(diffs) == 0 {
			unchangedIdx = append(unchangedIdx, i)
			continue
		}

		changedIdx = append(changedIdx, i)
		changes[key] = diffs
		for _, c := range diffs {
			summary.Columns[c.Field]++
		}
	}

	summary.New = int64(len(newIdx))
	summary.Changed = int64(len(changedIdx))
	summary.Unchanged = int64(len(unchangedIdx))

	return &core.Classification{
		New:       incoming.Subset(newIdx),
		Changed:   incoming.Subset(changedIdx),
		Unchanged: incoming.Subset(unchangedIdx),
		Changes:   changes,
		Summary:   summary,
	}, nil
}

// buildKeyMap indexes existing rows by normalized identity. The first
// occurrence of a duplicated identity wins; rows without identity are skipped.
func (d *Differ) buildKeyMap(ctx context.Context, existing *core.Dataset, identity string) (map[string]int, int64, error) {
	keys := make(map[string]int, existing.Len())
	var dups int64

	for i := 0; i < existing.Len(); i++ {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
		}

		key := existing.IdentityAt(i)
		if key == "" {
			continue
		}
		if _, ok := keys[key]; ok {
			dups++
			continue
		}
		keys[key] = i
	}
	return keys, dups, nil
}

// getCompareFields returns the fields shared by both datasets, excluding the
// identity field and ignored fields, in incoming order.
func (d *Differ) getCompareFields(incoming, existing *core.Dataset, identity string) []string {
	var result []string
	for _, f := range incoming.Fields() {
		if f == identity || containsString(d.opts.IgnoreFields, f) {
			continue
		}
		if !existing.HasField(f) {
			continue
		}
		result = append(result, f)
	}
	return result
}

// compareRecords returns the fields whose normalized text differs.
func compareRecords(incoming, existing *core.Dataset, incomingIdx, existingIdx int, fields []string) []core.FieldChange {
	var diffs []core.FieldChange
	for _, f := range fields {
		oldVal := core.Normalize(existing.Value(existingIdx, f))
		newVal := core.Normalize(incoming.Value(incomingIdx, f))
		if oldVal != newVal {
			diffs = append(diffs, core.FieldChange{Field: f, OldValue: oldVal, NewValue: newVal})
		}
	}
	return diffs
}

// containsString checks if a slice contains a string
func containsString(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
