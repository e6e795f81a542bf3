// Package metrics holds the reconciliation run reports and their storage.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TFMV/m2sync/pkg/core"
	"github.com/TFMV/m2sync/pkg/schema"
	"github.com/TFMV/m2sync/validation"
)

// -----------------------------
// Cycle & Run Reports
// -----------------------------

// Status is the outcome of one reconciliation cycle.
type Status string

const (
	StatusOK      Status = "ok"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
	StatusNoData  Status = "no_data"
)

// severity orders statuses from best to worst.
func (s Status) severity() int {
	switch s {
	case StatusNoData:
		return 0
	case StatusOK:
		return 1
	case StatusPartial:
		return 2
	default:
		return 3
	}
}

// CycleReport describes the reconciliation of one data type.
type CycleReport struct {
	DataType  string                     `json:"data_type"`
	Table     string                     `json:"table"`
	Identity  string                     `json:"identity"`
	Window    string                     `json:"window"`
	Reset     bool                       `json:"reset"`
	DryRun    bool                       `json:"dry_run"`
	Created   bool                       `json:"created"`
	Status    Status                     `json:"status"`
	Summary   core.ClassificationSummary `json:"summary"`
	Apply     *core.ApplyReport          `json:"apply,omitempty"`
	Exports   []string                   `json:"exports,omitempty"`
	Error     string                     `json:"error,omitempty"`
	StartTime time.Time                  `json:"start_time"`
	EndTime   time.Time                  `json:"end_time"`
	Duration  time.Duration              `json:"duration"`

	SchemaDrift  *schema.Drift      `json:"schema_drift,omitempty"`
	Verification *validation.Result `json:"verification,omitempty"`
}

// RunReport aggregates the cycles of one sync invocation.
type RunReport struct {
	RunID     string        `json:"run_id"`
	Version   string        `json:"version"`
	Store     string        `json:"store"`
	Window    string        `json:"window"`
	Cycles    []CycleReport `json:"cycles"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
}

// NewRunReport starts a report with a fresh run id.
func NewRunReport(store, window, version string) *RunReport {
	return &RunReport{
		RunID:     uuid.NewString(),
		Version:   version,
		Store:     store,
		Window:    window,
		StartTime: time.Now().UTC(),
	}
}

// Finish stamps the end time.
func (r *RunReport) Finish() {
	r.EndTime = time.Now().UTC()
	r.Duration = r.EndTime.Sub(r.StartTime)
}

// Status returns the worst cycle status, or no_data for an empty run.
func (r *RunReport) Status() Status {
	status := StatusNoData
	for _, c := range r.Cycles {
		if c.Status.severity() > status.severity() {
			status = c.Status
		}
	}
	return status
}

// Totals sums the classification and apply counts over all cycles.
func (r *RunReport) Totals() RunTotals {
	var t RunTotals
	for _, c := range r.Cycles {
		t.Incoming += c.Summary.Incoming
		t.New += c.Summary.New
		t.Changed += c.Summary.Changed
		t.Unchanged += c.Summary.Unchanged
		if c.Apply != nil {
			t.Appended += c.Apply.Appended
			t.Updated += c.Apply.Updated
			t.Failed += c.Apply.Failed
		}
	}
	return t
}

// RunTotals are counts summed over a run.
type RunTotals struct {
	Incoming  int64 `json:"incoming"`
	New       int64 `json:"new"`
	Changed   int64 `json:"changed"`
	Unchanged int64 `json:"unchanged"`
	Appended  int64 `json:"appended"`
	Updated   int64 `json:"updated"`
	Failed    int64 `json:"failed"`
}

// -----------------------------
// Report Storage
// -----------------------------

// ErrReportNotFound is returned by Get for unknown run ids.
var ErrReportNotFound = errors.New("report not found")

// ReportStore persists run reports.
type ReportStore interface {
	Save(run *RunReport) error
	SaveWithContext(ctx context.Context, run *RunReport) error
	List(ctx context.Context) ([]*RunReport, error)
	Get(ctx context.Context, runID string) (*RunReport, error)
}

// JSONReportStore writes one JSON file per run into Dir. With an empty Dir
// reports are printed to Out (stdout by default) and nothing is listed.
type JSONReportStore struct {
	Dir string
	Out io.Writer
}

var _ ReportStore = (*JSONReportStore)(nil)

// Path returns the file a run is stored in.
func (j *JSONReportStore) Path(runID string) string {
	return filepath.Join(j.Dir, runID+".json")
}

func (j *JSONReportStore) Save(run *RunReport) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if j.Dir == "" {
		out := j.Out
		if out == nil {
			out = os.Stdout
		}
		_, err := fmt.Fprintln(out, string(data))
		return err
	}
	if err := os.MkdirAll(j.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report dir: %w", err)
	}
	return os.WriteFile(j.Path(run.RunID), data, 0o644)
}

func (j *JSONReportStore) SaveWithContext(ctx context.Context, run *RunReport) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return j.Save(run)
	}
}

// List returns all stored runs, latest first. Unreadable files are skipped.
func (j *JSONReportStore) List(ctx context.Context) ([]*RunReport, error) {
	if j.Dir == "" {
		return []*RunReport{}, nil
	}
	entries, err := os.ReadDir(j.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return []*RunReport{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	runs := []*RunReport{}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		run, err := readReport(filepath.Join(j.Dir, e.Name()))
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}

	sort.SliceStable(runs, func(a, b int) bool {
		return runs[a].StartTime.After(runs[b].StartTime)
	})
	return runs, nil
}

// Get loads one run. Ids that are not UUIDs are rejected.
func (j *JSONReportStore) Get(ctx context.Context, runID string) (*RunReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(runID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, runID)
	}
	if j.Dir == "" {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, runID)
	}
	run, err := readReport(j.Path(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, runID)
	}
	return run, err
}

func readReport(path string) (*RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var run RunReport
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &run, nil
}
