package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/TFMV/m2sync/integrations/memory"
	"github.com/TFMV/m2sync/metrics"
	"github.com/TFMV/m2sync/pkg/apply"
	"github.com/TFMV/m2sync/pkg/core"
)

type stubSource struct {
	name     string
	identity string
	ds       *core.Dataset
	err      error
	calls    int
}

func (s *stubSource) Name() string     { return s.name }
func (s *stubSource) Identity() string { return s.identity }

func (s *stubSource) Fetch(ctx context.Context, _ core.Window) (*core.Dataset, error) {
	s.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.ds, s.err
}

// faultyGateway injects errors into a memory store.
type faultyGateway struct {
	core.StoreGateway
	schemaErr error
	upsertErr error
}

func (g *faultyGateway) TableSchema(ctx context.Context, table string) ([]string, error) {
	if g.schemaErr != nil {
		return nil, g.schemaErr
	}
	return g.StoreGateway.TableSchema(ctx, table)
}

func (g *faultyGateway) UpsertOne(ctx context.Context, table, identity string, rec core.Record) error {
	if g.upsertErr != nil {
		return g.upsertErr
	}
	return g.StoreGateway.UpsertOne(ctx, table, identity, rec)
}

var orderFields = []string{"Line_ID", "Order_ID", "Order_Status", "Quantity"}

func orders(rows ...[]string) *core.Dataset {
	records := make([]core.Record, len(rows))
	for i, r := range rows {
		records[i] = core.Record{"Line_ID": r[0], "Order_ID": r[1], "Order_Status": r[2], "Quantity": r[3]}
	}
	return core.NewDataset("Line_ID", orderFields, records)
}

func ordersSource(ds *core.Dataset) *stubSource {
	return &stubSource{name: "orders", identity: "Line_ID", ds: ds}
}

func testWindow(t *testing.T) core.Window {
	t.Helper()
	w, err := core.ParseWindow("2024-01-01", "2024-01-31")
	require.NoError(t, err)
	return w
}

func newRunner(t *testing.T, gw core.StoreGateway, opts Options) *Runner {
	t.Helper()
	opts.Window = testWindow(t)
	opts.StoreName = "memory"
	return NewRunner(gw, nil, opts, zaptest.NewLogger(t))
}

func identities(rows []core.Record) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r["Line_ID"]
	}
	return ids
}

func TestRun_FirstSyncCreatesTable(t *testing.T) {
	store := memory.New()
	r := newRunner(t, store, Options{})

	run, err := r.Run(context.Background(), []Job{{Source: ordersSource(orders(
		[]string{"1-1", "000000001", "pending", "1"},
		[]string{"1-2", "000000001", "pending", "2"},
		[]string{"2-3", "000000002", "complete", "1"},
	))}})
	require.NoError(t, err)
	require.Len(t, run.Cycles, 1)

	cycle := run.Cycles[0]
	assert.Equal(t, metrics.StatusOK, cycle.Status)
	assert.True(t, cycle.Created)
	assert.Equal(t, "orders", cycle.Table)
	assert.Equal(t, int64(3), cycle.Summary.New)
	assert.Equal(t, int64(3), cycle.Apply.Appended)
	assert.Equal(t, []string{"1-1", "1-2", "2-3"}, identities(store.Rows("orders")))
}

func TestRun_Idempotent(t *testing.T) {
	store := memory.New()
	ds := orders(
		[]string{"1-1", "000000001", "pending", "1"},
		[]string{"2-3", "000000002", "complete", "1"},
	)
	r := newRunner(t, store, Options{})

	_, err := r.Run(context.Background(), []Job{{Source: ordersSource(ds)}})
	require.NoError(t, err)

	run, err := r.Run(context.Background(), []Job{{Source: ordersSource(ds)}})
	require.NoError(t, err)

	cycle := run.Cycles[0]
	assert.False(t, cycle.Created)
	assert.Equal(t, int64(0), cycle.Summary.New)
	assert.Equal(t, int64(0), cycle.Summary.Changed)
	assert.Equal(t, int64(2), cycle.Summary.Unchanged)
	assert.Equal(t, int64(0), cycle.Apply.Appended)
	assert.Equal(t, int64(0), cycle.Apply.Updated)
	assert.Len(t, store.Rows("orders"), 2)
}

func TestRun_UpdatesChangedAndKeepsMissing(t *testing.T) {
	store := memory.New()
	store.Seed("orders", orders(
		[]string{"1-1", "000000001", "pending", "1"},
		[]string{"9-9", "000000009", "complete", "4"},
	))
	r := newRunner(t, store, Options{})

	run, err := r.Run(context.Background(), []Job{{Source: ordersSource(orders(
		[]string{"1-1", "000000001", "shipped", "1"},
		[]string{"2-3", "000000002", "pending", "1"},
	))}})
	require.NoError(t, err)

	cycle := run.Cycles[0]
	assert.Equal(t, int64(1), cycle.Summary.New)
	assert.Equal(t, int64(1), cycle.Summary.Changed)
	assert.Equal(t, int64(1), cycle.Apply.Appended)
	assert.Equal(t, int64(1), cycle.Apply.Updated)

	rows := store.Rows("orders")
	assert.ElementsMatch(t, []string{"1-1", "9-9", "2-3"}, identities(rows))
	for _, row := range rows {
		if row["Line_ID"] == "1-1" {
			assert.Equal(t, "shipped", row["Order_Status"])
		}
	}
}

func TestRun_IgnoreFields(t *testing.T) {
	store := memory.New()
	fields := []string{"Customer_ID", "Email", "Account_Age_Days"}
	store.Seed("customers", core.NewDataset("Customer_ID", fields, []core.Record{
		{"Customer_ID": "7", "Email": "a@example.com", "Account_Age_Days": "10"},
	}))
	src := &stubSource{name: "customers", identity: "Customer_ID", ds: core.NewDataset("Customer_ID", fields, []core.Record{
		{"Customer_ID": "7", "Email": "a@example.com", "Account_Age_Days": "11"},
	})}

	r := newRunner(t, store, Options{})
	run, err := r.Run(context.Background(), []Job{{Source: src, IgnoreFields: []string{"Account_Age_Days"}}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.Cycles[0].Summary.Unchanged)
	assert.Equal(t, int64(0), run.Cycles[0].Apply.Updated)
}

func TestRun_NoData(t *testing.T) {
	store := memory.New()
	r := newRunner(t, store, Options{})

	run, err := r.Run(context.Background(), []Job{{Source: ordersSource(core.EmptyDataset("Line_ID"))}})
	require.NoError(t, err)
	assert.Equal(t, metrics.StatusNoData, run.Cycles[0].Status)
	assert.Equal(t, metrics.StatusNoData, run.Status())

	exists, err := store.TableExists(context.Background(), "orders")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRun_FailedCycleDoesNotStopNext(t *testing.T) {
	store := memory.New()
	dup := orders(
		[]string{"1-1", "000000001", "pending", "1"},
		[]string{"1-1", "000000001", "pending", "1"},
	)
	broken := &stubSource{name: "customers", identity: "Line_ID", ds: dup}
	good := ordersSource(orders([]string{"2-3", "000000002", "pending", "1"}))

	r := newRunner(t, store, Options{})
	run, err := r.Run(context.Background(), []Job{{Source: broken}, {Source: good}})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
	assert.Contains(t, err.Error(), "customers")

	require.Len(t, run.Cycles, 2)
	assert.Equal(t, metrics.StatusFailed, run.Cycles[0].Status)
	assert.Contains(t, run.Cycles[0].Error, "duplicate identity")
	assert.Equal(t, metrics.StatusOK, run.Cycles[1].Status)
	assert.Equal(t, metrics.StatusFailed, run.Status())
	assert.Len(t, store.Rows("orders"), 1)
}

func TestRun_FetchError(t *testing.T) {
	src := ordersSource(nil)
	src.err = errors.New("magento unreachable")

	r := newRunner(t, memory.New(), Options{})
	run, err := r.Run(context.Background(), []Job{{Source: src}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "magento unreachable")
	assert.Equal(t, metrics.StatusFailed, run.Cycles[0].Status)
}

func TestRun_Reset(t *testing.T) {
	store := memory.New()
	store.Seed("orders", orders([]string{"9-9", "000000009", "complete", "4"}))

	r := newRunner(t, store, Options{Reset: true})
	run, err := r.Run(context.Background(), []Job{{Source: ordersSource(orders(
		[]string{"1-1", "000000001", "pending", "1"},
	))}})
	require.NoError(t, err)
	assert.True(t, run.Cycles[0].Reset)
	assert.True(t, run.Cycles[0].Created)
	assert.Equal(t, []string{"1-1"}, identities(store.Rows("orders")))
}

func TestRun_DryRun(t *testing.T) {
	store := memory.New()
	store.Seed("orders", orders([]string{"1-1", "000000001", "pending", "1"}))

	r := newRunner(t, store, Options{DryRun: true, Reset: true})
	run, err := r.Run(context.Background(), []Job{{Source: ordersSource(orders(
		[]string{"1-1", "000000001", "shipped", "1"},
		[]string{"2-3", "000000002", "pending", "1"},
	))}})
	require.NoError(t, err)

	cycle := run.Cycles[0]
	assert.True(t, cycle.DryRun)
	assert.Nil(t, cycle.Apply)
	assert.Equal(t, int64(1), cycle.Summary.New)
	assert.Equal(t, int64(1), cycle.Summary.Changed)

	rows := store.Rows("orders")
	require.Len(t, rows, 1)
	assert.Equal(t, "pending", rows[0]["Order_Status"])
}

func TestRun_DryRunDoesNotCreateTable(t *testing.T) {
	store := memory.New()
	r := newRunner(t, store, Options{DryRun: true})

	run, err := r.Run(context.Background(), []Job{{Source: ordersSource(orders(
		[]string{"1-1", "000000001", "pending", "1"},
	))}})
	require.NoError(t, err)
	assert.False(t, run.Cycles[0].Created)

	exists, err := store.TableExists(context.Background(), "orders")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRun_ExportsBuckets(t *testing.T) {
	store := memory.New()
	store.Seed("orders", orders([]string{"1-1", "000000001", "pending", "1"}))
	dir := filepath.Join(t.TempDir(), "exports")

	r := newRunner(t, store, Options{ExportDir: dir, ExportFormat: "json"})
	run, err := r.Run(context.Background(), []Job{{Source: ordersSource(orders(
		[]string{"1-1", "000000001", "shipped", "1"},
		[]string{"2-3", "000000002", "pending", "1"},
	))}})
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(dir, "orders-new.json"),
		filepath.Join(dir, "orders-changed.json"),
	}, run.Cycles[0].Exports)
	for _, p := range run.Cycles[0].Exports {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}
}

func TestRun_ExportSkipsEmptyBuckets(t *testing.T) {
	dir := t.TempDir()
	r := newRunner(t, memory.New(), Options{ExportDir: dir, ExportFormat: "arrow"})

	run, err := r.Run(context.Background(), []Job{{Source: ordersSource(orders(
		[]string{"1-1", "000000001", "pending", "1"},
	))}})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "orders-new.arrow")}, run.Cycles[0].Exports)
}

func TestRun_SnapshotErrorIsFatal(t *testing.T) {
	gw := &faultyGateway{StoreGateway: memory.New(), schemaErr: errors.New("connection refused")}
	r := newRunner(t, gw, Options{})

	run, err := r.Run(context.Background(), []Job{{Source: ordersSource(orders(
		[]string{"1-1", "000000001", "pending", "1"},
	))}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, metrics.StatusFailed, run.Cycles[0].Status)
}

func TestRun_PartialOnUpsertFailure(t *testing.T) {
	store := memory.New()
	store.Seed("orders", orders([]string{"1-1", "000000001", "pending", "1"}))
	gw := &faultyGateway{StoreGateway: store, upsertErr: errors.New("lock timeout")}

	r := newRunner(t, gw, Options{})
	run, err := r.Run(context.Background(), []Job{{Source: ordersSource(orders(
		[]string{"1-1", "000000001", "shipped", "1"},
		[]string{"2-3", "000000002", "pending", "1"},
	))}})
	require.NoError(t, err)

	cycle := run.Cycles[0]
	assert.Equal(t, metrics.StatusPartial, cycle.Status)
	assert.Equal(t, int64(1), cycle.Apply.Appended)
	assert.Equal(t, int64(1), cycle.Apply.Failed)
	assert.Equal(t, metrics.StatusPartial, run.Status())
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := ordersSource(orders([]string{"1-1", "000000001", "pending", "1"}))
	r := newRunner(t, memory.New(), Options{})
	run, err := r.Run(ctx, []Job{{Source: src}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, run.Cycles)
	assert.Equal(t, 0, src.calls)
}

func TestRun_SavesReport(t *testing.T) {
	reports := &metrics.JSONReportStore{Dir: t.TempDir()}
	opts := Options{Window: testWindow(t), StoreName: "memory", Version: "test"}
	r := NewRunner(memory.New(), reports, opts, zaptest.NewLogger(t))

	run, err := r.Run(context.Background(), []Job{{Source: ordersSource(orders(
		[]string{"1-1", "000000001", "pending", "1"},
	))}})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01..2024-01-31", run.Window)
	assert.False(t, run.EndTime.Before(run.StartTime))

	saved, err := reports.Get(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, metrics.StatusOK, saved.Status())
	assert.Equal(t, "test", saved.Version)
}

func TestRun_OnStage(t *testing.T) {
	var stages []string
	r := newRunner(t, memory.New(), Options{
		Reset:     true,
		ExportDir: t.TempDir(),
		OnStage:   func(_, stage string) { stages = append(stages, stage) },
	})

	_, err := r.Run(context.Background(), []Job{{Source: ordersSource(orders(
		[]string{"1-1", "000000001", "pending", "1"},
	))}})
	require.NoError(t, err)
	assert.Equal(t, []string{StageReset, StageFetch, StageSnapshot, StageClassify, StageExport, StageApply}, stages)
}

func TestRunCycle_CustomTable(t *testing.T) {
	store := memory.New()
	r := newRunner(t, store, Options{Apply: apply.Options{ProgressEvery: 1}})

	cycle, err := r.RunCycle(context.Background(), Job{
		Source: ordersSource(orders([]string{"1-1", "000000001", "pending", "1"})),
		Table:  "sales_lines",
	})
	require.NoError(t, err)
	assert.Equal(t, "sales_lines", cycle.Table)
	assert.Len(t, store.Rows("sales_lines"), 1)
	assert.Empty(t, store.Rows("orders"))
	assert.False(t, cycle.EndTime.Before(cycle.StartTime))
}

// lossyGateway acknowledges updates without storing them.
type lossyGateway struct {
	core.StoreGateway
}

func (g *lossyGateway) UpsertOne(ctx context.Context, table, identity string, rec core.Record) error {
	return nil
}

func TestRun_RecordsSchemaDrift(t *testing.T) {
	store := memory.New()
	store.Seed("orders", core.NewDataset("Line_ID",
		[]string{"Line_ID", "Order_ID", "Order_Status", "Quantity", "Legacy_Code"},
		[]core.Record{{"Line_ID": "1-1", "Order_ID": "000000001", "Order_Status": "pending", "Quantity": "1", "Legacy_Code": "x"}}))

	r := newRunner(t, store, Options{})
	run, err := r.Run(context.Background(), []Job{{Source: ordersSource(orders(
		[]string{"1-1", "000000001", "pending", "1"},
	))}})
	require.NoError(t, err)

	cycle := run.Cycles[0]
	require.NotNil(t, cycle.SchemaDrift)
	assert.Equal(t, []string{"Legacy_Code"}, cycle.SchemaDrift.Missing)
	assert.Empty(t, cycle.SchemaDrift.Added)
}

func TestRun_NoDriftOnFirstSync(t *testing.T) {
	r := newRunner(t, memory.New(), Options{})
	run, err := r.Run(context.Background(), []Job{{Source: ordersSource(orders(
		[]string{"1-1", "000000001", "pending", "1"},
	))}})
	require.NoError(t, err)
	assert.Nil(t, run.Cycles[0].SchemaDrift)
}

func TestRun_RejectsBlankFieldNames(t *testing.T) {
	ds := core.NewDataset("Line_ID", []string{"Line_ID", "Quantity", ""},
		[]core.Record{{"Line_ID": "1-1", "Quantity": "1", "": "x"}})

	r := newRunner(t, memory.New(), Options{})
	run, err := r.Run(context.Background(), []Job{{Source: ordersSource(ds)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid incoming schema")
	assert.Equal(t, metrics.StatusFailed, run.Cycles[0].Status)
}

func TestRun_Verify(t *testing.T) {
	store := memory.New()
	store.Seed("orders", orders([]string{"1-1", "000000001", "pending", "1"}))

	var stages []string
	r := newRunner(t, store, Options{
		Verify:  true,
		OnStage: func(_, stage string) { stages = append(stages, stage) },
	})
	run, err := r.Run(context.Background(), []Job{{Source: ordersSource(orders(
		[]string{"1-1", "000000001", "shipped", "1"},
		[]string{"2-3", "000000002", "pending", "1"},
	))}})
	require.NoError(t, err)

	cycle := run.Cycles[0]
	assert.Equal(t, metrics.StatusOK, cycle.Status)
	require.NotNil(t, cycle.Verification)
	assert.True(t, cycle.Verification.Status)
	assert.Equal(t, int64(2), cycle.Verification.Stored)
	assert.Equal(t, StageVerify, stages[len(stages)-1])
}

func TestRun_VerifyAcceptsReportedFailures(t *testing.T) {
	store := memory.New()
	store.Seed("orders", orders([]string{"1-1", "000000001", "pending", "1"}))
	gw := &faultyGateway{StoreGateway: store, upsertErr: errors.New("lock timeout")}

	r := newRunner(t, gw, Options{Verify: true})
	run, err := r.Run(context.Background(), []Job{{Source: ordersSource(orders(
		[]string{"1-1", "000000001", "shipped", "1"},
	))}})
	require.NoError(t, err)

	cycle := run.Cycles[0]
	assert.Equal(t, metrics.StatusPartial, cycle.Status)
	assert.True(t, cycle.Verification.Status)
	assert.Equal(t, []string{"1-1"}, cycle.Verification.Outstanding)
}

func TestRun_VerifyDetectsLostUpdates(t *testing.T) {
	store := memory.New()
	store.Seed("orders", orders([]string{"1-1", "000000001", "pending", "1"}))

	r := newRunner(t, &lossyGateway{StoreGateway: store}, Options{Verify: true})
	run, err := r.Run(context.Background(), []Job{{Source: ordersSource(orders(
		[]string{"1-1", "000000001", "shipped", "1"},
	))}})
	require.NoError(t, err)

	cycle := run.Cycles[0]
	assert.Equal(t, int64(1), cycle.Apply.Updated)
	assert.Equal(t, metrics.StatusPartial, cycle.Status)
	assert.False(t, cycle.Verification.Status)
	assert.Equal(t, []string{"1-1"}, cycle.Verification.Unexpected)
}
