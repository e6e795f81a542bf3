package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/briandowns/spinner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/m2sync/logger"
	"github.com/TFMV/m2sync/metrics"
)

type testEnv struct {
	dir     string
	config  string
	reports string
}

func setup(t *testing.T, csv string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Cleanup(logger.ResetLogger)

	csvPath := filepath.Join(dir, "products.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(csv), 0o644))

	env := &testEnv{
		dir:     dir,
		config:  filepath.Join(dir, "m2sync.yaml"),
		reports: filepath.Join(dir, "reports"),
	}
	body := fmt.Sprintf(`
store:
  kind: sqlite
  path: %s
data_types:
  - name: products
    identity: sku
    source: file
    file: %s
    format: csv
reports:
  dir: %s
log:
  file: %s
  level: warn
`, filepath.Join(dir, "m2sync.db"), csvPath, env.reports, filepath.Join(dir, "m2sync.log"))
	require.NoError(t, os.WriteFile(env.config, []byte(body), 0o644))
	return env
}

func executeCommand(args ...string) (string, error) {
	return executeCommandContext(context.Background(), args...)
}

func executeCommandContext(ctx context.Context, args ...string) (string, error) {
	rootCmd := newRootCommand()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	return buf.String(), err
}

const productsCSV = "sku,name,price\nA1,Widget,9.5\nB2,Gadget,12\n"

func TestCLI_Help(t *testing.T) {
	output, err := executeCommand("--help")
	require.NoError(t, err)
	assert.Contains(t, output, "Usage:")
	for _, sub := range []string{"sync", "tables", "serve", "version"} {
		assert.Contains(t, output, sub)
	}
}

func TestCLI_Version(t *testing.T) {
	output, err := executeCommand("version")
	require.NoError(t, err)
	assert.Contains(t, output, "m2sync")
}

func TestCLI_SyncTwice(t *testing.T) {
	env := setup(t, productsCSV)

	output, err := executeCommand("sync", "--config", env.config, "--from", "2024-01-01", "--to", "2024-01-31", "--no-spinner")
	require.NoError(t, err, output)
	assert.Contains(t, output, "2024-01-01..2024-01-31")
	assert.Regexp(t, `products\s+products\s+2\s+2\s+0\s+0\s+2\s+0\s+0\s+ok`, output)

	output, err = executeCommand("sync", "--config", env.config, "--no-spinner")
	require.NoError(t, err, output)
	assert.Regexp(t, `products\s+products\s+2\s+0\s+0\s+2\s+0\s+0\s+0\s+ok`, output)

	runs, err := (&metrics.JSONReportStore{Dir: env.reports}).List(context.Background())
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestCLI_SyncUpdatesChanged(t *testing.T) {
	env := setup(t, productsCSV)

	_, err := executeCommand("sync", "--config", env.config, "--no-spinner")
	require.NoError(t, err)

	changed := "sku,name,price\nA1,Widget,9.75\nB2,Gadget,12\nC3,Gizmo,3\n"
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "products.csv"), []byte(changed), 0o644))

	output, err := executeCommand("sync", "--config", env.config, "--no-spinner")
	require.NoError(t, err, output)
	assert.Regexp(t, `products\s+products\s+3\s+1\s+1\s+1\s+1\s+1\s+0\s+ok`, output)
}

func TestCLI_SyncDryRunAndExport(t *testing.T) {
	env := setup(t, productsCSV)
	exportDir := filepath.Join(env.dir, "exports")
	htmlPath := filepath.Join(env.dir, "run.html")

	output, err := executeCommand("sync", "--config", env.config, "--no-spinner",
		"--dry-run", "--export-dir", exportDir, "--export-format", "parquet", "--html", htmlPath)
	require.NoError(t, err, output)

	_, err = os.Stat(filepath.Join(exportDir, "products-new.parquet"))
	assert.NoError(t, err)
	_, err = os.Stat(htmlPath)
	assert.NoError(t, err)

	output, err = executeCommand("tables", "--config", env.config)
	require.NoError(t, err)
	assert.Regexp(t, `products\s+products\s+sku\s+no`, output)
}

func TestCLI_SyncVerify(t *testing.T) {
	env := setup(t, productsCSV)

	output, err := executeCommand("sync", "--config", env.config, "--no-spinner", "--verify")
	require.NoError(t, err, output)
	assert.Regexp(t, `products\s+products\s+2\s+2\s+0\s+0\s+2\s+0\s+0\s+ok`, output)

	runs, err := (&metrics.JSONReportStore{Dir: env.reports}).List(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].Cycles[0].Verification)
	assert.True(t, runs[0].Cycles[0].Verification.Status)
}

func TestCLI_Tables(t *testing.T) {
	env := setup(t, productsCSV)

	_, err := executeCommand("sync", "--config", env.config, "--no-spinner")
	require.NoError(t, err)

	output, err := executeCommand("tables", "--config", env.config)
	require.NoError(t, err)
	assert.Contains(t, output, "EXISTS")
	assert.Regexp(t, `products\s+products\s+sku\s+yes\s+3`, output)
}

func TestCLI_SyncErrors(t *testing.T) {
	env := setup(t, productsCSV)

	_, err := executeCommand("sync", "--config", env.config, "--only", "invoices")
	assert.ErrorContains(t, err, "not configured")

	_, err = executeCommand("sync", "--config", env.config, "--from", "2024-13-01")
	assert.ErrorContains(t, err, "YYYY-MM-DD")

	_, err = executeCommand("sync", "--config", env.config, "--from", "2024-02-01", "--to", "2024-01-01")
	assert.Error(t, err)

	_, err = executeCommand("sync", "--config", filepath.Join(env.dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestCLI_SyncRequiresMagentoCredentials(t *testing.T) {
	env := setup(t, productsCSV)
	body := fmt.Sprintf("store:\n  kind: memory\nreports:\n  dir: %s\nlog:\n  file: %s\n",
		env.reports, filepath.Join(env.dir, "m2sync.log"))
	require.NoError(t, os.WriteFile(env.config, []byte(body), 0o644))

	_, err := executeCommand("sync", "--config", env.config, "--no-spinner", "--only", "orders")
	assert.ErrorContains(t, err, "magento.base_url")
}

func TestCLI_SyncBadCSVReportsFailure(t *testing.T) {
	env := setup(t, "sku,name\nA1,Widget\nA1,Duplicate\n")

	output, err := executeCommand("sync", "--config", env.config, "--no-spinner")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate identity")
	assert.Contains(t, output, "failed")
}

func TestCLI_Serve(t *testing.T) {
	env := setup(t, productsCSV)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := executeCommandContext(ctx, "serve", "--config", env.config, "--port", "0")
		errCh <- err
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestResolveWindow(t *testing.T) {
	now := time.Date(2024, 5, 17, 15, 0, 0, 0, time.UTC)

	w, err := resolveWindow("", "", now)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-17..2024-05-17", w.String())

	w, err = resolveWindow("2024-05-01", "", now)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01..2024-05-17", w.String())

	_, err = resolveWindow("2024-06-01", "", now)
	assert.Error(t, err)
}

func TestStdinPrompt(t *testing.T) {
	var out bytes.Buffer
	prompt := stdinPrompt(strings.NewReader(" 123456 \n"), &out)

	otp, err := prompt(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "123456", otp)
	assert.Contains(t, out.String(), "OTP")

	_, err = stdinPrompt(strings.NewReader(""), &out)(context.Background())
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stdinPrompt(strings.NewReader("1\n"), &out)(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSelectDataTypes(t *testing.T) {
	env := setup(t, productsCSV)
	a := &app{configPath: env.config}
	require.NoError(t, a.load())

	all, err := selectDataTypes(a.cfg, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = selectDataTypes(a.cfg, []string{"orders"})
	assert.Error(t, err)
}

func TestSpinnerStatus(t *testing.T) {
	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(io.Discard))
	status := &spinnerStatus{sp: sp}

	status.stage("orders", "fetch")
	assert.Equal(t, " orders: fetch", sp.Suffix)

	status.progress(40, 120)
	assert.Equal(t, " orders: apply 40/120", sp.Suffix)

	status.stage("customers", "apply")
	status.progress(1, 2)
	assert.Equal(t, " customers: apply 1/2", sp.Suffix)
}
