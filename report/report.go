// Package report renders run reports as JSON and HTML.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"time"

	"github.com/TFMV/m2sync/metrics"
)

// -----------------------------
// Report Generator Interfaces
// -----------------------------

// ReportGenerator defines the methods for generating reports.
type ReportGenerator interface {
	GenerateRunReport(run *metrics.RunReport) ([]byte, error)
	GenerateAlertNotification(run *metrics.RunReport) ([]byte, error)
	SaveReportToFile(run *metrics.RunReport, filePath string) error
}

// NeedsAlert reports whether a run ended partial or failed.
func NeedsAlert(run *metrics.RunReport) bool {
	s := run.Status()
	return s == metrics.StatusPartial || s == metrics.StatusFailed
}

// -----------------------------
// JSON Report Generator
// -----------------------------

// JSONReportGenerator generates JSON reports.
type JSONReportGenerator struct{}

// GenerateRunReport serializes the run with its totals.
func (j *JSONReportGenerator) GenerateRunReport(run *metrics.RunReport) ([]byte, error) {
	return json.MarshalIndent(struct {
		*metrics.RunReport
		Status metrics.Status    `json:"status"`
		Totals metrics.RunTotals `json:"totals"`
	}{run, run.Status(), run.Totals()}, "", "  ")
}

// GenerateAlertNotification lists the cycles that did not complete cleanly.
func (j *JSONReportGenerator) GenerateAlertNotification(run *metrics.RunReport) ([]byte, error) {
	type failedCycle struct {
		DataType string         `json:"data_type"`
		Status   metrics.Status `json:"status"`
		Failed   int64          `json:"failed"`
		Error    string         `json:"error,omitempty"`
	}
	cycles := []failedCycle{}
	for _, c := range run.Cycles {
		if c.Status != metrics.StatusPartial && c.Status != metrics.StatusFailed {
			continue
		}
		fc := failedCycle{DataType: c.DataType, Status: c.Status, Error: c.Error}
		if c.Apply != nil {
			fc.Failed = c.Apply.Failed
			if fc.Error == "" {
				fc.Error = c.Apply.AppendError
			}
		}
		cycles = append(cycles, fc)
	}

	alert := map[string]any{
		"alert":     "Sync incomplete",
		"run_id":    run.RunID,
		"status":    run.Status(),
		"cycles":    cycles,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	return json.MarshalIndent(alert, "", "  ")
}

// SaveReportToFile saves the JSON report to a file.
func (j *JSONReportGenerator) SaveReportToFile(run *metrics.RunReport, filePath string) error {
	data, err := j.GenerateRunReport(run)
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0o644)
}

// -----------------------------
// HTML Report Generator
// -----------------------------

// HTMLReportGenerator generates HTML reports.
type HTMLReportGenerator struct{}

const htmlTemplate = `
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Sync Report {{.RunID}}</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        table { width: 100%; border-collapse: collapse; margin-top: 20px; }
        th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
        th { background-color: #f4f4f4; }
        .status-ok { color: green; }
        .status-partial { color: darkorange; }
        .status-failed { color: red; }
        .status-no_data { color: gray; }
    </style>
</head>
<body>
    <h1>Sync Report</h1>
    <p><strong>Run:</strong> {{.RunID}}</p>
    <p><strong>Store:</strong> {{.Store}}</p>
    <p><strong>Window:</strong> {{.Window}}</p>
    <p><strong>Started:</strong> {{.StartTime.Format "2006-01-02 15:04:05"}}</p>
    <p><strong>Duration:</strong> {{.Duration}}</p>
    <p><strong>Status:</strong> <span class="status-{{.Status}}">{{.Status}}</span></p>

    <h2>Data Types</h2>
    <table>
        <tr>
            <th>Data Type</th>
            <th>Table</th>
            <th>Incoming</th>
            <th>New</th>
            <th>Changed</th>
            <th>Unchanged</th>
            <th>Appended</th>
            <th>Updated</th>
            <th>Failed</th>
            <th>Status</th>
        </tr>
        {{range .Cycles}}
        <tr>
            <td>{{.DataType}}{{if .DryRun}} (dry run){{end}}</td>
            <td>{{.Table}}</td>
            <td>{{.Summary.Incoming}}</td>
            <td>{{.Summary.New}}</td>
            <td>{{.Summary.Changed}}</td>
            <td>{{.Summary.Unchanged}}</td>
            <td>{{with .Apply}}{{.Appended}}{{else}}-{{end}}</td>
            <td>{{with .Apply}}{{.Updated}}{{else}}-{{end}}</td>
            <td>{{with .Apply}}{{.Failed}}{{else}}-{{end}}</td>
            <td class="status-{{.Status}}">{{.Status}}</td>
        </tr>
        {{end}}
    </table>

    {{range .Cycles}}{{if or .Error (and .Apply .Apply.Failures)}}
    <h3>{{.DataType}} errors</h3>
    <ul>
        {{if .Error}}<li>{{.Error}}</li>{{end}}
        {{with .Apply}}{{range .Failures}}<li>{{.Bucket}} {{.Identity}}: {{.Error}}</li>{{end}}{{end}}
    </ul>
    {{end}}{{end}}

    {{range .Cycles}}{{if or .SchemaDrift .Verification}}
    <h3>{{.DataType}} checks</h3>
    <ul>
        {{with .SchemaDrift}}<li>Schema drift: {{.}}</li>{{end}}
        {{with .Verification}}<li>Verification {{if .Status}}passed{{else}}failed{{end}}: {{.Stored}} stored, {{len .Outstanding}} outstanding, {{len .Unexpected}} unexpected</li>{{end}}
    </ul>
    {{end}}{{end}}

    <footer>
        <p>Generated on {{.EndTime.Format "2006-01-02 15:04:05"}}</p>
    </footer>
</body>
</html>
`

var runTemplate = template.Must(template.New("report").Parse(htmlTemplate))

// GenerateRunReport renders the run as an HTML page.
func (h *HTMLReportGenerator) GenerateRunReport(run *metrics.RunReport) ([]byte, error) {
	var buf bytes.Buffer
	if err := runTemplate.Execute(&buf, run); err != nil {
		return nil, fmt.Errorf("failed to render report: %w", err)
	}
	return buf.Bytes(), nil
}

// GenerateAlertNotification generates an HTML alert.
func (h *HTMLReportGenerator) GenerateAlertNotification(run *metrics.RunReport) ([]byte, error) {
	alertHTML := fmt.Sprintf(
		`<html><body><h3>Sync incomplete</h3><p>Run %s finished with status %s.</p></body></html>`,
		template.HTMLEscapeString(run.RunID),
		template.HTMLEscapeString(string(run.Status())),
	)
	return []byte(alertHTML), nil
}

// SaveReportToFile saves the HTML report to a file.
func (h *HTMLReportGenerator) SaveReportToFile(run *metrics.RunReport, filePath string) error {
	data, err := h.GenerateRunReport(run)
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0o644)
}

// SaveReports saves both JSON and HTML reports.
func SaveReports(run *metrics.RunReport, jsonPath, htmlPath string) error {
	jsonGen := JSONReportGenerator{}
	htmlGen := HTMLReportGenerator{}

	if err := jsonGen.SaveReportToFile(run, jsonPath); err != nil {
		return err
	}
	return htmlGen.SaveReportToFile(run, htmlPath)
}

// ReportFromFilePath loads a run report written by JSONReportGenerator or
// metrics.JSONReportStore.
func ReportFromFilePath(filePath string) (*metrics.RunReport, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var run metrics.RunReport
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filePath, err)
	}
	return &run, nil
}
