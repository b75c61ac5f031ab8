package audit

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/bardlex/poolaudit/pkg/errors"
)

// Report file names
const (
	JSONReportFile  = "pool_audit.json"
	AuditReportFile = "pool_audit.md"
	RiskReportFile  = "risk_assessment.md"
)

// MarshalJSON encodes the result with two-space indentation
func MarshalJSON(r *Result) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "marshal_result", "failed to encode result")
	}
	return data, nil
}

// WriteJSON writes the indented JSON report to w
func WriteJSON(w io.Writer, r *Result) error {
	data, err := MarshalJSON(r)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// WriteReports renders all three reports into dir and returns their paths.
// Every report is attempted even if an earlier one fails.
func WriteReports(dir string, r *Result) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "write_reports", "failed to create output directory").
			WithContext("dir", dir)
	}

	renderers := []struct {
		name   string
		render func(io.Writer, *Result) error
	}{
		{JSONReportFile, WriteJSON},
		{AuditReportFile, RenderAuditMarkdown},
		{RiskReportFile, RenderRiskMarkdown},
	}

	var written []string
	var firstErr error
	for _, rr := range renderers {
		path := filepath.Join(dir, rr.name)
		if err := writeFile(path, r, rr.render); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written = append(written, path)
	}
	return written, firstErr
}

func writeFile(path string, r *Result, render func(io.Writer, *Result) error) error {
	var buf bytes.Buffer
	if err := render(&buf, r); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "render_report", "failed to render "+filepath.Base(path))
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "write_report", "failed to write "+path)
	}
	return nil
}
