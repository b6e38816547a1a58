// 本文件用于告警定义校验命令的测试用例
package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"simvue-integrations/internal/validators"
)

const definitions = `alert_definitions:
  loss_too_high:
    source: metrics
    metric: loss
    rule: is above
    threshold: 2
    frequency: 1
    window: 1
  step_not_converged:
    source: events
    frequency: 1
    pattern: " Solve Did NOT Converge!"
`

const brokenDefinitions = `alert_definitions:
  no_metric:
    source: metrics
    rule: is above
    threshold: 2
    frequency: 1
    window: 1
  manual:
    source: user
`

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alerts.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write yaml failed: %v", err)
	}
	return path
}

func TestRunWithArgs_ValidDefinitions(t *testing.T) {
	path := writeYAML(t, definitions)
	var stdout, stderr bytes.Buffer

	code := runWithArgs([]string{"-file", path}, &stdout, &stderr)
	if code != exitCodeOK {
		t.Fatalf("exit code expected %d, got %d, stderr=%s", exitCodeOK, code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "status=ok alerts=2") {
		t.Fatalf("stdout expected status=ok, got: %s", stdout.String())
	}
}

func TestRunWithArgs_InvalidDefinitionsJSON(t *testing.T) {
	path := writeYAML(t, brokenDefinitions)
	var stdout, stderr bytes.Buffer

	code := runWithArgs([]string{"-file", path, "-format", "json"}, &stdout, &stderr)
	if code != exitCodeInvalid {
		t.Fatalf("exit code expected %d, got %d", exitCodeInvalid, code)
	}
	var report checkReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("json unmarshal failed: %v, raw=%s", err, stdout.String())
	}
	if report.Status != "invalid" || len(report.Alerts) != 2 {
		t.Fatalf("report unexpected: %+v", report)
	}
	if report.Alerts[0].Name != "manual" || !report.Alerts[0].Valid {
		t.Fatalf("valid alert should still be reported: %+v", report.Alerts[0])
	}
	broken := report.Alerts[1]
	if broken.Valid || len(broken.Violations) != 1 {
		t.Fatalf("expected exactly one violation: %+v", broken)
	}
	if broken.Violations[0].Field != "metric" || broken.Violations[0].Kind != validators.KindMissingRequired {
		t.Fatalf("violation unexpected: %+v", broken.Violations[0])
	}
}

func TestRunWithArgs_TextListsViolations(t *testing.T) {
	path := writeYAML(t, brokenDefinitions)
	var stdout, stderr bytes.Buffer

	code := runWithArgs([]string{"-file", path}, &stdout, &stderr)
	if code != exitCodeInvalid {
		t.Fatalf("exit code expected %d, got %d", exitCodeInvalid, code)
	}
	if !strings.Contains(stdout.String(), "invalid no_metric") || !strings.Contains(stdout.String(), "'metric'") {
		t.Fatalf("stdout should list violations, got: %s", stdout.String())
	}
}

func TestRunWithArgs_EmptyDefinitionReportedPerAlert(t *testing.T) {
	path := writeYAML(t, "alert_definitions:\n  placeholder:\n  manual:\n    source: user\n")
	var stdout, stderr bytes.Buffer

	code := runWithArgs([]string{"-file", path, "-format", "json"}, &stdout, &stderr)
	if code != exitCodeInvalid {
		t.Fatalf("exit code expected %d, got %d, stderr=%s", exitCodeInvalid, code, stderr.String())
	}
	var report checkReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("json unmarshal failed: %v, raw=%s", err, stdout.String())
	}
	if len(report.Alerts) != 2 || !report.Alerts[0].Valid {
		t.Fatalf("other alerts should still be reported: %+v", report)
	}
	empty := report.Alerts[1]
	if empty.Name != "placeholder" || empty.Valid || len(empty.Violations) != 1 {
		t.Fatalf("empty definition report unexpected: %+v", empty)
	}
	if empty.Violations[0].Field != "source" || empty.Violations[0].Kind != validators.KindMissingRequired {
		t.Fatalf("violation unexpected: %+v", empty.Violations[0])
	}
}

func TestRunWithArgs_RootDefinitions(t *testing.T) {
	path := writeYAML(t, "manual:\n  source: user\n")
	var stdout, stderr bytes.Buffer
	if code := runWithArgs([]string{"-file", path, "-key", ""}, &stdout, &stderr); code != exitCodeOK {
		t.Fatalf("exit code expected %d, got %d, stderr=%s", exitCodeOK, code, stderr.String())
	}
}

func TestRunWithArgs_Errors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := runWithArgs([]string{"-format", "xml"}, &stdout, &stderr); code != exitCodeUsage {
		t.Fatalf("unsupported format expected %d, got %d", exitCodeUsage, code)
	}
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	if code := runWithArgs([]string{"-file", missing}, &stdout, &stderr); code != exitCodeReadErr {
		t.Fatalf("missing file expected %d, got %d", exitCodeReadErr, code)
	}
	path := writeYAML(t, "other: 1\n")
	if code := runWithArgs([]string{"-file", path}, &stdout, &stderr); code != exitCodeReadErr {
		t.Fatalf("missing key expected %d, got %d", exitCodeReadErr, code)
	}
}
