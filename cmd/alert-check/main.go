// 本文件用于告警定义校验命令入口
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"simvue-integrations/internal/validators"
)

const (
	exitCodeOK      = 0
	exitCodeUsage   = 1
	exitCodeReadErr = 2
	exitCodeInvalid = 3
)

type cliOptions struct {
	file   string
	key    string
	format string
}

type alertReport struct {
	Name       string                 `json:"name"`
	Valid      bool                   `json:"valid"`
	Violations []validators.Violation `json:"violations,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

type checkReport struct {
	File   string        `json:"file"`
	Status string        `json:"status"`
	Alerts []alertReport `json:"alerts"`
}

func main() {
	os.Exit(runWithArgs(os.Args[1:], os.Stdout, os.Stderr))
}

func runWithArgs(args []string, stdout io.Writer, stderr io.Writer) int {
	options, err := parseOptions(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "alert-check 参数错误: %v\n", err)
		return exitCodeUsage
	}
	code, err := execute(options, stdout)
	if err == nil {
		return code
	}
	fmt.Fprintf(stderr, "alert-check 执行失败: %v\n", err)
	return code
}

func parseOptions(args []string, stderr io.Writer) (cliOptions, error) {
	fs := flag.NewFlagSet("alert-check", flag.ContinueOnError)
	fs.SetOutput(stderr)

	file := fs.String("file", "config.yaml", "包含告警定义的 YAML 文件")
	key := fs.String("key", "alert_definitions", "告警定义所在的顶层键，为空时整个文件即为定义")
	format := fs.String("format", "text", "输出格式：text|json")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "用法：alert-check [-file <path>] [-key <name>] [-format <text|json>]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}
	options := cliOptions{
		file:   strings.TrimSpace(*file),
		key:    strings.TrimSpace(*key),
		format: strings.ToLower(strings.TrimSpace(*format)),
	}
	if options.file == "" {
		fs.Usage()
		return cliOptions{}, fmt.Errorf("-file 不能为空")
	}
	if options.format != "text" && options.format != "json" {
		fs.Usage()
		return cliOptions{}, fmt.Errorf("不支持的 format: %s", options.format)
	}
	return options, nil
}

func execute(options cliOptions, stdout io.Writer) (int, error) {
	defs, err := readDefinitions(options.file, options.key)
	if err != nil {
		return exitCodeReadErr, err
	}
	report := buildReport(options.file, defs)
	if options.format == "json" {
		encoder := json.NewEncoder(stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(report); err != nil {
			return exitCodeReadErr, err
		}
	} else {
		printText(stdout, report)
	}
	if report.Status != "ok" {
		return exitCodeInvalid, nil
	}
	return exitCodeOK, nil
}

// readDefinitions 读取告警定义 YAML 映射的键统一转换为字符串
func readDefinitions(path, key string) (map[string]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}
	var root map[string]interface{}
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("解析 YAML 失败: %w", err)
	}
	section := any(root)
	if key != "" {
		value, ok := root[key]
		if !ok {
			return nil, fmt.Errorf("文件中没有 %s", key)
		}
		section = value
	}
	entries, ok := normalize(section).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("告警定义必须是映射")
	}
	defs := make(map[string]map[string]any, len(entries))
	for name, value := range entries {
		// 只写了名称的告警按空定义处理 由校验报告缺少的字段
		if value == nil {
			defs[name] = map[string]any{}
			continue
		}
		def, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("告警 %s 的定义必须是映射", name)
		}
		defs[name] = def
	}
	return defs, nil
}

// normalize 把 yaml.v2 产生的 map[interface{}]interface{} 转成 map[string]any
func normalize(value any) any {
	switch v := value.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = normalize(item)
		}
		return out
	case []interface{}:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalize(item)
		}
		return out
	}
	return value
}

// buildReport 逐条校验 一条失败不影响其余告警
func buildReport(file string, defs map[string]map[string]any) checkReport {
	report := checkReport{File: file, Status: "ok", Alerts: []alertReport{}}
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, err := validators.ValidateAlertDefinitions(map[string]map[string]any{name: defs[name]})
		item := alertReport{Name: name, Valid: err == nil}
		if err != nil {
			report.Status = "invalid"
			var validation *validators.ValidationError
			if errors.As(err, &validation) {
				item.Violations = validation.Violations
			} else {
				item.Error = err.Error()
			}
		}
		report.Alerts = append(report.Alerts, item)
	}
	return report
}

func printText(stdout io.Writer, report checkReport) {
	for _, alert := range report.Alerts {
		if alert.Valid {
			fmt.Fprintf(stdout, "ok      %s\n", alert.Name)
			continue
		}
		fmt.Fprintf(stdout, "invalid %s\n", alert.Name)
		for _, violation := range alert.Violations {
			fmt.Fprintf(stdout, "  - %s\n", violation.String())
		}
		if alert.Error != "" {
			fmt.Fprintf(stdout, "  - %s\n", alert.Error)
		}
	}
	fmt.Fprintf(stdout, "status=%s alerts=%d file=%s\n", report.Status, len(report.Alerts), report.File)
}
