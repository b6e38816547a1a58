// 本文件用于离线运行管理命令入口
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"simvue-integrations/internal/tracker"
)

const (
	exitCodeOK       = 0
	exitCodeUsage    = 1
	exitCodeStoreErr = 2
	exitCodeDegraded = 3
)

const commandTimeout = 30 * time.Second

type cliOptions struct {
	dir    string
	action string
	runID  string
	format string
}

type runReport struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Folder    string   `json:"folder"`
	Status    string   `json:"status"`
	Aborted   bool     `json:"aborted"`
	Events    int      `json:"events"`
	Metrics   int      `json:"metrics"`
	Files     int      `json:"files"`
	Alerts    []string `json:"alerts"`
	CreatedAt string   `json:"createdAt"`
}

type listReport struct {
	Action string      `json:"action"`
	Store  string      `json:"store"`
	Total  int         `json:"total"`
	Runs   []runReport `json:"runs"`
}

func main() {
	os.Exit(runWithArgs(os.Args[1:], os.Stdout, os.Stderr))
}

func runWithArgs(args []string, stdout io.Writer, stderr io.Writer) int {
	options, err := parseOptions(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "run-admin 参数错误: %v\n", err)
		return exitCodeUsage
	}
	code, err := execute(options, stdout)
	if err == nil {
		return code
	}
	fmt.Fprintf(stderr, "run-admin 执行失败: %v\n", err)
	return code
}

func parseOptions(args []string, stderr io.Writer) (cliOptions, error) {
	fs := flag.NewFlagSet("run-admin", flag.ContinueOnError)
	fs.SetOutput(stderr)

	dir := fs.String("dir", "data/offline", "离线运行目录")
	action := fs.String("action", "list", "操作类型：list|abort|doctor")
	runID := fs.String("run", "", "运行 ID，action=abort 时必填")
	format := fs.String("format", "text", "输出格式：text|json，仅 list 生效")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "用法：run-admin -action <list|abort|doctor> [-run <id>] [-dir <path>] [-format <text|json>]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}

	options := cliOptions{
		dir:    strings.TrimSpace(*dir),
		action: strings.ToLower(strings.TrimSpace(*action)),
		runID:  strings.TrimSpace(*runID),
		format: strings.ToLower(strings.TrimSpace(*format)),
	}
	if options.dir == "" {
		fs.Usage()
		return cliOptions{}, fmt.Errorf("-dir 不能为空")
	}
	if options.format != "text" && options.format != "json" {
		fs.Usage()
		return cliOptions{}, fmt.Errorf("不支持的 format: %s", options.format)
	}

	switch options.action {
	case "list", "abort", "doctor":
		if options.action == "abort" && options.runID == "" {
			fs.Usage()
			return cliOptions{}, fmt.Errorf("abort 操作必须传入 -run")
		}
		return options, nil
	default:
		fs.Usage()
		return cliOptions{}, fmt.Errorf("不支持的 action: %s", options.action)
	}
}

func execute(options cliOptions, stdout io.Writer) (int, error) {
	store, err := tracker.OpenOfflineStore(options.dir)
	if err != nil {
		return exitCodeStoreErr, err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch options.action {
	case "list":
		return handleList(ctx, store, options.format, stdout)
	case "abort":
		if err := store.RequestAbort(ctx, options.runID); err != nil {
			return exitCodeStoreErr, err
		}
		fmt.Fprintf(stdout, "abort requested: %s\n", options.runID)
		return exitCodeOK, nil
	case "doctor":
		return handleDoctor(ctx, store, stdout)
	default:
		return exitCodeUsage, fmt.Errorf("不支持的 action: %s", options.action)
	}
}

func handleList(ctx context.Context, store *tracker.OfflineStore, format string, stdout io.Writer) (int, error) {
	runs, err := store.ListRuns(ctx)
	if err != nil {
		return exitCodeStoreErr, err
	}
	report := listReport{Action: "list", Store: store.Path(), Total: len(runs), Runs: make([]runReport, 0, len(runs))}
	for _, run := range runs {
		alerts := run.Alerts
		if alerts == nil {
			alerts = []string{}
		}
		report.Runs = append(report.Runs, runReport{
			ID:        run.ID,
			Name:      run.Name,
			Folder:    run.Folder,
			Status:    run.Status,
			Aborted:   run.Aborted,
			Events:    run.Events,
			Metrics:   run.Metrics,
			Files:     run.Files,
			Alerts:    alerts,
			CreatedAt: run.CreatedAt,
		})
	}
	if format == "json" {
		encoder := json.NewEncoder(stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(report); err != nil {
			return exitCodeStoreErr, err
		}
		return exitCodeOK, nil
	}
	fmt.Fprintf(stdout, "runs: %d\n", report.Total)
	for index, run := range report.Runs {
		abortMark := ""
		if run.Aborted {
			abortMark = " abort=requested"
		}
		fmt.Fprintf(stdout, "%d. %s name=%s folder=%s status=%s events=%d metrics=%d files=%d alerts=%s%s\n",
			index+1, run.ID, run.Name, run.Folder, run.Status, run.Events, run.Metrics, run.Files,
			strings.Join(run.Alerts, ","), abortMark)
	}
	return exitCodeOK, nil
}

func handleDoctor(ctx context.Context, store *tracker.OfflineStore, stdout io.Writer) (int, error) {
	storeSizeBytes := int64(0)
	storeModTime := "-"
	if info, err := os.Stat(store.Path()); err == nil {
		storeSizeBytes = info.Size()
		storeModTime = info.ModTime().UTC().Format(time.RFC3339)
	} else if !os.IsNotExist(err) {
		return exitCodeStoreErr, fmt.Errorf("读取离线数据库状态失败: %w", err)
	}
	integrity, err := store.IntegrityCheck(ctx)
	if err != nil {
		return exitCodeStoreErr, err
	}
	runs, err := store.ListRuns(ctx)
	if err != nil {
		return exitCodeStoreErr, err
	}

	byStatus := make(map[string]int)
	pendingAbort := 0
	for _, run := range runs {
		byStatus[run.Status]++
		if run.Aborted && run.Status == tracker.StatusRunning {
			pendingAbort++
		}
	}
	statuses := make([]string, 0, len(byStatus))
	for status := range byStatus {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)

	fmt.Fprintln(stdout, "doctor report")
	fmt.Fprintf(stdout, "store=%s\n", store.Path())
	fmt.Fprintf(stdout, "storeSizeBytes=%d\n", storeSizeBytes)
	fmt.Fprintf(stdout, "storeModTime=%s\n", storeModTime)
	fmt.Fprintf(stdout, "runsTotal=%d\n", len(runs))
	for _, status := range statuses {
		fmt.Fprintf(stdout, "runs.%s=%d\n", status, byStatus[status])
	}
	fmt.Fprintf(stdout, "pendingAbort=%d\n", pendingAbort)
	fmt.Fprintf(stdout, "integrity=%s\n", integrity)
	if integrity != "ok" {
		fmt.Fprintln(stdout, "status=degraded")
		return exitCodeDegraded, nil
	}
	fmt.Fprintln(stdout, "status=ok")
	return exitCodeOK, nil
}
