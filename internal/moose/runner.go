package moose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"simvue-integrations/internal/logger"
	"simvue-integrations/internal/process"
	"simvue-integrations/internal/tailer"
	"simvue-integrations/internal/tracker"
	"simvue-integrations/internal/validators"
)

// StepAlertName 时间步不收敛告警
const StepAlertName = "step_not_converged"

// LaunchOptions 启动一次 MOOSE 仿真所需的参数
type LaunchOptions struct {
	ApplicationPath string
	InputFile       string
	// OutputDir 与 ResultsPrefix 为空时取输入文件 Outputs/file_base
	OutputDir     string
	ResultsPrefix string
	EnvVars       map[string]any
	PollInterval  time.Duration
	TailInterval  time.Duration
	Stdout        io.Writer
	Stderr        io.Writer
}

// StepAlert 返回时间步不收敛的事件告警
func StepAlert() (*validators.AlertSpec, error) {
	return validators.NewAlertSpec(map[string]any{
		"name":         StepAlertName,
		"source":       validators.SourceEvents,
		"frequency":    1,
		"pattern":      nonConvergedText,
		"notification": validators.NotificationEmail,
	})
}

// Runner 把一次仿真的日志和结果写入运行
type Runner struct {
	run  tracker.Run
	opts LaunchOptions

	mu         sync.Mutex
	header     []string
	headerDone bool
	stepStart  time.Time
	finished   bool
	csv        CSVRecorder
}

// NewRunner 校验启动参数 输出位置缺省时从输入文件推断
func NewRunner(run tracker.Run, opts LaunchOptions) (*Runner, InputSummary, error) {
	if run == nil {
		return nil, InputSummary{}, fmt.Errorf("运行不能为空")
	}
	for name, p := range map[string]string{"MOOSE 程序": opts.ApplicationPath, "输入文件": opts.InputFile} {
		info, err := os.Stat(p)
		if err != nil {
			return nil, InputSummary{}, fmt.Errorf("%s %q 不可用: %w", name, p, err)
		}
		if info.IsDir() {
			return nil, InputSummary{}, fmt.Errorf("%s %q 是目录", name, p)
		}
	}
	summary, err := readInput(opts.InputFile)
	if err != nil {
		return nil, InputSummary{}, err
	}
	if opts.OutputDir == "" {
		opts.OutputDir = summary.OutputDir
		if opts.OutputDir != "" && !filepath.IsAbs(opts.OutputDir) {
			opts.OutputDir = filepath.Join(filepath.Dir(opts.InputFile), opts.OutputDir)
		}
	}
	if opts.ResultsPrefix == "" {
		opts.ResultsPrefix = summary.ResultsPrefix
	}
	if opts.OutputDir == "" || opts.ResultsPrefix == "" {
		return nil, InputSummary{}, fmt.Errorf("未指定结果目录或文件前缀，且输入文件中没有 Outputs/file_base")
	}
	return &Runner{run: run, opts: opts}, summary, nil
}

func readInput(inputFile string) (InputSummary, error) {
	file, err := os.Open(inputFile)
	if err != nil {
		return InputSummary{}, fmt.Errorf("打开输入文件失败: %w", err)
	}
	defer file.Close()
	prefix := strings.TrimSuffix(filepath.Base(inputFile), filepath.Ext(inputFile))
	return ParseInput(file, prefix)
}

// LogPath 控制台日志文件路径
func (r *Runner) LogPath() string {
	return filepath.Join(r.opts.OutputDir, r.opts.ResultsPrefix+".txt")
}

// CSVPath Postprocessor 结果文件路径
func (r *Runner) CSVPath() string {
	return filepath.Join(r.opts.OutputDir, r.opts.ResultsPrefix+".csv")
}

// ExodusPath 最终结果文件路径
func (r *Runner) ExodusPath() string {
	return filepath.Join(r.opts.OutputDir, r.opts.ResultsPrefix+".e")
}

// Launch 依次保存输入文件 创建告警 启动仿真并跟踪输出
// 仿真输出 Finished Executing 后上传 exodus 结果
func Launch(ctx context.Context, run tracker.Run, opts LaunchOptions) error {
	runner, summary, err := NewRunner(run, opts)
	if err != nil {
		return err
	}
	if len(summary.Metadata) > 0 {
		if err := run.UpdateMetadata(ctx, summary.Metadata); err != nil {
			logger.Warn("上报输入文件参数失败: %v", err)
		}
	}
	return runner.Launch(ctx)
}

func (r *Runner) Launch(ctx context.Context) error {
	if err := r.run.SaveFile(ctx, r.opts.InputFile, tracker.CategoryCode, ""); err != nil {
		return fmt.Errorf("保存输入文件失败: %w", err)
	}
	alert, err := StepAlert()
	if err != nil {
		return err
	}
	if err := r.run.CreateAlert(ctx, alert); err != nil {
		return fmt.Errorf("创建告警 %s 失败: %w", StepAlertName, err)
	}

	args := make(map[string]any, len(r.opts.EnvVars)+2)
	for k, v := range r.opts.EnvVars {
		args[k] = v
	}
	args["i"] = r.opts.InputFile
	args["color"] = "off"
	launcher, err := process.NewLauncher(r.run, process.Options{
		Identifier:   "moose_simulation",
		Executable:   r.opts.ApplicationPath,
		Args:         args,
		PollInterval: r.opts.PollInterval,
		Stdout:       r.opts.Stdout,
		Stderr:       r.opts.Stderr,
	})
	if err != nil {
		return err
	}

	tl := tailer.New([]string{r.LogPath(), r.CSVPath()}, tailer.Options{
		Interval: r.opts.TailInterval,
		OnLine: func(path, line string) {
			r.handleLine(ctx, path, line)
		},
	})
	tailCtx, stopTail := context.WithCancel(ctx)
	tailDone := make(chan struct{})
	go func() {
		defer close(tailDone)
		_ = tl.Run(tailCtx)
	}()

	runErr := launcher.Run(ctx)
	stopTail()
	<-tailDone
	tl.Poll()
	r.flushHeader(ctx)

	if errors.Is(runErr, process.ErrAborted) {
		return runErr
	}
	if r.Finished() {
		r.saveResults(ctx)
	}
	return runErr
}

// Finished 日志中是否已出现结束标记
func (r *Runner) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func (r *Runner) handleLine(ctx context.Context, path, line string) {
	if path == filepath.Clean(r.CSVPath()) {
		r.handleCSVLine(ctx, line)
		return
	}
	r.handleLogLine(ctx, line)
}

// handleLogLine 第一个时间步之前的内容作为日志头
func (r *Runner) handleLogLine(ctx context.Context, line string) {
	label, message, ok := ClassifyLine(line)

	r.mu.Lock()
	collecting := !r.headerDone && !ok
	if collecting {
		r.header = append(r.header, line)
	}
	r.mu.Unlock()
	if collecting {
		return
	}
	if !ok {
		return
	}
	r.flushHeader(ctx)

	if err := r.run.LogEvent(ctx, message); err != nil {
		logger.Error("上报事件失败: %v", err)
	}
	var elapsed float64
	timed := false
	r.mu.Lock()
	switch label {
	case LabelTimeStep:
		r.stepStart = time.Now()
	case LabelConverged:
		if !r.stepStart.IsZero() {
			elapsed = time.Since(r.stepStart).Seconds()
			timed = true
		}
	case LabelFinished:
		r.finished = true
	}
	r.mu.Unlock()
	if timed {
		if err := r.run.LogEvent(ctx, fmt.Sprintf("步骤计算耗时: %.2f 秒", elapsed)); err != nil {
			logger.Error("上报事件失败: %v", err)
		}
	}
}

func (r *Runner) flushHeader(ctx context.Context) {
	r.mu.Lock()
	if r.headerDone {
		r.mu.Unlock()
		return
	}
	r.headerDone = true
	lines := r.header
	r.header = nil
	r.mu.Unlock()

	metadata, err := ParseHeader(strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		logger.Warn("解析日志头失败: %v", err)
		return
	}
	if len(metadata) == 0 {
		return
	}
	if err := r.run.UpdateMetadata(ctx, metadata); err != nil {
		logger.Error("上报日志头失败: %v", err)
	}
}

func (r *Runner) handleCSVLine(ctx context.Context, line string) {
	r.mu.Lock()
	sample, ok, err := r.csv.Record(line)
	r.mu.Unlock()
	if err != nil {
		logger.Warn("%v", err)
		return
	}
	if !ok || len(sample.Values) == 0 {
		return
	}
	if err := r.run.LogMetrics(ctx, sample.Values, tracker.MetricOptions{Time: sample.Time}); err != nil {
		logger.Error("上报指标失败: %v", err)
	}
}

func (r *Runner) saveResults(ctx context.Context) {
	exodus := r.ExodusPath()
	if _, err := os.Stat(exodus); err != nil {
		logger.Warn("结果文件不存在，跳过上传: %s", exodus)
		return
	}
	if err := r.run.SaveFile(ctx, exodus, tracker.CategoryOutput, ""); err != nil {
		logger.Error("上传结果文件失败: %v", err)
	}
}
