// Package training 用于把训练循环的各个阶段写入追踪服务
// 每次训练对应一个 simulation 运行 可选每个 epoch 一个运行 评估阶段单独一个运行
package training

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"simvue-integrations/internal/config"
	"simvue-integrations/internal/logger"
	"simvue-integrations/internal/models"
	"simvue-integrations/internal/tracker"
	"simvue-integrations/internal/validators"
)

var (
	ErrRunNameRequired       = errors.New("必须提供运行名称")
	ErrMissingRun            = errors.New("运行尚未创建")
	ErrEvaluationParamAbsent = errors.New("训练日志中没有评估参数")
	ErrCheckpointMissing     = errors.New("模型检查点不存在")
)

// Logs 一次回调携带的指标
type Logs map[string]float64

// Model 训练中的模型
type Model interface {
	Config() map[string]any
	Save(path string) error
	StopTraining()
}

// Options 回调配置
type Options struct {
	RunName        string
	RunFolder      string
	RunDescription string
	RunTags        []string

	AlertDefinitions     map[string]map[string]any
	ManifestAlerts       []string
	SimulationAlerts     []string
	EpochAlerts          []string
	EvaluationAlerts     []string
	StartAlertsFromEpoch int

	ScriptPath     string
	CheckpointPath string
	FinalModelPath string

	EvaluationParameter string
	EvaluationCondition string
	EvaluationTarget    *float64
	CreateEpochRuns     bool

	// 优化框架模式下运行由外部创建
	OptimisationFramework bool
	SimulationRun         tracker.Run
	EvaluationRun         tracker.Run
}

// OptionsFromConfig 从配置文件生成回调配置
func OptionsFromConfig(cfg *models.Config) Options {
	createEpochRuns := true
	if cfg.Training.CreateEpochRuns != nil {
		createEpochRuns = *cfg.Training.CreateEpochRuns
	}
	t := cfg.Training
	return Options{
		RunName:              cfg.RunName,
		RunFolder:            cfg.RunFolder,
		RunDescription:       cfg.RunDescription,
		RunTags:              cfg.RunTags,
		AlertDefinitions:     cfg.AlertDefinitions,
		ManifestAlerts:       t.ManifestAlerts,
		SimulationAlerts:     t.SimulationAlerts,
		EpochAlerts:          t.EpochAlerts,
		EvaluationAlerts:     t.EvaluationAlerts,
		StartAlertsFromEpoch: t.StartAlertsFromEpoch,
		ScriptPath:           t.ScriptPath,
		CheckpointPath:       t.CheckpointPath,
		FinalModelPath:       t.FinalModelPath,
		EvaluationParameter:  t.EvaluationParameter,
		EvaluationCondition:  t.EvaluationCondition,
		EvaluationTarget:     t.EvaluationTarget,
		CreateEpochRuns:      createEpochRuns,
	}
}

// Callback 训练回调
type Callback struct {
	client tracker.Client
	opts   Options
	alerts map[string]*validators.AlertSpec
	op     validators.Operator

	model  Model
	params map[string]any

	simulationRun tracker.Run
	epochRun      tracker.Run
	evalRun       tracker.Run

	previous Logs
}

// NewCallback 构造时校验全部告警定义和引用
func NewCallback(client tracker.Client, opts Options) (*Callback, error) {
	if !opts.OptimisationFramework && strings.TrimSpace(opts.RunName) == "" {
		return nil, ErrRunNameRequired
	}
	if client == nil && (!opts.OptimisationFramework || opts.CreateEpochRuns) {
		return nil, fmt.Errorf("追踪客户端不能为空")
	}
	if opts.RunFolder == "" {
		opts.RunFolder = "/" + opts.RunName
	}
	if opts.RunDescription == "" {
		opts.RunDescription = fmt.Sprintf("%s 训练与评估过程的跟踪和监控", opts.RunName)
	}
	alerts, err := validators.ValidateAlertDefinitions(opts.AlertDefinitions)
	if err != nil {
		return nil, err
	}
	for _, group := range [][]string{opts.SimulationAlerts, opts.EpochAlerts, opts.EvaluationAlerts, opts.ManifestAlerts} {
		for _, name := range group {
			if _, ok := alerts[name]; !ok {
				return nil, fmt.Errorf("%w: %s", config.ErrUnknownAlert, name)
			}
		}
	}
	c := &Callback{client: client, opts: opts, alerts: alerts, params: map[string]any{}}
	if opts.EvaluationCondition != "" {
		op, err := validators.ParseOperator(opts.EvaluationCondition)
		if err != nil {
			return nil, err
		}
		c.op = op
	}
	return c, nil
}

// SetModel 设置训练中的模型
func (c *Callback) SetModel(model Model) { c.model = model }

// SetParams 设置训练参数 steps 用于计算批次进度
func (c *Callback) SetParams(params map[string]any) {
	c.params = make(map[string]any, len(params))
	for k, v := range params {
		c.params[k] = v
	}
}

func (c *Callback) tags(extra ...string) []string {
	out := append([]string(nil), c.opts.RunTags...)
	return append(out, extra...)
}

func (c *Callback) createAlerts(ctx context.Context, run tracker.Run, names []string) error {
	for _, name := range names {
		if err := run.CreateAlert(ctx, c.alerts[name]); err != nil {
			return fmt.Errorf("创建告警 %s 失败: %w", name, err)
		}
	}
	return nil
}

func (c *Callback) saveModelInputs(ctx context.Context, run tracker.Run) error {
	if c.opts.ScriptPath != "" {
		if err := run.SaveFile(ctx, c.opts.ScriptPath, tracker.CategoryCode, ""); err != nil {
			return err
		}
	}
	if c.model != nil {
		if err := run.SaveObject(ctx, c.model.Config(), tracker.CategoryInput, "model_config"); err != nil {
			return err
		}
	}
	return nil
}

// CreateManifestRun 创建汇总运行 用于挂载整体告警和脚本
func (c *Callback) CreateManifestRun(ctx context.Context) (tracker.Run, error) {
	if c.client == nil {
		return nil, fmt.Errorf("追踪客户端不能为空")
	}
	run, err := c.client.NewRun(ctx, tracker.RunConfig{
		Name:        c.opts.RunName + "_manifest",
		Folder:      c.opts.RunFolder,
		Description: c.opts.RunDescription,
		Tags:        c.tags("manifest"),
	})
	if err != nil {
		return nil, err
	}
	if err := c.createAlerts(ctx, run, c.opts.ManifestAlerts); err != nil {
		return nil, err
	}
	if c.opts.ScriptPath != "" {
		if err := run.SaveFile(ctx, c.opts.ScriptPath, tracker.CategoryCode, ""); err != nil {
			return nil, err
		}
	}
	return run, nil
}

func (c *Callback) OnTrainBegin(ctx context.Context) error {
	switch {
	case !c.opts.OptimisationFramework:
		run, err := c.client.NewRun(ctx, tracker.RunConfig{
			Name:        c.opts.RunName + "_simulation",
			Folder:      c.opts.RunFolder,
			Description: c.opts.RunDescription,
			Tags:        c.tags("simulation", "training"),
		})
		if err != nil {
			return err
		}
		c.simulationRun = run
	case c.opts.SimulationRun == nil:
		return fmt.Errorf("%w: simulation", ErrMissingRun)
	default:
		run := c.opts.SimulationRun
		c.simulationRun = run
		c.opts.RunName = run.Name()
		parts := strings.Split(run.Name(), "_")
		c.opts.RunFolder = run.Folder() + "/trial_" + parts[len(parts)-1]
		c.opts.RunTags = run.Tags()
		if err := run.UpdateTags(ctx, c.tags("training")); err != nil {
			return err
		}
	}

	if err := c.simulationRun.UpdateMetadata(ctx, c.params); err != nil {
		return err
	}
	if err := c.createAlerts(ctx, c.simulationRun, c.opts.SimulationAlerts); err != nil {
		return err
	}
	return c.saveModelInputs(ctx, c.simulationRun)
}

func (c *Callback) OnTrainEnd(ctx context.Context) error {
	if c.simulationRun == nil {
		return fmt.Errorf("%w: simulation", ErrMissingRun)
	}
	if c.opts.FinalModelPath != "" && c.model != nil {
		if err := os.MkdirAll(filepath.Dir(c.opts.FinalModelPath), 0o755); err != nil {
			return fmt.Errorf("创建模型目录失败: %w", err)
		}
		if err := c.model.Save(c.opts.FinalModelPath); err != nil {
			return fmt.Errorf("保存模型失败: %w", err)
		}
		if err := c.simulationRun.SaveFile(ctx, c.opts.FinalModelPath, tracker.CategoryOutput, "final_model.keras"); err != nil {
			return err
		}
	}
	if !c.opts.OptimisationFramework {
		if err := c.simulationRun.Close(ctx); err != nil {
			return err
		}
	}
	c.simulationRun = nil
	return nil
}

func (c *Callback) OnEpochBegin(ctx context.Context, epoch int) error {
	if c.simulationRun == nil {
		return fmt.Errorf("%w: simulation", ErrMissingRun)
	}
	if err := c.simulationRun.LogEvent(ctx, fmt.Sprintf("开始第 %d 个 Epoch:", epoch+1)); err != nil {
		return err
	}
	if !c.opts.CreateEpochRuns {
		return nil
	}
	run, err := c.client.NewRun(ctx, tracker.RunConfig{
		Name:        fmt.Sprintf("%s_epoch_%d", c.opts.RunName, epoch+1),
		Folder:      c.opts.RunFolder,
		Description: fmt.Sprintf("第 %d 个 Epoch 的训练过程", epoch+1),
		Tags:        c.tags("epoch", "training"),
	})
	if err != nil {
		return err
	}
	c.epochRun = run
	if epoch+1 >= c.opts.StartAlertsFromEpoch {
		if err := c.createAlerts(ctx, run, c.opts.EpochAlerts); err != nil {
			return err
		}
	}
	if epoch > 0 && c.previous != nil {
		events := []string{
			"训练前的准确率与损失:",
			fmt.Sprintf("Accuracy: %v, Loss: %v", c.previous["accuracy"], c.previous["loss"]),
		}
		if hasValidation(c.previous) {
			events = append(events, fmt.Sprintf("Validation Accuracy: %v, Validation Loss: %v",
				c.previous["val_accuracy"], c.previous["val_loss"]))
		}
		for _, event := range events {
			if err := run.LogEvent(ctx, event); err != nil {
				return err
			}
		}
	}
	return run.LogEvent(ctx, "开始训练...")
}

func hasValidation(logs Logs) bool {
	_, acc := logs["val_accuracy"]
	_, loss := logs["val_loss"]
	return acc && loss
}

// improved 准确率上升或损失下降视为改善
func improved(metric string, change float64) bool {
	if strings.HasSuffix(metric, "accuracy") {
		return change > 0
	}
	return change < 0
}

func (c *Callback) OnEpochEnd(ctx context.Context, epoch int, logs Logs) error {
	if c.simulationRun == nil || (c.opts.CreateEpochRuns && c.epochRun == nil) {
		return fmt.Errorf("%w: epoch", ErrMissingRun)
	}
	metrics := []string{"accuracy", "loss"}
	if hasValidation(logs) {
		metrics = append(metrics, "val_accuracy", "val_loss")
	}
	runs := []tracker.Run{c.simulationRun}
	if c.opts.CreateEpochRuns {
		runs = []tracker.Run{c.epochRun, c.simulationRun}
	}
	for _, run := range runs {
		events := []string{
			fmt.Sprintf("第 %d 个 Epoch 训练完成!", epoch+1),
			"训练后的准确率与损失:",
			fmt.Sprintf("Accuracy: %v, Loss: %v", logs["accuracy"], logs["loss"]),
		}
		if hasValidation(logs) {
			events = append(events, fmt.Sprintf("Validation Accuracy: %v, Validation Loss: %v", logs["val_accuracy"], logs["val_loss"]))
		}
		for _, event := range events {
			if err := run.LogEvent(ctx, event); err != nil {
				return err
			}
		}
	}

	compare := epoch > 0 && c.opts.CreateEpochRuns && c.previous != nil
	if compare {
		if err := c.epochRun.LogEvent(ctx, "本轮训练后准确率与损失的变化:"); err != nil {
			return err
		}
	}
	step := epoch + 1
	for _, metric := range metrics {
		value, ok := logs[metric]
		if !ok {
			continue
		}
		if err := c.simulationRun.LogMetrics(ctx, map[string]float64{metric: value}, tracker.MetricOptions{Step: &step}); err != nil {
			return err
		}
		if !c.opts.CreateEpochRuns {
			continue
		}
		if prev, had := c.previous[metric]; compare && had {
			change := value - prev
			event := fmt.Sprintf("%s 是否改善: %t，变化量: %v", metric, improved(metric, change), change)
			if err := c.epochRun.LogEvent(ctx, event); err != nil {
				return err
			}
		}
		if err := c.epochRun.UpdateMetadata(ctx, map[string]any{"final_" + metric: value}); err != nil {
			return err
		}
	}
	c.previous = make(Logs, len(logs))
	for k, v := range logs {
		c.previous[k] = v
	}

	if c.opts.CreateEpochRuns {
		if c.opts.CheckpointPath != "" {
			if _, err := os.Stat(c.opts.CheckpointPath); err != nil {
				return fmt.Errorf("%w: %s", ErrCheckpointMissing, c.opts.CheckpointPath)
			}
			if err := c.epochRun.SaveFile(ctx, c.opts.CheckpointPath, tracker.CategoryOutput, ""); err != nil {
				return err
			}
		}
		if err := c.epochRun.Close(ctx); err != nil {
			return err
		}
	}
	return c.checkEarlyStop(ctx, epoch, logs)
}

// checkEarlyStop 评估参数满足条件时停止训练
func (c *Callback) checkEarlyStop(ctx context.Context, epoch int, logs Logs) error {
	if c.op == "" || c.opts.EvaluationParameter == "" || c.opts.EvaluationTarget == nil {
		return nil
	}
	value, ok := logs[c.opts.EvaluationParameter]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEvaluationParamAbsent, c.opts.EvaluationParameter)
	}
	target := *c.opts.EvaluationTarget
	stop, err := validators.Compare(c.op, value, target)
	if err != nil {
		return err
	}
	if !stop {
		return nil
	}
	if c.model != nil {
		c.model.StopTraining()
	}
	message := fmt.Sprintf("训练在第 %d 个 Epoch 提前结束: %s = %v，满足 %s %v",
		epoch+1, c.opts.EvaluationParameter, value, c.op, target)
	logger.Info("%s", message)
	return c.simulationRun.LogEvent(ctx, message)
}

// progress 批次跨过 10% 边界时返回进度
// 返回的是刚跨过的上边界 第 1 个 10% 的批次结束时报告 10 而不是 0
func (c *Callback) progress(batch int) (int, bool) {
	steps, ok := toFloat(c.params["steps"])
	if !ok || steps <= 0 {
		return 0, false
	}
	tenth := steps / 10
	before := int(float64(batch) / tenth)
	after := int(float64(batch+1) / tenth)
	if before == after {
		return 0, false
	}
	return 10 * after, true
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func (c *Callback) OnTrainBatchBegin(ctx context.Context, batch int) error {
	if !c.opts.CreateEpochRuns || c.epochRun == nil {
		return nil
	}
	if pct, ok := c.progress(batch); ok {
		return c.epochRun.LogEvent(ctx, fmt.Sprintf("训练进度 %d%%", pct))
	}
	return nil
}

func (c *Callback) OnTrainBatchEnd(ctx context.Context, batch int, logs Logs) error {
	if !c.opts.CreateEpochRuns || c.epochRun == nil {
		return nil
	}
	return c.epochRun.LogMetrics(ctx, pick(logs, ""), tracker.MetricOptions{})
}

// pick 取出准确率与损失 指标名加上 prefix
func pick(logs Logs, prefix string) map[string]float64 {
	out := map[string]float64{}
	for _, name := range []string{"accuracy", "loss"} {
		if v, ok := logs[name]; ok {
			out[prefix+name] = v
		}
	}
	return out
}

// OnTestBegin 训练过程中的验证只记录事件 训练结束后的评估创建 evaluation 运行
func (c *Callback) OnTestBegin(ctx context.Context) error {
	if c.simulationRun != nil {
		if c.opts.CreateEpochRuns && c.epochRun != nil {
			return c.epochRun.LogEvent(ctx, "验证结果中...")
		}
		return nil
	}
	switch {
	case !c.opts.OptimisationFramework:
		run, err := c.client.NewRun(ctx, tracker.RunConfig{
			Name:        c.opts.RunName + "_evaluation",
			Folder:      c.opts.RunFolder,
			Description: "最终模型的评估过程",
			Tags:        c.tags("evaluation"),
		})
		if err != nil {
			return err
		}
		c.evalRun = run
	case c.opts.EvaluationRun == nil:
		return fmt.Errorf("%w: evaluation", ErrMissingRun)
	default:
		c.evalRun = c.opts.EvaluationRun
		tags := append(c.evalRun.Tags(), "evaluation")
		if err := c.evalRun.UpdateTags(ctx, tags); err != nil {
			return err
		}
	}
	if err := c.createAlerts(ctx, c.evalRun, c.opts.EvaluationAlerts); err != nil {
		return err
	}
	return c.saveModelInputs(ctx, c.evalRun)
}

func (c *Callback) OnTestEnd(ctx context.Context, logs Logs) error {
	if c.simulationRun != nil {
		return nil
	}
	if c.evalRun == nil {
		return fmt.Errorf("%w: evaluation", ErrMissingRun)
	}
	for _, event := range []string{
		"评估后的准确率与损失:",
		fmt.Sprintf("Accuracy: %v, Loss: %v", logs["accuracy"], logs["loss"]),
	} {
		if err := c.evalRun.LogEvent(ctx, event); err != nil {
			return err
		}
	}
	final := map[string]any{}
	for k, v := range pick(logs, "final_") {
		final[k] = v
	}
	if err := c.evalRun.UpdateMetadata(ctx, final); err != nil {
		return err
	}
	if !c.opts.OptimisationFramework {
		return c.evalRun.Close(ctx)
	}
	return nil
}

func (c *Callback) OnTestBatchBegin(ctx context.Context, batch int) error {
	if c.simulationRun != nil || c.evalRun == nil {
		return nil
	}
	if pct, ok := c.progress(batch); ok {
		return c.evalRun.LogEvent(ctx, fmt.Sprintf("评估进度 %d%%", pct))
	}
	return nil
}

func (c *Callback) OnTestBatchEnd(ctx context.Context, batch int, logs Logs) error {
	if c.simulationRun != nil {
		if !c.opts.CreateEpochRuns || c.epochRun == nil {
			return nil
		}
		step := batch
		return c.epochRun.LogMetrics(ctx, pick(logs, "val_"), tracker.MetricOptions{Step: &step})
	}
	if c.evalRun == nil {
		return fmt.Errorf("%w: evaluation", ErrMissingRun)
	}
	return c.evalRun.LogMetrics(ctx, pick(logs, ""), tracker.MetricOptions{})
}
