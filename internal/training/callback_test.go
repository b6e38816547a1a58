package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"simvue-integrations/internal/config"
	"simvue-integrations/internal/models"
	"simvue-integrations/internal/tracker"
	"simvue-integrations/internal/validators"
)

type fakeRun struct {
	cfg      tracker.RunConfig
	events   []string
	metrics  []map[string]float64
	steps    []*int
	metadata map[string]any
	files    []string
	objects  []string
	alerts   []string
	tags     []string
	closed   bool
}

func (f *fakeRun) ID() string     { return f.cfg.Name }
func (f *fakeRun) Name() string   { return f.cfg.Name }
func (f *fakeRun) Folder() string { return f.cfg.Folder }
func (f *fakeRun) Tags() []string { return append([]string(nil), f.tags...) }

func (f *fakeRun) LogEvent(_ context.Context, message string) error {
	f.events = append(f.events, message)
	return nil
}

func (f *fakeRun) LogMetrics(_ context.Context, values map[string]float64, opts tracker.MetricOptions) error {
	f.metrics = append(f.metrics, values)
	f.steps = append(f.steps, opts.Step)
	return nil
}

func (f *fakeRun) UpdateMetadata(_ context.Context, metadata map[string]any) error {
	for k, v := range metadata {
		f.metadata[k] = v
	}
	return nil
}

func (f *fakeRun) UpdateTags(_ context.Context, tags []string) error {
	f.tags = append([]string(nil), tags...)
	return nil
}

func (f *fakeRun) SaveFile(_ context.Context, filePath, category, name string) error {
	if name == "" {
		name = filepath.Base(filePath)
	}
	f.files = append(f.files, category+":"+name)
	return nil
}

func (f *fakeRun) SaveObject(_ context.Context, _ any, category, name string) error {
	f.objects = append(f.objects, category+":"+name)
	return nil
}

func (f *fakeRun) CreateAlert(_ context.Context, spec *validators.AlertSpec) error {
	f.alerts = append(f.alerts, spec.Name)
	return nil
}

func (f *fakeRun) Aborted(context.Context) (bool, error)   { return false, nil }
func (f *fakeRun) SetStatus(context.Context, string) error { return nil }

func (f *fakeRun) Close(context.Context) error {
	f.closed = true
	return nil
}

func newRun(cfg tracker.RunConfig) *fakeRun {
	return &fakeRun{cfg: cfg, metadata: map[string]any{}, tags: append([]string(nil), cfg.Tags...)}
}

type fakeClient struct {
	runs []*fakeRun
}

func (c *fakeClient) NewRun(_ context.Context, cfg tracker.RunConfig) (tracker.Run, error) {
	run := newRun(cfg)
	c.runs = append(c.runs, run)
	return run, nil
}

func (c *fakeClient) Close() error { return nil }

func (c *fakeClient) find(name string) *fakeRun {
	for _, run := range c.runs {
		if run.cfg.Name == name {
			return run
		}
	}
	return nil
}

type fakeModel struct {
	saved   []string
	stopped bool
}

func (m *fakeModel) Config() map[string]any { return map[string]any{"layers": 3} }

func (m *fakeModel) Save(path string) error {
	m.saved = append(m.saved, path)
	return os.WriteFile(path, []byte("model"), 0o644)
}

func (m *fakeModel) StopTraining() { m.stopped = true }

var testAlerts = map[string]map[string]any{
	"loss_too_high": {
		"source": "metrics", "metric": "loss", "rule": "is above", "threshold": 2.0,
		"frequency": 1, "window": 1,
	},
	"manual": {"source": "user"},
}

func baseOptions(t *testing.T) Options {
	t.Helper()
	target := 0.85
	return Options{
		RunName:              "mnist",
		AlertDefinitions:     testAlerts,
		SimulationAlerts:     []string{"manual"},
		EpochAlerts:          []string{"loss_too_high"},
		EvaluationAlerts:     []string{"manual"},
		StartAlertsFromEpoch: 2,
		FinalModelPath:       filepath.Join(t.TempDir(), "model", "final.keras"),
		EvaluationParameter:  "accuracy",
		EvaluationCondition:  ">",
		EvaluationTarget:     &target,
		CreateEpochRuns:      true,
	}
}

func TestNewCallbackValidation(t *testing.T) {
	client := &fakeClient{}

	opts := baseOptions(t)
	opts.RunName = ""
	if _, err := NewCallback(client, opts); !errors.Is(err, ErrRunNameRequired) {
		t.Fatalf("缺少运行名称应返回 ErrRunNameRequired，实际 %v", err)
	}

	opts = baseOptions(t)
	opts.AlertDefinitions = map[string]map[string]any{"bad": {"source": "metrics", "frequency": 1}}
	opts.SimulationAlerts, opts.EpochAlerts, opts.EvaluationAlerts = nil, nil, nil
	if _, err := NewCallback(client, opts); !errors.Is(err, validators.ErrValidation) {
		t.Fatalf("无效告警定义应返回校验错误，实际 %v", err)
	}

	opts = baseOptions(t)
	opts.ManifestAlerts = []string{"missing"}
	if _, err := NewCallback(client, opts); !errors.Is(err, config.ErrUnknownAlert) {
		t.Fatalf("未定义的告警应返回 ErrUnknownAlert，实际 %v", err)
	}

	opts = baseOptions(t)
	opts.EvaluationCondition = "!="
	if _, err := NewCallback(client, opts); !errors.Is(err, validators.ErrUnknownOperator) {
		t.Fatalf("未知运算符应返回 ErrUnknownOperator，实际 %v", err)
	}

	cb, err := NewCallback(client, baseOptions(t))
	if err != nil {
		t.Fatalf("创建回调失败: %v", err)
	}
	if cb.opts.RunFolder != "/mnist" {
		t.Fatalf("默认目录应为运行名称: %s", cb.opts.RunFolder)
	}
}

func TestTrainingLifecycle(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{}
	model := &fakeModel{}
	cb, err := NewCallback(client, baseOptions(t))
	if err != nil {
		t.Fatalf("创建回调失败: %v", err)
	}
	cb.SetModel(model)
	cb.SetParams(map[string]any{"steps": 10, "epochs": 2})

	if err := cb.OnTrainBegin(ctx); err != nil {
		t.Fatalf("OnTrainBegin 失败: %v", err)
	}
	epochs := []Logs{
		{"accuracy": 0.6, "loss": 1.2, "val_accuracy": 0.55, "val_loss": 1.3},
		{"accuracy": 0.9, "loss": 0.4, "val_accuracy": 0.8, "val_loss": 0.5},
	}
	for epoch, logs := range epochs {
		if err := cb.OnEpochBegin(ctx, epoch); err != nil {
			t.Fatalf("OnEpochBegin 失败: %v", err)
		}
		for batch := 0; batch < 10; batch++ {
			if err := cb.OnTrainBatchBegin(ctx, batch); err != nil {
				t.Fatalf("OnTrainBatchBegin 失败: %v", err)
			}
			if err := cb.OnTrainBatchEnd(ctx, batch, Logs{"accuracy": 0.5, "loss": 1}); err != nil {
				t.Fatalf("OnTrainBatchEnd 失败: %v", err)
			}
		}
		if err := cb.OnTestBegin(ctx); err != nil {
			t.Fatalf("验证阶段 OnTestBegin 失败: %v", err)
		}
		if err := cb.OnTestBatchEnd(ctx, 0, Logs{"accuracy": 0.5, "loss": 1}); err != nil {
			t.Fatalf("验证阶段 OnTestBatchEnd 失败: %v", err)
		}
		if err := cb.OnTestEnd(ctx, Logs{}); err != nil {
			t.Fatalf("验证阶段 OnTestEnd 失败: %v", err)
		}
		if err := cb.OnEpochEnd(ctx, epoch, logs); err != nil {
			t.Fatalf("OnEpochEnd 失败: %v", err)
		}
	}
	if !model.stopped {
		t.Fatal("accuracy 超过目标后应停止训练")
	}
	if err := cb.OnTrainEnd(ctx); err != nil {
		t.Fatalf("OnTrainEnd 失败: %v", err)
	}

	sim := client.find("mnist_simulation")
	if sim == nil || !sim.closed {
		t.Fatal("simulation 运行应创建并关闭")
	}
	if strings.Join(sim.cfg.Tags, ",") != "simulation,training" || sim.cfg.Folder != "/mnist" {
		t.Fatalf("simulation 运行配置不符合预期: %+v", sim.cfg)
	}
	if sim.metadata["steps"] != 10 || len(sim.alerts) != 1 || sim.objects[0] != "input:model_config" {
		t.Fatalf("simulation 运行内容不符合预期: %+v", sim)
	}
	if len(sim.metrics) != 8 || *sim.steps[7] != 2 {
		t.Fatalf("simulation 指标数量不符合预期: %d", len(sim.metrics))
	}
	if sim.files[len(sim.files)-1] != "output:final_model.keras" || len(model.saved) != 1 {
		t.Fatalf("最终模型应保存并上传: %v", sim.files)
	}
	if !strings.Contains(sim.events[len(sim.events)-1], "提前结束") {
		t.Fatalf("缺少提前结束事件: %v", sim.events)
	}

	first, second := client.find("mnist_epoch_1"), client.find("mnist_epoch_2")
	if first == nil || second == nil || !first.closed || !second.closed {
		t.Fatal("每个 epoch 都应创建并关闭运行")
	}
	if len(first.alerts) != 0 || len(second.alerts) != 1 {
		t.Fatalf("epoch 告警应从第 2 个 epoch 开始: %v %v", first.alerts, second.alerts)
	}
	if first.metadata["final_val_loss"] != 1.3 || second.metadata["final_accuracy"] != 0.9 {
		t.Fatalf("epoch 元数据不符合预期: %v %v", first.metadata, second.metadata)
	}
	progress := 0
	for _, event := range first.events {
		if strings.HasPrefix(event, "训练进度") {
			progress++
		}
	}
	if progress != 10 {
		t.Fatalf("10 个批次应产生 10 条进度事件，实际 %d", progress)
	}
	joined := strings.Join(second.events, "\n")
	if !strings.Contains(joined, "accuracy 是否改善: true") || !strings.Contains(joined, "loss 是否改善: true") {
		t.Fatalf("缺少改善事件: %v", second.events)
	}
	if !strings.Contains(joined, "验证结果中") {
		t.Fatalf("训练中的验证应记录在 epoch 运行: %v", second.events)
	}
	if _, ok := second.metrics[len(second.metrics)-1]["val_accuracy"]; !ok {
		t.Fatalf("验证批次指标应使用 val_ 前缀: %v", second.metrics)
	}

	if err := cb.OnTestBegin(ctx); err != nil {
		t.Fatalf("评估阶段 OnTestBegin 失败: %v", err)
	}
	if err := cb.OnTestBatchBegin(ctx, 0); err != nil {
		t.Fatalf("OnTestBatchBegin 失败: %v", err)
	}
	if err := cb.OnTestBatchEnd(ctx, 0, Logs{"accuracy": 0.88, "loss": 0.3}); err != nil {
		t.Fatalf("OnTestBatchEnd 失败: %v", err)
	}
	if err := cb.OnTestEnd(ctx, Logs{"accuracy": 0.88, "loss": 0.3}); err != nil {
		t.Fatalf("OnTestEnd 失败: %v", err)
	}
	eval := client.find("mnist_evaluation")
	if eval == nil || !eval.closed {
		t.Fatal("训练结束后的评估应创建 evaluation 运行")
	}
	if eval.metadata["final_accuracy"] != 0.88 || len(eval.alerts) != 1 {
		t.Fatalf("evaluation 运行内容不符合预期: %+v", eval)
	}
}

func TestEarlyStopRequiresParameter(t *testing.T) {
	ctx := context.Background()
	opts := baseOptions(t)
	opts.CreateEpochRuns = false
	opts.EvaluationParameter = "val_accuracy"
	cb, err := NewCallback(&fakeClient{}, opts)
	if err != nil {
		t.Fatalf("创建回调失败: %v", err)
	}
	if err := cb.OnTrainBegin(ctx); err != nil {
		t.Fatalf("OnTrainBegin 失败: %v", err)
	}
	if err := cb.OnEpochBegin(ctx, 0); err != nil {
		t.Fatalf("OnEpochBegin 失败: %v", err)
	}
	err = cb.OnEpochEnd(ctx, 0, Logs{"accuracy": 0.9, "loss": 0.1})
	if !errors.Is(err, ErrEvaluationParamAbsent) {
		t.Fatalf("缺少评估参数应返回错误，实际 %v", err)
	}
}

func TestCheckpointMustExist(t *testing.T) {
	ctx := context.Background()
	opts := baseOptions(t)
	opts.CheckpointPath = filepath.Join(t.TempDir(), "ckpt.keras")
	cb, _ := NewCallback(&fakeClient{}, opts)
	_ = cb.OnTrainBegin(ctx)
	_ = cb.OnEpochBegin(ctx, 0)
	if err := cb.OnEpochEnd(ctx, 0, Logs{"accuracy": 0.1, "loss": 2}); !errors.Is(err, ErrCheckpointMissing) {
		t.Fatalf("检查点不存在应返回错误，实际 %v", err)
	}
}

func TestOptimisationFramework(t *testing.T) {
	ctx := context.Background()
	opts := baseOptions(t)
	opts.RunName = ""
	opts.OptimisationFramework = true
	client := &fakeClient{}

	cb, err := NewCallback(client, opts)
	if err != nil {
		t.Fatalf("优化框架模式不需要运行名称: %v", err)
	}
	if err := cb.OnTrainBegin(ctx); !errors.Is(err, ErrMissingRun) {
		t.Fatalf("缺少 simulation 运行应返回 ErrMissingRun，实际 %v", err)
	}

	sim := newRun(tracker.RunConfig{Name: "study_7", Folder: "/opt", Tags: []string{"trial"}})
	opts.SimulationRun = sim
	cb, _ = NewCallback(client, opts)
	if err := cb.OnTrainBegin(ctx); err != nil {
		t.Fatalf("OnTrainBegin 失败: %v", err)
	}
	if strings.Join(sim.tags, ",") != "trial,training" {
		t.Fatalf("simulation 运行标签不符合预期: %v", sim.tags)
	}
	if err := cb.OnEpochBegin(ctx, 0); err != nil {
		t.Fatalf("OnEpochBegin 失败: %v", err)
	}
	epoch := client.find("study_7_epoch_1")
	if epoch == nil || epoch.cfg.Folder != "/opt/trial_7" {
		t.Fatalf("epoch 运行应放在 trial 目录: %+v", client.runs)
	}
	_ = cb.OnEpochEnd(ctx, 0, Logs{"accuracy": 0.1, "loss": 2})
	if err := cb.OnTrainEnd(ctx); err != nil {
		t.Fatalf("OnTrainEnd 失败: %v", err)
	}
	if sim.closed {
		t.Fatal("外部提供的运行不应由回调关闭")
	}
	if err := cb.OnTestBegin(ctx); !errors.Is(err, ErrMissingRun) {
		t.Fatalf("缺少 evaluation 运行应返回 ErrMissingRun，实际 %v", err)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	off := false
	cfg := &models.Config{RunName: "cfg", RunFolder: "/cfg", Training: models.TrainingConfig{CreateEpochRuns: &off, EpochAlerts: []string{"a"}}}
	opts := OptionsFromConfig(cfg)
	if opts.CreateEpochRuns || opts.RunName != "cfg" || opts.EpochAlerts[0] != "a" {
		t.Fatalf("配置转换不符合预期: %+v", opts)
	}
	if !OptionsFromConfig(&models.Config{}).CreateEpochRuns {
		t.Fatal("未配置时默认创建 epoch 运行")
	}
}

// trackerServer 记录每个运行最后上报的状态
type trackerServer struct {
	mu     sync.Mutex
	names  map[string]string
	status map[string]string
}

func (s *trackerServer) handler(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/runs":
		id := fmt.Sprintf("run-%d", len(s.names)+1)
		s.names[id], _ = body["name"].(string)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/api/runs/"):
		id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if status, ok := body["status"].(string); ok {
			s.status[s.names[id]] = status
		}
		_, _ = w.Write([]byte(`{}`))
	default:
		_, _ = w.Write([]byte(`{}`))
	}
}

func TestEpochEndWithNonFiniteLoss(t *testing.T) {
	fake := &trackerServer{names: map[string]string{}, status: map[string]string{}}
	server := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer server.Close()
	client, err := tracker.NewClient(&models.Config{Mode: config.ModeOnline, ServerURL: server.URL, ServerToken: "t"})
	if err != nil {
		t.Fatalf("创建追踪客户端失败: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	opts := baseOptions(t)
	target := 0.5
	opts.EvaluationTarget = &target
	model := &fakeModel{}
	cb, err := NewCallback(client, opts)
	if err != nil {
		t.Fatalf("创建回调失败: %v", err)
	}
	cb.SetModel(model)
	if err := cb.OnTrainBegin(ctx); err != nil {
		t.Fatalf("OnTrainBegin 失败: %v", err)
	}
	if err := cb.OnEpochBegin(ctx, 0); err != nil {
		t.Fatalf("OnEpochBegin 失败: %v", err)
	}
	logs := Logs{"accuracy": 0.9, "loss": math.NaN(), "val_accuracy": 0.8, "val_loss": math.Inf(1)}
	if err := cb.OnEpochEnd(ctx, 0, logs); err != nil {
		t.Fatalf("损失为 NaN 时 OnEpochEnd 不应失败: %v", err)
	}

	fake.mu.Lock()
	status := fake.status["mnist_epoch_1"]
	fake.mu.Unlock()
	if status != tracker.StatusCompleted {
		t.Fatalf("epoch 运行应被关闭，实际状态 %q", status)
	}
	if !model.stopped {
		t.Fatal("accuracy 满足条件时仍应执行提前结束判断")
	}
}
