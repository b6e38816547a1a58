// 本文件用于定义追踪服务的运行接口与通用运行实现
// 在线与离线模式共享同一套运行逻辑 只替换底层存储
package tracker

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"simvue-integrations/internal/logger"
	"simvue-integrations/internal/models"
	"simvue-integrations/internal/validators"
)

const (
	CategoryInput  = "input"
	CategoryOutput = "output"
	CategoryCode   = "code"

	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusTerminated = "terminated"
	StatusFailed     = "failed"
)

var (
	ErrRunClosed       = errors.New("运行已关闭")
	ErrInvalidCategory = errors.New("无效的文件类别")
	ErrAlertNotValid   = errors.New("告警定义未经过校验")
)

// RunConfig 创建运行所需的信息
type RunConfig struct {
	Name        string
	Folder      string
	Description string
	Tags        []string
	Metadata    map[string]any
}

// MetricOptions 指标上报的可选步数与时间
type MetricOptions struct {
	Step *int
	Time *float64
}

// Run 表示追踪服务中的一次运行
type Run interface {
	ID() string
	Name() string
	Folder() string
	Tags() []string
	LogEvent(ctx context.Context, message string) error
	LogMetrics(ctx context.Context, values map[string]float64, opts MetricOptions) error
	UpdateMetadata(ctx context.Context, metadata map[string]any) error
	UpdateTags(ctx context.Context, tags []string) error
	SaveFile(ctx context.Context, filePath, category, name string) error
	SaveObject(ctx context.Context, obj any, category, name string) error
	CreateAlert(ctx context.Context, spec *validators.AlertSpec) error
	Aborted(ctx context.Context) (bool, error)
	SetStatus(ctx context.Context, status string) error
	Close(ctx context.Context) error
}

// Client 负责创建运行
type Client interface {
	NewRun(ctx context.Context, cfg RunConfig) (Run, error)
	Close() error
}

// runPatch 表示对运行记录的增量更新
type runPatch struct {
	Metadata map[string]any `json:"metadata,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Status   string         `json:"status,omitempty"`
}

// backend 是在线与离线存储需要实现的写入接口
type backend interface {
	createRun(ctx context.Context, cfg RunConfig) (string, error)
	updateRun(ctx context.Context, id string, patch runPatch) error
	addEvents(ctx context.Context, id string, events []models.RunEvent) error
	addMetrics(ctx context.Context, id string, points []models.MetricPoint) error
	addFile(ctx context.Context, id string, record models.FileRecord) error
	addAlert(ctx context.Context, id string, alert map[string]any) error
	aborted(ctx context.Context, id string) (bool, error)
	close() error
}

type client struct {
	backend   backend
	artifacts ArtifactStore
	envMeta   map[string]any
}

// NewRun 创建运行 主机环境信息会合并进元数据
func (c *client) NewRun(ctx context.Context, cfg RunConfig) (Run, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return nil, fmt.Errorf("运行名称不能为空")
	}
	if cfg.Folder == "" {
		cfg.Folder = "/"
	}
	metadata := make(map[string]any, len(cfg.Metadata)+len(c.envMeta))
	for k, v := range c.envMeta {
		metadata[k] = v
	}
	for k, v := range cfg.Metadata {
		metadata[k] = v
	}
	cfg.Metadata = encodeMetadata(metadata)

	id, err := c.backend.createRun(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("创建运行 %s 失败: %w", cfg.Name, err)
	}
	logger.Info("运行已创建: name=%s id=%s folder=%s", cfg.Name, id, cfg.Folder)
	return &run{
		id:        id,
		name:      cfg.Name,
		folder:    cfg.Folder,
		tags:      append([]string(nil), cfg.Tags...),
		backend:   c.backend,
		artifacts: c.artifacts,
	}, nil
}

func (c *client) Close() error {
	return c.backend.close()
}

type run struct {
	id        string
	name      string
	folder    string
	backend   backend
	artifacts ArtifactStore

	mu     sync.Mutex
	tags   []string
	closed bool
}

func (r *run) ID() string     { return r.id }
func (r *run) Name() string   { return r.name }
func (r *run) Folder() string { return r.folder }

func (r *run) Tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tags...)
}

func (r *run) ensureOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("%w: %s", ErrRunClosed, r.name)
	}
	return nil
}

func (r *run) LogEvent(ctx context.Context, message string) error {
	if err := r.ensureOpen(); err != nil {
		return err
	}
	event := models.RunEvent{Message: message, Timestamp: nowTimestamp()}
	return r.backend.addEvents(ctx, r.id, []models.RunEvent{event})
}

func (r *run) LogMetrics(ctx context.Context, values map[string]float64, opts MetricOptions) error {
	if err := r.ensureOpen(); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	point := models.MetricPoint{
		Values:    values,
		Step:      opts.Step,
		Time:      opts.Time,
		Timestamp: nowTimestamp(),
	}
	return r.backend.addMetrics(ctx, r.id, []models.MetricPoint{point})
}

func (r *run) UpdateMetadata(ctx context.Context, metadata map[string]any) error {
	if err := r.ensureOpen(); err != nil {
		return err
	}
	if len(metadata) == 0 {
		return nil
	}
	return r.backend.updateRun(ctx, r.id, runPatch{Metadata: encodeMetadata(metadata)})
}

func (r *run) UpdateTags(ctx context.Context, tags []string) error {
	if err := r.ensureOpen(); err != nil {
		return err
	}
	if err := r.backend.updateRun(ctx, r.id, runPatch{Tags: tags}); err != nil {
		return err
	}
	r.mu.Lock()
	r.tags = append([]string(nil), tags...)
	r.mu.Unlock()
	return nil
}

// SaveFile 上传文件并登记到运行
func (r *run) SaveFile(ctx context.Context, filePath, category, name string) error {
	if err := r.ensureOpen(); err != nil {
		return err
	}
	if !validCategory(category) {
		return fmt.Errorf("%w: %s", ErrInvalidCategory, category)
	}
	if name == "" {
		name = filepath.Base(filePath)
	}
	size, checksum, err := fileDigest(filePath)
	if err != nil {
		return err
	}
	key := r.objectKey(category, name)
	url, err := r.artifacts.Put(ctx, filePath, key)
	if err != nil {
		return fmt.Errorf("上传文件 %s 失败: %w", filePath, err)
	}
	record := models.FileRecord{
		Name:     name,
		Category: category,
		Path:     key,
		URL:      url,
		Size:     size,
		Checksum: checksum,
	}
	return r.backend.addFile(ctx, r.id, record)
}

// SaveObject 将对象序列化为 JSON 后按文件保存
func (r *run) SaveObject(ctx context.Context, obj any, category, name string) error {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化对象 %s 失败: %w", name, err)
	}
	if !strings.HasSuffix(name, ".json") {
		name += ".json"
	}
	tmp, err := os.CreateTemp("", "simvue-object-*.json")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return r.SaveFile(ctx, tmp.Name(), category, name)
}

// CreateAlert 只接受已校验的告警定义
func (r *run) CreateAlert(ctx context.Context, spec *validators.AlertSpec) error {
	if err := r.ensureOpen(); err != nil {
		return err
	}
	if spec == nil || spec.Name == "" {
		return ErrAlertNotValid
	}
	return r.backend.addAlert(ctx, r.id, spec.Map())
}

func (r *run) Aborted(ctx context.Context) (bool, error) {
	if err := r.ensureOpen(); err != nil {
		return false, err
	}
	return r.backend.aborted(ctx, r.id)
}

func (r *run) SetStatus(ctx context.Context, status string) error {
	if err := r.ensureOpen(); err != nil {
		return err
	}
	return r.backend.updateRun(ctx, r.id, runPatch{Status: status})
}

// Close 将运行标记为完成 重复关闭不报错
func (r *run) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	if err := r.backend.updateRun(ctx, r.id, runPatch{Status: StatusCompleted}); err != nil {
		return err
	}
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	logger.Info("运行已关闭: %s", r.name)
	return nil
}

func (r *run) objectKey(category, name string) string {
	folder := strings.Trim(r.folder, "/")
	return strings.TrimPrefix(path.Join(folder, r.name, category, name), "/")
}

func validCategory(category string) bool {
	switch category {
	case CategoryInput, CategoryOutput, CategoryCode:
		return true
	}
	return false
}

func fileDigest(filePath string) (int64, string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return 0, "", fmt.Errorf("打开文件失败: %w", err)
	}
	defer file.Close()
	hasher := md5.New()
	size, err := io.Copy(hasher, file)
	if err != nil {
		return 0, "", fmt.Errorf("读取文件失败: %w", err)
	}
	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// encodeFloat JSON 无法表示 NaN 和 Inf 这类取值改用字符串
func encodeFloat(value float64) any {
	switch {
	case math.IsNaN(value):
		return "NaN"
	case math.IsInf(value, 1):
		return "Inf"
	case math.IsInf(value, -1):
		return "-Inf"
	}
	return value
}

// encodeMetadata 返回副本 顶层的非有限浮点数按 encodeFloat 转换
func encodeMetadata(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		switch f := v.(type) {
		case float64:
			out[k] = encodeFloat(f)
		case float32:
			out[k] = encodeFloat(float64(f))
		default:
			out[k] = v
		}
	}
	return out
}

func nowTimestamp() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05.000000")
}
