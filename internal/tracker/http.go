// 本文件用于在线模式的 HTTP 存储实现
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"simvue-integrations/internal/models"
)

// StatusError 表示服务端返回了非 2xx 状态码
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("追踪服务请求失败: %s %s 状态码 %d: %s", e.Method, e.Path, e.Code, e.Body)
}

type httpBackend struct {
	baseURL string
	token   string
	client  *http.Client
}

func newHTTPBackend(baseURL, token string, timeout time.Duration) *httpBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpBackend{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		client:  &http.Client{Timeout: timeout},
	}
}

type createRunRequest struct {
	Name        string         `json:"name"`
	Folder      string         `json:"folder"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags"`
	Metadata    map[string]any `json:"metadata"`
	Status      string         `json:"status"`
}

type createRunResponse struct {
	ID string `json:"id"`
}

type abortResponse struct {
	Status bool `json:"status"`
}

func (b *httpBackend) createRun(ctx context.Context, cfg RunConfig) (string, error) {
	tags := cfg.Tags
	if tags == nil {
		tags = []string{}
	}
	req := createRunRequest{
		Name:        cfg.Name,
		Folder:      cfg.Folder,
		Description: cfg.Description,
		Tags:        tags,
		Metadata:    cfg.Metadata,
		Status:      StatusRunning,
	}
	var resp createRunResponse
	if err := b.doJSON(ctx, http.MethodPost, "/api/runs", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("追踪服务未返回运行 ID")
	}
	return resp.ID, nil
}

func (b *httpBackend) updateRun(ctx context.Context, id string, patch runPatch) error {
	return b.doJSON(ctx, http.MethodPut, "/api/runs/"+url.PathEscape(id), patch, nil)
}

func (b *httpBackend) addEvents(ctx context.Context, id string, events []models.RunEvent) error {
	body := map[string]any{"run": id, "events": events}
	return b.doJSON(ctx, http.MethodPost, "/api/events", body, nil)
}

// wireMetricPoint 与 models.MetricPoint 相同 但取值允许是字符串
type wireMetricPoint struct {
	Values    map[string]any `json:"values"`
	Step      *int           `json:"step,omitempty"`
	Time      *float64       `json:"time,omitempty"`
	Timestamp string         `json:"timestamp"`
}

func (b *httpBackend) addMetrics(ctx context.Context, id string, points []models.MetricPoint) error {
	wire := make([]wireMetricPoint, 0, len(points))
	for _, point := range points {
		wire = append(wire, wireMetricPoint{
			Values:    encodeMetricValues(point.Values),
			Step:      point.Step,
			Time:      point.Time,
			Timestamp: point.Timestamp,
		})
	}
	body := map[string]any{"run": id, "metrics": wire}
	return b.doJSON(ctx, http.MethodPost, "/api/metrics", body, nil)
}

func encodeMetricValues(values map[string]float64) map[string]any {
	out := make(map[string]any, len(values))
	for name, value := range values {
		out[name] = encodeFloat(value)
	}
	return out
}

func (b *httpBackend) addFile(ctx context.Context, id string, record models.FileRecord) error {
	body := map[string]any{"run": id, "file": record}
	return b.doJSON(ctx, http.MethodPost, "/api/artifacts", body, nil)
}

func (b *httpBackend) addAlert(ctx context.Context, id string, alert map[string]any) error {
	body := map[string]any{"run": id, "alert": alert}
	return b.doJSON(ctx, http.MethodPost, "/api/alerts", body, nil)
}

func (b *httpBackend) aborted(ctx context.Context, id string) (bool, error) {
	var resp abortResponse
	if err := b.doJSON(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id)+"/abort", nil, &resp); err != nil {
		return false, err
	}
	return resp.Status, nil
}

func (b *httpBackend) close() error {
	b.client.CloseIdleConnections()
	return nil
}

// Put 通过追踪服务直接上传文件内容 未配置对象存储时使用
func (b *httpBackend) Put(ctx context.Context, localPath, key string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("打开文件失败: %w", err)
	}
	defer file.Close()

	endpoint := "/api/artifacts/content?key=" + url.QueryEscape(key)
	req, err := b.newRequest(ctx, http.MethodPut, endpoint, file)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	var resp struct {
		URL string `json:"url"`
	}
	if err := b.do(req, endpoint, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (b *httpBackend) doJSON(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := b.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return b.do(req, endpoint, out)
}

func (b *httpBackend) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (b *httpBackend) do(req *http.Request, endpoint string, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 HTTP 请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Method: req.Method,
			Path:   endpoint,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(snippet)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析追踪服务响应失败: %w", err)
	}
	return nil
}
