// 本文件用于按配置组装追踪客户端
package tracker

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"simvue-integrations/internal/config"
	"simvue-integrations/internal/logger"
	"simvue-integrations/internal/models"
	"simvue-integrations/internal/sysinfo"
)

// NewClient 根据运行模式选择在线或离线存储
// 配置了 artifact_bucket 时文件直接写入 OSS
func NewClient(cfg *models.Config) (Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}
	var (
		b     backend
		store ArtifactStore
	)
	switch cfg.Mode {
	case config.ModeOffline:
		offline, err := newOfflineBackend(cfg.OfflineDir)
		if err != nil {
			return nil, err
		}
		local, err := NewLocalStore(filepath.Join(cfg.OfflineDir, "artifacts"))
		if err != nil {
			_ = offline.close()
			return nil, err
		}
		b, store = offline, local
		logger.Info("使用离线模式: %s", offline.dbPath)
	default:
		timeout, err := config.ParseDuration(cfg.RequestTimeout)
		if err != nil {
			return nil, fmt.Errorf("request_timeout 无效: %w", err)
		}
		online := newHTTPBackend(cfg.ServerURL, cfg.ServerToken, timeout)
		b, store = online, online
		logger.Info("使用在线模式: %s", cfg.ServerURL)
	}

	if strings.TrimSpace(cfg.ArtifactBucket) != "" {
		oss, err := NewOSSStore(OSSOptions{
			Endpoint:   cfg.Endpoint,
			Bucket:     cfg.ArtifactBucket,
			AK:         cfg.AK,
			SK:         cfg.SK,
			Prefix:     cfg.ArtifactPrefix,
			DisableSSL: cfg.DisableSSL,
		})
		if err != nil {
			_ = b.close()
			return nil, err
		}
		store = oss
	}

	var envMeta map[string]any
	if cfg.RunMetadata {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		envMeta = sysinfo.CollectEnvironment(ctx)
		cancel()
	}
	return &client{backend: b, artifacts: store, envMeta: envMeta}, nil
}
