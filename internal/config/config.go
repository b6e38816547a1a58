// 本文件用于配置文件的加载 默认值与校验
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"simvue-integrations/internal/models"
	"simvue-integrations/internal/validators"
)

const (
	ModeOnline  = "online"
	ModeOffline = "offline"
)

// ErrUnknownAlert 表示引用了未定义的告警
var ErrUnknownAlert = errors.New("告警未定义")

// LoadConfig 加载配置文件 并叠加同目录的运行时配置
func LoadConfig(configFile string) (*models.Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config models.Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	overlay, err := loadRuntimeConfig(configFile)
	if err != nil {
		return nil, err
	}
	applyRuntimeConfig(&config, overlay)
	applyDefaults(&config)

	return &config, nil
}

func applyDefaults(config *models.Config) {
	config.Mode = strings.ToLower(strings.TrimSpace(config.Mode))
	if config.Mode == "" {
		config.Mode = ModeOnline
	}
	if config.RequestTimeout == "" {
		config.RequestTimeout = "10s"
	}
	if config.OfflineDir == "" {
		config.OfflineDir = "data/offline"
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.AbortPollInterval == "" {
		config.AbortPollInterval = "5s"
	}
	if config.TailPollInterval == "" {
		config.TailPollInterval = "1s"
	}
	if config.RunFolder == "" && config.RunName != "" {
		config.RunFolder = "/" + config.RunName
	}
	if config.Training.FinalModelPath == "" {
		config.Training.FinalModelPath = "/tmp/simvue/final_model.keras"
	}
}

// ValidateConfig 验证配置 告警定义的全部问题一次性返回
func ValidateConfig(config *models.Config) error {
	if config == nil {
		return fmt.Errorf("配置为空")
	}
	switch config.Mode {
	case ModeOnline:
		if strings.TrimSpace(config.ServerURL) == "" {
			return fmt.Errorf("online 模式下 server_url 不能为空")
		}
		if _, err := url.ParseRequestURI(config.ServerURL); err != nil {
			return fmt.Errorf("无效的 server_url: %s", config.ServerURL)
		}
		if strings.TrimSpace(config.ServerToken) == "" {
			return fmt.Errorf("online 模式下 server_token 不能为空")
		}
	case ModeOffline:
		if strings.TrimSpace(config.OfflineDir) == "" {
			return fmt.Errorf("offline 模式下 offline_dir 不能为空")
		}
	default:
		return fmt.Errorf("无效的运行模式: %s", config.Mode)
	}
	if strings.TrimSpace(config.RunName) == "" {
		return fmt.Errorf("运行名称不能为空")
	}
	for _, key := range []struct{ name, value string }{
		{"request_timeout", config.RequestTimeout},
		{"abort_poll_interval", config.AbortPollInterval},
		{"tail_poll_interval", config.TailPollInterval},
	} {
		if _, err := ParseDuration(key.value); err != nil {
			return fmt.Errorf("%s 无效: %w", key.name, err)
		}
	}
	if config.ArtifactBucket != "" && (config.AK == "" || config.SK == "" || config.Endpoint == "") {
		return fmt.Errorf("配置 artifact_bucket 时 OSS 认证信息与 Endpoint 不能为空")
	}
	if config.Training.EvaluationCondition != "" {
		if _, err := validators.ParseOperator(config.Training.EvaluationCondition); err != nil {
			return err
		}
	}
	if _, err := AlertSpecs(config); err != nil {
		return err
	}
	return nil
}

// AlertSpecs 校验全部告警定义 并检查被引用的告警名称均已定义
func AlertSpecs(config *models.Config) (map[string]*validators.AlertSpec, error) {
	specs, err := validators.ValidateAlertDefinitions(config.AlertDefinitions)
	if err != nil {
		return nil, err
	}
	names := append([]string(nil), config.RunAlerts...)
	names = append(names, config.Training.AlertNames()...)
	for _, name := range names {
		if _, ok := specs[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAlert, name)
		}
	}
	return specs, nil
}

// ParseDuration 解析时长配置 空字符串视为 0
func ParseDuration(value string) (time.Duration, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("时长不能为负数: %s", value)
	}
	return d, nil
}
