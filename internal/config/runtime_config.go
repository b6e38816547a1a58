// 本文件用于运行时配置的读取与叠加 便于同一份配置复用到多次运行
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"simvue-integrations/internal/models"
)

type runtimeConfig struct {
	Mode           *string   `yaml:"mode"`
	RunName        *string   `yaml:"run_name"`
	RunFolder      *string   `yaml:"run_folder"`
	RunDescription *string   `yaml:"run_description"`
	RunTags        *[]string `yaml:"run_tags"`
	LogLevel       *string   `yaml:"log_level"`
}

func runtimeConfigPath(configPath string) string {
	cleaned := strings.TrimSpace(configPath)
	if cleaned == "" {
		return ""
	}
	ext := filepath.Ext(cleaned)
	if ext == "" {
		return cleaned + ".runtime.yaml"
	}
	return strings.TrimSuffix(cleaned, ext) + ".runtime" + ext
}

func loadRuntimeConfig(configPath string) (*runtimeConfig, error) {
	path := runtimeConfigPath(configPath)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取运行时配置文件失败: %s: %w", path, err)
	}
	var cfg runtimeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析运行时配置文件失败: %s: %w", path, err)
	}
	return &cfg, nil
}

func applyRuntimeConfig(config *models.Config, overlay *runtimeConfig) {
	if config == nil || overlay == nil {
		return
	}
	if overlay.Mode != nil {
		config.Mode = *overlay.Mode
	}
	if overlay.RunName != nil {
		config.RunName = strings.TrimSpace(*overlay.RunName)
	}
	if overlay.RunFolder != nil {
		config.RunFolder = strings.TrimSpace(*overlay.RunFolder)
	}
	if overlay.RunDescription != nil {
		config.RunDescription = *overlay.RunDescription
	}
	if overlay.RunTags != nil {
		config.RunTags = append([]string(nil), (*overlay.RunTags)...)
	}
	if overlay.LogLevel != nil {
		config.LogLevel = *overlay.LogLevel
	}
}

// SaveRuntimeConfig 写入运行时配置 只保存运行身份相关字段
func SaveRuntimeConfig(configPath string, config *models.Config) error {
	path := runtimeConfigPath(configPath)
	if path == "" {
		return fmt.Errorf("配置文件路径为空")
	}
	if config == nil {
		return fmt.Errorf("配置为空")
	}
	tags := append([]string(nil), config.RunTags...)
	overlay := runtimeConfig{
		Mode:           &config.Mode,
		RunName:        &config.RunName,
		RunFolder:      &config.RunFolder,
		RunDescription: &config.RunDescription,
		RunTags:        &tags,
		LogLevel:       &config.LogLevel,
	}
	data, err := yaml.Marshal(&overlay)
	if err != nil {
		return fmt.Errorf("序列化运行时配置失败: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建运行时配置目录失败: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("写入运行时配置失败: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("替换运行时配置失败: %w", err)
	}
	return nil
}
