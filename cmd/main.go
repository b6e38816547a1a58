// 本文件用于 MOOSE 仿真启动入口
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"simvue-integrations/internal/config"
	"simvue-integrations/internal/logger"
	"simvue-integrations/internal/models"
	"simvue-integrations/internal/moose"
	"simvue-integrations/internal/process"
	"simvue-integrations/internal/tracker"
)

type cliFlags struct {
	configPath string
	runName    string
	tags       string
	save       bool
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, process.ErrAborted) {
			log.Printf("仿真已被终止: %v", err)
			os.Exit(3)
		}
		log.Fatalf("程序退出: %v", err)
	}
}

func run() error {
	flags := parseFlags()
	log.Printf("程序启动，配置文件: %s", flags.configPath)

	cfg, err := loadAndValidateConfig(flags)
	if err != nil {
		return err
	}

	if err := logger.InitLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		return err
	}
	defer logger.Close()

	logConfig(cfg)

	client, err := tracker.NewClient(cfg)
	if err != nil {
		logger.Error("创建追踪客户端失败: %v", err)
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return launch(ctx, cfg, client)
}

func parseFlags() cliFlags {
	var flags cliFlags
	flag.StringVar(&flags.configPath, "config", "config.yaml", "配置文件路径")
	flag.StringVar(&flags.runName, "run-name", "", "覆盖配置中的运行名称")
	flag.StringVar(&flags.tags, "tags", "", "覆盖配置中的运行标签，逗号分隔")
	flag.BoolVar(&flags.save, "save", false, "将命令行覆盖项写入运行时配置")
	flag.Parse()
	return flags
}

func loadAndValidateConfig(flags cliFlags) (*models.Config, error) {
	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	if name := strings.TrimSpace(flags.runName); name != "" {
		// 目录沿用默认值时跟随新名称
		if cfg.RunFolder == "" || cfg.RunFolder == "/"+cfg.RunName {
			cfg.RunFolder = "/" + name
		}
		cfg.RunName = name
	}
	if flags.tags != "" {
		cfg.RunTags = splitTags(flags.tags)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if flags.save {
		if err := config.SaveRuntimeConfig(flags.configPath, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func splitTags(raw string) []string {
	var tags []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func logConfig(cfg *models.Config) {
	logger.Info("配置加载成功")
	logger.Info("运行模式: %s", cfg.Mode)
	if cfg.Mode == config.ModeOnline {
		logger.Info("追踪服务: %s", cfg.ServerURL)
	} else {
		logger.Info("离线目录: %s", cfg.OfflineDir)
	}
	logger.Info("运行名称: %s", cfg.RunName)
	logger.Info("运行目录: %s", cfg.RunFolder)
	if len(cfg.RunTags) > 0 {
		logger.Info("运行标签: %s", strings.Join(cfg.RunTags, ","))
	}
	if cfg.ArtifactBucket != "" {
		logger.Info("OSS Bucket: %s", cfg.ArtifactBucket)
		logger.Info("OSS Endpoint: %s", cfg.Endpoint)
	}
	logger.Info("MOOSE 程序: %s", cfg.Moose.ApplicationPath)
	logger.Info("输入文件: %s", cfg.Moose.InputFile)
	logger.Info("日志级别: %s", cfg.LogLevel)
	if cfg.LogFile != "" {
		logger.Info("日志文件: %s", cfg.LogFile)
	}
}

// launch 创建运行并执行仿真 结束状态按仿真结果写回
func launch(ctx context.Context, cfg *models.Config, client tracker.Client) error {
	specs, err := config.AlertSpecs(cfg)
	if err != nil {
		return err
	}
	run, err := client.NewRun(ctx, tracker.RunConfig{
		Name:        cfg.RunName,
		Folder:      cfg.RunFolder,
		Description: cfg.RunDescription,
		Tags:        cfg.RunTags,
	})
	if err != nil {
		return err
	}
	for _, name := range cfg.RunAlerts {
		if err := run.CreateAlert(ctx, specs[name]); err != nil {
			return err
		}
	}

	pollInterval, _ := config.ParseDuration(cfg.AbortPollInterval)
	tailInterval, _ := config.ParseDuration(cfg.TailPollInterval)
	launchErr := moose.Launch(ctx, run, moose.LaunchOptions{
		ApplicationPath: cfg.Moose.ApplicationPath,
		InputFile:       cfg.Moose.InputFile,
		OutputDir:       cfg.Moose.OutputDir,
		ResultsPrefix:   cfg.Moose.ResultsPrefix,
		EnvVars:         cfg.Moose.EnvVars,
		PollInterval:    pollInterval,
		TailInterval:    tailInterval,
		Stdout:          os.Stdout,
		Stderr:          os.Stderr,
	})

	// 信号取消后仍需写回状态
	finalCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch {
	case launchErr == nil:
		if err := run.LogEvent(finalCtx, "仿真已完成"); err != nil {
			logger.Warn("上报完成事件失败: %v", err)
		}
		return run.Close(finalCtx)
	case errors.Is(launchErr, process.ErrAborted), errors.Is(launchErr, context.Canceled):
		if err := run.SetStatus(finalCtx, tracker.StatusTerminated); err != nil {
			logger.Warn("更新运行状态失败: %v", err)
		}
	default:
		if err := run.SetStatus(finalCtx, tracker.StatusFailed); err != nil {
			logger.Warn("更新运行状态失败: %v", err)
		}
	}
	return launchErr
}
