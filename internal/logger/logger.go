package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var levelRank = map[string]int{
	"debug": 0,
	"info":  1,
	"warn":  2,
	"error": 3,
}

var (
	mu           sync.RWMutex
	activeLogger *log.Logger
	logFile      *os.File
	logLevel     = "info"
)

// InitLogger 初始化日志系统。
func InitLogger(level, path string) error {
	output, file, err := buildLogWriter(path)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
	}
	activeLogger = log.New(output, "", log.LstdFlags|log.Lshortfile)
	logFile = file
	logLevel = normalizeLevel(level)
	return nil
}

// InitWithWriter 使用指定输出初始化日志，主要用于测试。
func InitWithWriter(level string, w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	activeLogger = log.New(w, "", 0)
	logLevel = normalizeLevel(level)
}

func buildLogWriter(path string) (io.Writer, *os.File, error) {
	if strings.TrimSpace(path) == "" {
		return os.Stdout, nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("创建日志目录失败: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, nil, fmt.Errorf("打开日志文件失败: %w", err)
	}

	return io.MultiWriter(os.Stdout, file), file, nil
}

// Close 关闭日志文件。
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	activeLogger = nil
	return err
}

// Info 记录信息日志。
func Info(format string, v ...interface{}) {
	logWithLevel("info", format, v...)
}

// Error 记录错误日志。
func Error(format string, v ...interface{}) {
	logWithLevel("error", format, v...)
}

// Warn 记录警告日志。
func Warn(format string, v ...interface{}) {
	logWithLevel("warn", format, v...)
}

// Debug 记录调试日志。
func Debug(format string, v ...interface{}) {
	logWithLevel("debug", format, v...)
}

// SetLogLevel 设置日志级别。
func SetLogLevel(level string) {
	mu.Lock()
	logLevel = normalizeLevel(level)
	mu.Unlock()
}

func normalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if _, ok := levelRank[level]; !ok {
		return "info"
	}
	return level
}

func logWithLevel(level, format string, v ...interface{}) {
	mu.RLock()
	current := activeLogger
	threshold := logLevel
	mu.RUnlock()
	if levelRank[level] < levelRank[threshold] {
		return
	}
	prefix := "[" + strings.ToUpper(level) + "] "
	if current != nil {
		_ = current.Output(3, fmt.Sprintf(prefix+format, v...))
		return
	}
	_ = log.Output(3, fmt.Sprintf(prefix+format, v...))
}
