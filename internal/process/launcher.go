// Package process 用于启动外部仿真进程并在运行被终止时停止它
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"simvue-integrations/internal/command"
	"simvue-integrations/internal/logger"
	"simvue-integrations/internal/sysinfo"
)

// ErrAborted 表示进程因运行被终止而停止
var ErrAborted = errors.New("运行已被终止")

const (
	defaultPollInterval = 5 * time.Second
	defaultGracePeriod  = 3 * time.Second
)

// Monitor 是启动器依赖的运行能力 一般由 tracker.Run 提供
type Monitor interface {
	Aborted(ctx context.Context) (bool, error)
	LogEvent(ctx context.Context, message string) error
}

// Options 启动参数
type Options struct {
	Identifier   string
	Executable   string
	Args         map[string]any
	Positional   []string
	Dir          string
	Env          map[string]string
	PollInterval time.Duration
	GracePeriod  time.Duration
	Stdout       io.Writer
	Stderr       io.Writer
	// OnComplete 在进程退出后调用 参数为退出错误
	OnComplete func(err error)
}

// Launcher 负责单个外部进程的生命周期
type Launcher struct {
	monitor Monitor
	opts    Options

	mu  sync.Mutex
	pid int
}

// NewLauncher 校验参数并创建启动器
func NewLauncher(monitor Monitor, opts Options) (*Launcher, error) {
	if monitor == nil {
		return nil, fmt.Errorf("运行不能为空")
	}
	if strings.TrimSpace(opts.Executable) == "" {
		return nil, fmt.Errorf("可执行文件不能为空")
	}
	if opts.Identifier == "" {
		opts.Identifier = opts.Executable
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	return &Launcher{monitor: monitor, opts: opts}, nil
}

// Args 返回实际传给可执行文件的参数
func (l *Launcher) Args() []string {
	args := command.Split(command.FormatArgs(l.opts.Args))
	return append(args, l.opts.Positional...)
}

// PID 返回进程号 未启动时为 0
func (l *Launcher) PID() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pid
}

// Run 启动进程并阻塞到退出
// 轮询发现运行被终止时返回 ErrAborted 上下文取消时返回 ctx.Err()
func (l *Launcher) Run(ctx context.Context) error {
	cmd := exec.Command(l.opts.Executable, l.Args()...)
	cmd.Dir = l.opts.Dir
	cmd.Stdout = l.opts.Stdout
	cmd.Stderr = l.opts.Stderr
	if len(l.opts.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range l.opts.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("启动进程 %s 失败: %w", l.opts.Identifier, err)
	}
	pid := cmd.Process.Pid
	l.mu.Lock()
	l.pid = pid
	l.mu.Unlock()
	logger.Info("进程已启动: %s pid=%d", l.opts.Identifier, pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return l.finish(err)
		case <-ctx.Done():
			logger.Warn("上下文已取消，停止进程: %s", l.opts.Identifier)
			l.finish(l.terminate(pid, done))
			return ctx.Err()
		case <-ticker.C:
			aborted, err := l.monitor.Aborted(ctx)
			if err != nil {
				// 追踪服务暂时不可用时继续运行 下一轮再查
				logger.Warn("查询终止状态失败: %v", err)
				continue
			}
			if !aborted {
				continue
			}
			logger.Warn("运行已被终止，停止进程: %s", l.opts.Identifier)
			if err := l.monitor.LogEvent(ctx, fmt.Sprintf("进程 %s 因运行被终止而停止", l.opts.Identifier)); err != nil {
				logger.Warn("上报终止事件失败: %v", err)
			}
			l.finish(l.terminate(pid, done))
			return ErrAborted
		}
	}
}

func (l *Launcher) finish(err error) error {
	if err != nil {
		err = fmt.Errorf("进程 %s 异常退出: %w", l.opts.Identifier, err)
		logger.Error("%v", err)
	} else {
		logger.Info("进程已退出: %s", l.opts.Identifier)
	}
	if l.opts.OnComplete != nil {
		l.opts.OnComplete(err)
	}
	return err
}

// terminate 先向进程组发送 TERM 再处理脱离进程组的子进程 最后 KILL 整个进程组
func (l *Launcher) terminate(pid int, done <-chan error) error {
	if err := signalGroup(pid, false); err != nil {
		logger.Warn("向进程组发送 TERM 失败: %v", err)
	}
	select {
	case err := <-done:
		_ = signalGroup(pid, true)
		return err
	case <-time.After(l.opts.GracePeriod):
	}
	result, err := sysinfo.TerminateTree(int32(pid), l.opts.GracePeriod)
	if err != nil && !errors.Is(err, sysinfo.ErrProcessNotFound) {
		logger.Warn("终止进程树失败: %v", err)
	} else if result.Forced {
		logger.Warn("进程 %d 未响应 TERM，已强制结束", pid)
	}
	_ = signalGroup(pid, true)
	return <-done
}
