//go:build !windows

package process

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeMonitor struct {
	mu          sync.Mutex
	abortAfter  int
	polls       int
	events      []string
	abortErrors int
}

func (f *fakeMonitor) Aborted(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.abortErrors > 0 {
		f.abortErrors--
		return false, errors.New("服务不可用")
	}
	return f.abortAfter > 0 && f.polls >= f.abortAfter, nil
}

func (f *fakeMonitor) LogEvent(ctx context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, message)
	return nil
}

func (f *fakeMonitor) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func TestNewLauncherValidation(t *testing.T) {
	if _, err := NewLauncher(nil, Options{Executable: "sh"}); err == nil {
		t.Fatal("运行为空时应返回错误")
	}
	if _, err := NewLauncher(&fakeMonitor{}, Options{}); err == nil {
		t.Fatal("可执行文件为空时应返回错误")
	}
}

func TestLauncherArgs(t *testing.T) {
	l, err := NewLauncher(&fakeMonitor{}, Options{
		Executable: "moose-opt",
		Args:       map[string]any{"i": "mug.i", "color": "off"},
		Positional: []string{"Outputs/csv=true"},
	})
	if err != nil {
		t.Fatalf("创建启动器失败: %v", err)
	}
	want := []string{"--color", "off", "-i", "mug.i", "Outputs/csv=true"}
	if got := l.Args(); !reflect.DeepEqual(got, want) {
		t.Fatalf("期望 %v，实际 %v", want, got)
	}
}

func TestLauncherRunsToCompletion(t *testing.T) {
	var stdout bytes.Buffer
	var completed []error
	l, err := NewLauncher(&fakeMonitor{}, Options{
		Executable:   "sh",
		Positional:   []string{"-c", "echo $SIM_CASE"},
		Env:          map[string]string{"SIM_CASE": "mug"},
		PollInterval: 10 * time.Millisecond,
		Stdout:       &stdout,
		OnComplete:   func(err error) { completed = append(completed, err) },
	})
	if err != nil {
		t.Fatalf("创建启动器失败: %v", err)
	}
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("进程应正常退出: %v", err)
	}
	if strings.TrimSpace(stdout.String()) != "mug" {
		t.Fatalf("环境变量未传入进程: %q", stdout.String())
	}
	if len(completed) != 1 || completed[0] != nil {
		t.Fatalf("完成回调应调用一次且无错误: %v", completed)
	}
	if l.PID() == 0 {
		t.Fatal("启动后 PID 不应为 0")
	}
}

func TestLauncherReportsExitError(t *testing.T) {
	l, _ := NewLauncher(&fakeMonitor{}, Options{
		Executable: "sh",
		Positional: []string{"-c", "exit 3"},
	})
	if err := l.Run(context.Background()); err == nil {
		t.Fatal("非零退出码应返回错误")
	}
}

func TestLauncherStopsOnAbort(t *testing.T) {
	monitor := &fakeMonitor{abortAfter: 2, abortErrors: 1}
	var completed bool
	l, _ := NewLauncher(monitor, Options{
		Identifier:   "moose_simulation",
		Executable:   "sleep",
		Positional:   []string{"30"},
		PollInterval: 20 * time.Millisecond,
		GracePeriod:  500 * time.Millisecond,
		OnComplete:   func(error) { completed = true },
	})
	start := time.Now()
	err := l.Run(context.Background())
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("应返回 ErrAborted，实际 %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("终止耗时过长")
	}
	if !completed {
		t.Fatal("终止后也应调用完成回调")
	}
	events := monitor.snapshot()
	if len(events) != 1 || !strings.Contains(events[0], "moose_simulation") {
		t.Fatalf("终止事件不符合预期: %v", events)
	}
}

func TestLauncherStopsOnContextCancel(t *testing.T) {
	l, _ := NewLauncher(&fakeMonitor{}, Options{
		Executable:   "sleep",
		Positional:   []string{"30"},
		PollInterval: time.Second,
		GracePeriod:  500 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := l.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("应返回上下文错误，实际 %v", err)
	}
}
