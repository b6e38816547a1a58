// Package tailer 用于增量读取仿真持续写入的文本文件
// 文件写入事件触发立即读取 定时轮询兜底
package tailer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"simvue-integrations/internal/logger"
)

const defaultInterval = time.Second

type fileCursor struct {
	offset    int64
	remainder string
	inited    bool
}

// Options 轮询配置
type Options struct {
	Interval     time.Duration
	StartFromEnd bool
	OnLine       func(path, line string)
	OnPoll       func(at time.Time, err error)
}

// Tailer 负责读取一组文件的新增行
// 文件可以在启动后才出现
type Tailer struct {
	paths   []string
	opts    Options
	mu      sync.Mutex
	cursors map[string]*fileCursor
}

// New 创建文件读取器
func New(paths []string, opts Options) *Tailer {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	cleaned := make([]string, 0, len(paths))
	for _, path := range paths {
		if strings.TrimSpace(path) != "" {
			cleaned = append(cleaned, filepath.Clean(path))
		}
	}
	return &Tailer{
		paths:   cleaned,
		opts:    opts,
		cursors: make(map[string]*fileCursor),
	}
}

// Run 持续读取直到上下文取消
// fsnotify 不可用时只依赖定时轮询
func (t *Tailer) Run(ctx context.Context) error {
	watcher, err := t.newWatcher()
	if err != nil {
		logger.Warn("文件事件监听不可用，改用轮询: %v", err)
	}
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher != nil {
		defer watcher.Close()
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	t.Poll()
	ticker := time.NewTicker(t.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Poll()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if t.tracks(event.Name) && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				t.Poll()
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			logger.Warn("文件事件监听错误: %v", err)
		}
	}
}

// Poll 立即读取一次全部文件
func (t *Tailer) Poll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	var pollErr error
	for _, path := range t.paths {
		if err := t.readFile(path); err != nil && pollErr == nil {
			pollErr = err
		}
	}
	if t.opts.OnPoll != nil {
		t.opts.OnPoll(now, pollErr)
	}
}

// newWatcher 监听文件所在目录 文件尚未创建时也能收到 Create 事件
func (t *Tailer) newWatcher() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	added := map[string]bool{}
	for _, path := range t.paths {
		dir := filepath.Dir(path)
		if added[dir] {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = watcher.Close()
			return nil, err
		}
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, err
		}
		added[dir] = true
	}
	return watcher, nil
}

func (t *Tailer) tracks(name string) bool {
	name = filepath.Clean(name)
	for _, path := range t.paths {
		if path == name {
			return true
		}
	}
	return false
}

func (t *Tailer) readFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	size := info.Size()
	cursor := t.cursorFor(path)
	if !cursor.inited {
		cursor.inited = true
		if t.opts.StartFromEnd {
			cursor.offset = size
			return nil
		}
	}
	if size < cursor.offset {
		// 文件被截断或重新生成
		cursor.offset = 0
		cursor.remainder = ""
	}
	if size == cursor.offset {
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.Seek(cursor.offset, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(file, size-cursor.offset))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	cursor.offset += int64(len(data))

	content := cursor.remainder + string(data)
	lines := strings.Split(content, "\n")
	if strings.HasSuffix(content, "\n") {
		cursor.remainder = ""
		lines = lines[:len(lines)-1]
	} else {
		cursor.remainder = lines[len(lines)-1]
		lines = lines[:len(lines)-1]
	}
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if t.opts.OnLine != nil {
			t.opts.OnLine(path, line)
		}
	}
	return nil
}

func (t *Tailer) cursorFor(path string) *fileCursor {
	if cursor, ok := t.cursors[path]; ok {
		return cursor
	}
	cursor := &fileCursor{}
	t.cursors[path] = cursor
	return cursor
}
