// 本文件用于终止仿真进程及其派生的子进程
package sysinfo

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

var (
	ErrInvalidPID                = errors.New("invalid pid")
	ErrProcessNotFound           = errors.New("process not found")
	ErrTerminatePermissionDenied = errors.New("permission denied")
)

const defaultGracePeriod = 2 * time.Second

// TerminateResult 描述一次终止操作
type TerminateResult struct {
	PID      int32   `json:"pid"`
	Name     string  `json:"name,omitempty"`
	Children []int32 `json:"children,omitempty"`
	Signal   string  `json:"signal"`
	Forced   bool    `json:"forced"`
}

// TerminateTree 先向进程树发送 TERM 超过 grace 仍存活的进程改为 KILL
// mpiexec 之类的启动器不会转发信号 所以子进程也要单独处理
func TerminateTree(pid int32, grace time.Duration) (TerminateResult, error) {
	result := TerminateResult{PID: pid, Signal: "TERM"}
	if pid <= 0 {
		return result, ErrInvalidPID
	}
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	root, err := process.NewProcess(pid)
	if err != nil {
		return result, normalizeTerminateErr(err)
	}
	if name, nameErr := root.Name(); nameErr == nil {
		result.Name = name
	}
	running, err := root.IsRunning()
	if err != nil {
		return result, normalizeTerminateErr(err)
	}
	if !running {
		return result, ErrProcessNotFound
	}

	procs := append(descendants(root), root)
	for _, proc := range procs {
		if proc.Pid != pid {
			result.Children = append(result.Children, proc.Pid)
		}
		if err := proc.Terminate(); err != nil {
			if normalized := normalizeTerminateErr(err); normalized != ErrProcessNotFound {
				return result, normalized
			}
		}
	}

	deadline := time.Now().Add(grace)
	for _, proc := range procs {
		exited, waitErr := waitProcessExit(proc, time.Until(deadline))
		if waitErr != nil {
			return result, normalizeTerminateErr(waitErr)
		}
		if exited {
			continue
		}
		result.Signal = "KILL"
		result.Forced = true
		if err := proc.Kill(); err != nil {
			if normalized := normalizeTerminateErr(err); normalized != ErrProcessNotFound {
				return result, normalized
			}
		}
	}
	return result, nil
}

// descendants 深度优先收集子进程 子进程排在父进程之前
func descendants(proc *process.Process) []*process.Process {
	children, err := proc.Children()
	if err != nil {
		return nil
	}
	var out []*process.Process
	for _, child := range children {
		out = append(out, descendants(child)...)
		out = append(out, child)
	}
	return out
}

func waitProcessExit(proc *process.Process, timeout time.Duration) (bool, error) {
	if proc == nil {
		return false, fmt.Errorf("process is nil")
	}
	deadline := time.Now().Add(timeout)
	for {
		running, err := proc.IsRunning()
		if err != nil {
			if isProcessMissingErr(err) {
				return true, nil
			}
			return false, err
		}
		if !running {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(120 * time.Millisecond)
	}
}

func normalizeTerminateErr(err error) error {
	if err == nil {
		return nil
	}
	if isProcessMissingErr(err) {
		return ErrProcessNotFound
	}
	if isPermissionErr(err) {
		return ErrTerminatePermissionDenied
	}
	return err
}

func isProcessMissingErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "no such process") ||
		strings.Contains(msg, "process does not exist") ||
		strings.Contains(msg, "not found")
}

func isPermissionErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "access is denied")
}
