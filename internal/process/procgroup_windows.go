//go:build windows

package process

import (
	"errors"
	"os/exec"
)

var errGroupUnsupported = errors.New("当前平台不支持进程组信号")

func setProcessGroup(cmd *exec.Cmd) {}

// signalGroup Windows 下由 sysinfo.TerminateTree 完成终止
func signalGroup(pid int, force bool) error {
	return errGroupUnsupported
}
