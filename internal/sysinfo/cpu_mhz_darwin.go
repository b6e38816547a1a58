//go:build darwin

// 本文件用于 macOS 下从 sysctl 读取主频
package sysinfo

import "golang.org/x/sys/unix"

// Apple Silicon 没有 hw.cpufrequency 只能退回到最大频率
var darwinFrequencyKeys = []string{"hw.cpufrequency", "hw.cpufrequency_max"}

func platformCPUMHz() (float64, bool) {
	for _, key := range darwinFrequencyKeys {
		hz, err := unix.SysctlUint64(key)
		if err != nil || hz == 0 {
			continue
		}
		return float64(hz) / 1e6, true
	}
	return 0, false
}
