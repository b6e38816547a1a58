// 本文件用于采集运行所在主机的环境信息 作为运行元数据上报
package sysinfo

import (
	"context"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

var brandGHz = regexp.MustCompile(`(?i)([0-9]+(?:\.[0-9]+)?)\s*ghz`)

// CollectEnvironment 返回主机 CPU 内存等信息
// 单项采集失败时跳过该项 不影响运行创建
func CollectEnvironment(ctx context.Context) map[string]any {
	if ctx == nil {
		ctx = context.Background()
	}
	out := map[string]any{
		"env_go_version": runtime.Version(),
		"env_arch":       runtime.GOARCH,
		"env_cpu_cores":  runtime.NumCPU(),
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		out["env_hostname"] = fallbackString(info.Hostname, "--")
		osName := strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
		out["env_os"] = fallbackString(osName, runtime.GOOS)
		out["env_kernel"] = fallbackString(info.KernelVersion, "--")
	} else {
		name, _ := os.Hostname()
		out["env_hostname"] = fallbackString(name, "--")
		out["env_os"] = runtime.GOOS
	}

	var model string
	mhz, _ := platformCPUMHz()
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		model = strings.TrimSpace(infos[0].ModelName)
		if mhz <= 0 {
			mhz = sanitizeMHz(infos[0].Mhz)
		}
		if mhz <= 0 {
			mhz = parseBrandMHz(model)
		}
	}
	if model != "" {
		out["env_cpu_model"] = model
	}
	if mhz > 0 {
		out["env_cpu_mhz"] = mhz
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out["env_memory_total"] = vm.Total
	}
	return out
}

func sanitizeMHz(mhz float64) float64 {
	// 部分平台会返回极小值（如 24 MHz），直接视为未知
	if mhz < 100 {
		return 0
	}
	return mhz
}

func parseBrandMHz(brand string) float64 {
	matches := brandGHz.FindStringSubmatch(brand)
	if len(matches) < 2 {
		return 0
	}
	val, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0
	}
	return val * 1000
}

func fallbackString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
