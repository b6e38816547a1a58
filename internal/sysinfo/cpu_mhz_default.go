//go:build !darwin

package sysinfo

func platformCPUMHz() (float64, bool) {
	return 0, false
}
