//go:build linux

package tasks

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinCurrentThread binds the calling goroutine's OS thread to one logical
// CPU. The caller must have locked the goroutine to its thread first.
func pinCurrentThread(cpu int) error {
	if cpu < 0 || cpu >= runtime.NumCPU() {
		cpu = cpu % runtime.NumCPU()
		if cpu < 0 {
			cpu = 0
		}
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
