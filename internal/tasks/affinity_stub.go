//go:build !linux

package tasks

import "errors"

// pinCurrentThread is unsupported off Linux; pinning is best-effort and the
// runner logs and continues without it.
func pinCurrentThread(cpu int) error {
	return errors.New("tasks: cpu affinity not supported on this platform")
}
