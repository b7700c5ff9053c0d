//go:build !linux && !darwin && !freebsd

package diskstat

import "errors"

func statFS(path string) (total, free uint64, err error) {
	return 0, 0, errors.New("diskstat: not supported on this platform")
}
