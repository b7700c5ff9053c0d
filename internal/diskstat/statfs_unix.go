//go:build linux || darwin || freebsd

package diskstat

import "syscall"

func statFS(path string) (total, free uint64, err error) {
	var st syscall.Statfs_t
	if err = syscall.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return bsize * uint64(st.Blocks), bsize * uint64(st.Bavail), nil
}
