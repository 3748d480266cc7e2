//go:build unix

package buildcache

import "golang.org/x/sys/unix"

func realStatfs(path string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	total := uint64(stat.Blocks) * uint64(stat.Bsize) //nolint:unconvert
	free := uint64(stat.Bavail) * uint64(stat.Bsize) //nolint:unconvert
	return total, free, nil
}
