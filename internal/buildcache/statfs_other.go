//go:build !unix

package buildcache

// realStatfs reports an unknown filesystem size, which disables the
// free-space floor.
func realStatfs(string) (uint64, uint64, error) {
	return 0, 0, nil
}
